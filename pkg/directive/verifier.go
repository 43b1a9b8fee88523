// Package directive verifies and parses signed update/rollback directives
// received over the HTTP control plane, per spec §4.2 and §6.
package directive

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fly-io/nixless-agent/pkg/errors"
	"github.com/fly-io/nixless-agent/pkg/storepath"
)

const sigPrefix = "sig:"

// RollbackBody is the fixed string a header-only rollback directive signs,
// per spec §4.9's "signed empty directive (header-only signature over a
// fixed string `rollback`)".
const RollbackBody = "rollback"

// Directive is the parsed, authenticated result of verifying a directive.
type Directive struct {
	TopLevelID string
	Closure    []string
}

// Verifier authenticates directive bodies against a single configured
// public key, per spec §4.2 and §9's key-separation note.
type Verifier struct {
	key ed25519.PublicKey
}

// New returns a Verifier for the given Ed25519 public key.
func New(key ed25519.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// Verify authenticates a wire-format directive:
//
//	<top_level_id>
//	<other_id_1>
//	...
//	sig:<base64(ed25519_sig(body_bytes_up_to_but_not_including_this_line))>
//
// It rejects malformed bodies as KindMalformed and signature failures as
// KindUnauthorized, per spec §4.2. The signature is checked before the body
// is parsed, so a body altered after signing is KindUnauthorized whatever
// the alteration; a missing trailer or undecodable signature is
// KindMalformed.
func (v *Verifier) Verify(raw []byte) (*Directive, error) {
	trailerStart := bytes.LastIndexByte(raw, '\n')
	var body, trailer []byte
	if trailerStart < 0 {
		trailer = raw
	} else {
		body = raw[:trailerStart+1]
		trailer = raw[trailerStart+1:]
	}
	if !bytes.HasPrefix(trailer, []byte(sigPrefix)) {
		return nil, errors.Kinded(errors.KindMalformed, fmt.Errorf("directive: missing sig trailer"))
	}
	sigB64 := strings.TrimSpace(string(trailer[len(sigPrefix):]))
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, errors.Kinded(errors.KindMalformed, fmt.Errorf("directive: malformed signature: %w", err))
	}

	if !ed25519.Verify(v.key, body, sig) {
		return nil, errors.Kinded(errors.KindUnauthorized, fmt.Errorf("directive: signature verification failed"))
	}

	if !utf8.Valid(raw) {
		return nil, errors.Kinded(errors.KindMalformed, fmt.Errorf("directive: body is not valid UTF-8"))
	}

	lines := splitLines(body)
	if len(lines) == 0 {
		return nil, errors.Kinded(errors.KindMalformed, fmt.Errorf("directive: empty body"))
	}

	seen := make(map[string]struct{}, len(lines))
	for _, id := range lines {
		if err := storepath.ValidateID(id); err != nil {
			return nil, errors.Kinded(errors.KindMalformed, fmt.Errorf("directive: %w", err))
		}
		if _, dup := seen[id]; dup {
			return nil, errors.Kinded(errors.KindMalformed, fmt.Errorf("directive: duplicate id %q", id))
		}
		seen[id] = struct{}{}
	}

	return &Directive{TopLevelID: lines[0], Closure: lines}, nil
}

// VerifyRollback authenticates a header-only rollback directive: a bare
// base64 signature over RollbackBody.
func (v *Verifier) VerifyRollback(sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigB64))
	if err != nil {
		return errors.Kinded(errors.KindMalformed, fmt.Errorf("directive: malformed signature: %w", err))
	}
	if !ed25519.Verify(v.key, []byte(RollbackBody), sig) {
		return errors.Kinded(errors.KindUnauthorized, fmt.Errorf("directive: rollback signature verification failed"))
	}
	return nil
}

func splitLines(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	raw := strings.Split(strings.TrimSuffix(string(body), "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
