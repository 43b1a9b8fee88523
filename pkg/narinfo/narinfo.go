// Package narinfo parses and represents the narinfo key/value metadata format
// served by a binary cache, per spec §3 and §6.
package narinfo

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Sig is a detached signature of the form <key-name>:<base64 signature>.
type Sig struct {
	KeyName   string
	Signature string
}

func (s Sig) String() string {
	return s.KeyName + ":" + s.Signature
}

// ParseSig splits a "<key-name>:<base64>" signature string.
func ParseSig(s string) (Sig, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return Sig{}, fmt.Errorf("narinfo: malformed signature %q", s)
	}
	return Sig{KeyName: s[:idx], Signature: s[idx+1:]}, nil
}

// Hash is an "<algo>:<base32>" hash declaration. Only sha256 is accepted
// per spec §6.
type Hash struct {
	Algo  string
	Value string
}

func ParseHash(s string) (Hash, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return Hash{}, fmt.Errorf("narinfo: malformed hash %q", s)
	}
	h := Hash{Algo: s[:idx], Value: s[idx+1:]}
	if h.Algo != "sha256" {
		return Hash{}, fmt.Errorf("narinfo: unsupported hash algorithm %q", h.Algo)
	}
	return h, nil
}

func (h Hash) String() string {
	return h.Algo + ":" + h.Value
}

// Info is a single package's narinfo record.
type Info struct {
	StorePath   string
	URL         string
	Compression string
	FileHash    Hash
	FileSize    int64
	NarHash     Hash
	NarSize     int64
	References  []string
	Deriver     string
	Sigs        []Sig
}

// Parse decodes the narinfo key/value text format.
func Parse(raw []byte) (*Info, error) {
	info := &Info{Compression: "none"}
	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("narinfo: malformed line %q", line)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		var err error
		switch key {
		case "StorePath":
			info.StorePath = value
		case "URL":
			info.URL = value
		case "Compression":
			info.Compression = value
		case "FileHash":
			info.FileHash, err = ParseHash(value)
		case "FileSize":
			info.FileSize, err = strconv.ParseInt(value, 10, 64)
		case "NarHash":
			info.NarHash, err = ParseHash(value)
		case "NarSize":
			info.NarSize, err = strconv.ParseInt(value, 10, 64)
		case "References":
			if value != "" {
				info.References = strings.Fields(value)
			}
		case "Deriver":
			info.Deriver = value
		case "Sig":
			var sig Sig
			sig, err = ParseSig(value)
			info.Sigs = append(info.Sigs, sig)
		}
		if err != nil {
			return nil, fmt.Errorf("narinfo: field %q: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if info.StorePath == "" || info.URL == "" {
		return nil, fmt.Errorf("narinfo: missing required field StorePath or URL")
	}
	if info.NarHash.Value == "" {
		return nil, fmt.Errorf("narinfo: missing required field NarHash")
	}
	return info, nil
}

// Fingerprint builds the canonical string signed by each Sig, per spec §4.2's
// reference to "a canonical fingerprint of (store-path, nar-hash, nar-size,
// references)".
func (info *Info) Fingerprint() string {
	return fmt.Sprintf("1;%s;%s;%d;%s",
		info.StorePath,
		info.NarHash.String(),
		info.NarSize,
		strings.Join(info.References, ","),
	)
}
