package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for status reporting and HTTP response mapping.
// It is attached with Kinded where a failure is first classified, alongside
// Wrap's plain context-wrapping, and read back with KindOf where a caller
// branches on failure category (the HTTP control plane, the /summary
// endpoint).
type Kind int

const (
	// KindInternal marks an invariant violation; should be impossible.
	KindInternal Kind = iota
	KindUnauthorized
	KindMalformed
	KindNotFound
	KindTransientNetwork
	KindIntegrityFailure
	KindFilesystem
	KindActivationFailed
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "Unauthorized"
	case KindMalformed:
		return "Malformed"
	case KindNotFound:
		return "NotFound"
	case KindTransientNetwork:
		return "TransientNetwork"
	case KindIntegrityFailure:
		return "IntegrityFailure"
	case KindFilesystem:
		return "Filesystem"
	case KindActivationFailed:
		return "ActivationFailed"
	case KindConflict:
		return "Conflict"
	default:
		return "Internal"
	}
}

// KindError pairs an error kind with the underlying cause.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// Kinded wraps err with a Kind. If err is nil, it returns nil.
func Kinded(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// KindOf extracts the Kind attached to err, defaulting to KindInternal
// if none of the errors in the chain carry one.
func KindOf(err error) Kind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindInternal
}
