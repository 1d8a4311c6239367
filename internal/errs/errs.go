// Package errs defines the typed error kinds shared across the wallet core.
//
// Every surface-level call returns one of these kinds (or wraps a driver/codec
// error with %w) rather than an ad-hoc string, so callers (the RPC layer, the
// GUI) can switch on Kind without parsing messages.
package errs

import "fmt"

// Kind classifies an error the way the core's callers need to react to it.
type Kind int

const (
	// KindInvalidInput covers bad parameters supplied by the caller: a
	// feerate out of range, an empty filter list, a wrong-network address.
	KindInvalidInput Kind = iota
	// KindUnknown covers references to data the store has never seen:
	// an unknown outpoint, an unknown spend draft.
	KindUnknown
	// KindStateViolation covers requests that are well-formed but
	// conflict with the current state: an already-spent coin, an
	// immature coinbase, a rescan already in progress.
	KindStateViolation
	// KindPolicy covers descriptor-policy violations: duplicate keys,
	// duplicate signers on one path, wrong-network xpub, too many keys.
	KindPolicy
	// KindRbf covers RBF-specific failures: missing/superfluous feerate,
	// too-low feerate, not signalling replaceability.
	KindRbf
	// KindCrypto covers descriptor/PSBT parsing and consistency failures.
	KindCrypto
	// KindPersistence covers fatal storage failures: corruption, an
	// unsupported schema version, a missing database file.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUnknown:
		return "unknown"
	case KindStateViolation:
		return "state_violation"
	case KindPolicy:
		return "policy"
	case KindRbf:
		return "rbf"
	case KindCrypto:
		return "crypto"
	case KindPersistence:
		return "persistence"
	default:
		return "error"
	}
}

// Error is a typed error carrying a Kind alongside the usual message/cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that wraps cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
