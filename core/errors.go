package core

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable classification of an operation failure. The
// surrounding shell renders messages from the kind plus the entity id, so
// kinds form a closed set.
type Kind string

const (
	// KindValidation marks malformed caller input. Never retried.
	KindValidation Kind = "validation"
	// KindNotFound marks a reference to an absent entity.
	KindNotFound Kind = "not_found"
	// KindInvalidState marks an operation that is illegal in the entity's
	// current state, e.g. any call against a closed session.
	KindInvalidState Kind = "invalid_state"
	// KindPermission marks a caller lacking the required role, turn or
	// ownership. Never retried.
	KindPermission Kind = "permission"
	// KindEncryption marks a failure while sealing plaintext.
	KindEncryption Kind = "encryption"
	// KindDecryption marks ciphertext that no eligible key could open.
	KindDecryption Kind = "decryption"
	// KindInvalidManifest marks a plugin manifest rejected by schema
	// validation.
	KindInvalidManifest Kind = "invalid_manifest"
	// KindCircuitOpen marks a plugin call refused while its breaker is open.
	KindCircuitOpen Kind = "circuit_open"
	// KindTimeout marks a deadline exceeded on a cancellable operation.
	KindTimeout Kind = "timeout"
	// KindPersistence marks a write that could not be committed after
	// bounded retries.
	KindPersistence Kind = "persistence"
	// KindInternal marks an unexpected failure inside a component, e.g. a
	// plugin handler returning an error.
	KindInternal Kind = "internal"
)

// Error is the typed failure surfaced by every hearthcore operation. It
// carries the failing operation name, the entity involved and the kind, so
// callers can branch on classification without parsing messages.
type Error struct {
	Op     string // dotted operation name, e.g. "session.requestTurn"
	Kind   Kind
	Entity string // entity noun, e.g. "session", "plugin"
	ID     string // entity id, may be empty for validation failures
	Err    error  // underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Entity != "" {
		msg += " " + e.Entity
		if e.ID != "" {
			msg += " " + e.ID
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// E constructs a typed operation error.
func E(op string, kind Kind, entity, id string, err error) *Error {
	return &Error{Op: op, Kind: kind, Entity: entity, ID: id, Err: err}
}

// Ef constructs a typed operation error with a formatted cause.
func Ef(op string, kind Kind, entity, id, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Entity: entity, ID: id, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, unwrapping as needed. Errors outside
// the taxonomy report an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
