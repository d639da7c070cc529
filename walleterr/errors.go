// Package walleterr defines the error taxonomy shared by every component
// of the multisig wallet. Each failure carries a Kind so that callers
// (http api, cli) can branch on it without matching messages.
package walleterr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind int

const (
	// Validation indicates bad input shape or range. The operation
	// had no side effects.
	Validation Kind = iota

	// Conflict indicates a uniqueness or state invariant violation,
	// e.g. duplicated key, signing a complete transaction.
	Conflict

	// Crypto indicates a decryption failure. The description is
	// always generic.
	Crypto

	// Dependency indicates that script or address construction failed.
	Dependency

	// PartialFailure indicates a batch where some items were applied
	// and others were not.
	PartialFailure

	// NotFound indicates the record does not exist or is not owned by
	// the caller.
	NotFound

	// Storage indicates an error with the underlying record store.
	Storage

	// lastKind is used for testing, making it possible to iterate over
	// the kinds to check they all have names.
	lastKind
)

var kindStrings = map[Kind]string{
	Validation:     "validation_error",
	Conflict:       "conflict_error",
	Crypto:         "crypto_error",
	Dependency:     "dependency_error",
	PartialFailure: "partial_failure",
	NotFound:       "not_found",
	Storage:        "storage_error",
}

// String returns the stable name of the kind.
func (k Kind) String() string {
	if s := kindStrings[k]; s != "" {
		return s
	}
	return fmt.Sprintf("unknown_kind(%d)", int(k))
}

// MsgInvalidPasswordOrData is the only message a Crypto error carries.
const MsgInvalidPasswordOrData = "invalid password or corrupted data"

// Error is a typed error for all failures of the wallet core.
type Error struct {
	Kind        Kind   // Describes the kind of error
	Description string // Human readable description of the issue
	Err         error  // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error.
func New(kind Kind, desc string, err error) *Error {
	return &Error{Kind: kind, Description: desc, Err: err}
}

// Newf creates a new Error without an underlying cause.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// NewCrypto returns the generic decryption failure. The cause is dropped
// on purpose so that nothing about the failing check leaks out.
func NewCrypto() *Error {
	return &Error{Kind: Crypto, Description: MsgInvalidPasswordOrData}
}

// KindOf returns the kind of err. Errors that do not come from this
// package are reported as Storage, since the store is the only
// collaborator that returns foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Storage
}

// Is reports whether err is an Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
