package resolver

import (
	"errors"
	"fmt"

	"edgenode/pkg/plugin"
)

// Resolution failure classes. Callers distinguish them with errors.Is; all
// of them are cached sticky alongside successful resolutions unless failure
// caching is disabled.
var (
	// ErrNotFound: no registered descriptor and no manifest candidate in
	// any search root.
	ErrNotFound = errors.New("plugin not found")

	// ErrUnsafe: a candidate from an untrusted root was rejected by the
	// safety scan before loading.
	ErrUnsafe = errors.New("plugin rejected by safety scan")

	// ErrLoadFailure: a candidate manifest exists but could not be turned
	// into a usable descriptor.
	ErrLoadFailure = errors.New("plugin load failure")
)

// Error is the concrete resolution error carrying the normalized signature
// and the failure class. It unwraps to its class sentinel so errors.Is
// works, and keeps the underlying cause in the message.
type Error struct {
	Category  plugin.Category
	Signature plugin.Signature
	Class     error
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("resolve %s/%s: %v: %v", e.Category, e.Signature, e.Class, e.Cause)
	}
	return fmt.Sprintf("resolve %s/%s: %v", e.Category, e.Signature, e.Class)
}

func (e *Error) Unwrap() error { return e.Class }

func newError(category plugin.Category, sig plugin.Signature, class, cause error) *Error {
	return &Error{Category: category, Signature: sig, Class: class, Cause: cause}
}
