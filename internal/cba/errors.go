package cba

import (
	"errors"
	"fmt"
	"strings"
)

// Error categories. Wrap one of these (directly or through a typed error)
// so callers can classify failures with errors.Is.
var (
	// ErrConfiguration is a missing or invalid required setting. Fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation is a rejected administrative argument. Nothing is persisted.
	ErrValidation = errors.New("validation error")

	// ErrDuplicate is an attempt to add something that already exists.
	ErrDuplicate = errors.New("already exists")

	// ErrStoreUnavailable is an Index I/O failure. Fatal to the current loop iteration only.
	ErrStoreUnavailable = errors.New("index store unavailable")

	// ErrTransport is a network or backend failure talking to a provider.
	ErrTransport = errors.New("transport error")

	// ErrIntegrity is a content hash mismatch or an invalid block sequence reported by a provider.
	ErrIntegrity = errors.New("integrity error")

	// ErrNotFound is an operation against a remote resource that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAuthentication is a credential that could not be retrieved or was rejected.
	ErrAuthentication = errors.New("authentication error")
)

// DuplicateSourceError is returned when a source location with the same
// (path, filter) pair is already configured.
type DuplicateSourceError struct {
	Path   string
	Filter string
	ID     int64 // ID of the existing source
}

func (e *DuplicateSourceError) Error() string {
	return fmt.Sprintf("source %s (filter %q) already exists with id %d", e.Path, e.Filter, e.ID)
}

func (e *DuplicateSourceError) Is(target error) bool { return target == ErrDuplicate }

// StoreError wraps a failed Index operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// TransportError wraps a failed provider call. Kind is one of ErrTransport,
// ErrIntegrity, ErrNotFound or ErrAuthentication.
type TransportError struct {
	Provider string
	Op       string
	Kind     error
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{e.Kind, e.Err} }

// EngineFailure reports an unrecovered error that terminated a loop.
type EngineFailure struct {
	Engine string
	Err    error
	Stack  string // set when the loop panicked
}

func (e *EngineFailure) Error() string {
	return fmt.Sprintf("%s engine failed: %v", e.Engine, e.Err)
}

func (e *EngineFailure) Unwrap() error { return e.Err }

// Trace returns the causal chain of the failure, outermost first,
// followed by the panic stack when there is one.
func (e *EngineFailure) Trace() []string {
	chain := CausalChain(e.Err)
	if e.Stack != "" {
		chain = append(chain, strings.TrimSpace(e.Stack))
	}
	return chain
}

// CausalChain unwraps err and returns each error message, outermost first.
// Joined errors are walked depth-first.
func CausalChain(err error) []string {
	var chain []string
	var walk func(error)
	walk = func(err error) {
		for err != nil {
			chain = append(chain, err.Error())
			switch u := err.(type) {
			case interface{ Unwrap() []error }:
				for _, e := range u.Unwrap() {
					walk(e)
				}
				return
			case interface{ Unwrap() error }:
				err = u.Unwrap()
			default:
				return
			}
		}
	}
	walk(err)
	return chain
}

// IsRecoverable reports whether a loop iteration failing with err should be
// retried on the next tick rather than terminating the loop.
func IsRecoverable(err error) bool {
	for _, kind := range []error{
		ErrStoreUnavailable, ErrTransport, ErrIntegrity, ErrNotFound, ErrAuthentication, ErrValidation,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
