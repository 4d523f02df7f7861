package registry

import "fmt"

// ValidationError reports a referential-integrity violation in a mutation.
// It is always surfaced to the caller and never auto-corrected.
type ValidationError struct {
	Entity string // "device", "storage" or "backup"
	ID     string // id or name of the offending entity
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Entity, e.ID, e.Reason)
}

// LoadError reports a corrupt or unreadable registry file. It is fatal for
// the current invocation; no partial registry is ever returned alongside it.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading registry file %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
