package registry

import "fmt"

// AccessDeniedError means the principal failed the scope/membership check
// for a server operation.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Reason)
}

// ValidationError rejects a server definition before persistence.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid server definition: %s: %s", e.Field, e.Reason)
}

// DiscoveryError means tool discovery failed. It is non-fatal: any prior
// cached catalog is retained and the server record keeps its last known
// status.
type DiscoveryError struct {
	Server string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("tool discovery for %s failed: %v", e.Server, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
