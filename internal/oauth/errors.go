package oauth

import "fmt"

// InvalidStateError means the state parameter was missing, undecodable, or
// bound to a different provider. Treated as a potential CSRF attempt: the
// flow aborts before any token exchange.
type InvalidStateError struct {
	Reason string
	Err    error
}

func (e *InvalidStateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid oauth state: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid oauth state: %s", e.Reason)
}

func (e *InvalidStateError) Unwrap() error { return e.Err }

// ProviderCallbackError carries an error the provider delivered on the
// callback itself (user denied consent, misconfigured client, ...). No
// exchange was attempted.
type ProviderCallbackError struct {
	Provider    string
	Code        string
	Description string
}

func (e *ProviderCallbackError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider %s returned %s: %s", e.Provider, e.Code, e.Description)
	}
	return fmt.Sprintf("provider %s returned %s", e.Provider, e.Code)
}

// TokenExchangeError means the provider rejected the authorization code or
// client credentials. The connection is not created or updated.
type TokenExchangeError struct {
	Provider string
	Err      error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange with %s failed: %v", e.Provider, e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// RefreshError means the refresh grant failed. The connection is marked
// expired and the caller must re-initiate the full flow.
type RefreshError struct {
	Provider string
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh with %s failed: %v", e.Provider, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
