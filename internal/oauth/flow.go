// Package oauth drives authorization-code flows against external providers
// and keeps the resulting connections fresh.
package oauth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/atoms-tech/connect/internal/model"
	"github.com/atoms-tech/connect/internal/provider"
	"github.com/atoms-tech/connect/internal/store"
)

// FlowContext carries the caller's identity and desired post-flow landing
// page into Initiate.
type FlowContext struct {
	OrganizationID uint
	UserID         uint
	ReturnPath     string
}

// CallbackParams are the normalized callback fields. GET query parameters
// and POST bodies both map onto this struct; there is no behavioral
// difference past normalization.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Flow drives the authorization-code grant: init, redirect, callback,
// exchange, persisted connection. Flows are stateless between init and
// callback; everything lives in the signed state token.
type Flow struct {
	providers       *provider.Registry
	store           store.Store
	codec           *StateCodec
	exchangeTimeout time.Duration
	httpClient      *http.Client
	logger          *zap.Logger
}

func NewFlow(providers *provider.Registry, st store.Store, codec *StateCodec, exchangeTimeout time.Duration, logger *zap.Logger) *Flow {
	return &Flow{
		providers:       providers,
		store:           st,
		codec:           codec,
		exchangeTimeout: exchangeTimeout,
		logger:          logger,
	}
}

// WithHTTPClient overrides the HTTP client used for provider calls.
func (f *Flow) WithHTTPClient(client *http.Client) *Flow {
	f.httpClient = client
	return f
}

// Initiate validates the provider and returns the authorization URL the
// browser should be sent to. Nothing is persisted.
func (f *Flow) Initiate(ctx context.Context, providerKey string, fc FlowContext) (string, error) {
	cfg, err := f.providers.Config(providerKey)
	if err != nil {
		return "", err
	}

	nonce, err := NewNonce()
	if err != nil {
		return "", err
	}
	state, err := f.codec.Encode(FlowState{
		Nonce:          nonce,
		Provider:       providerKey,
		OrganizationID: fc.OrganizationID,
		OwnerUserID:    fc.UserID,
		ReturnPath:     fc.ReturnPath,
	})
	if err != nil {
		return "", err
	}

	f.logger.Info("oauth flow initiated",
		zap.String("provider", providerKey),
		zap.Uint("user_id", fc.UserID),
		zap.Uint("organization_id", fc.OrganizationID))

	// access_type=offline asks providers that support it for a refresh
	// token; others ignore the parameter.
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// HandleCallback re-enters the flow with the provider's callback fields,
// exchanges the code, and upserts the connection for the flow's scope key.
// A second callback for the same key supersedes the prior record.
func (f *Flow) HandleCallback(ctx context.Context, providerKey string, p CallbackParams) (*model.Connection, error) {
	if p.Error != "" {
		return nil, &ProviderCallbackError{
			Provider:    providerKey,
			Code:        p.Error,
			Description: p.ErrorDescription,
		}
	}

	if p.State == "" {
		return nil, &InvalidStateError{Reason: "state missing"}
	}
	fs, err := f.codec.Decode(p.State)
	if err != nil {
		// Internally issued states always verify; a failure here means
		// tampering or a bug, so it is logged loud.
		f.logger.Warn("oauth callback rejected: bad state",
			zap.String("provider", providerKey), zap.Error(err))
		return nil, err
	}
	if fs.Provider != providerKey {
		f.logger.Warn("oauth callback rejected: provider mismatch",
			zap.String("expected", fs.Provider), zap.String("got", providerKey))
		return nil, &InvalidStateError{Reason: "provider mismatch"}
	}
	if p.Code == "" {
		return nil, &TokenExchangeError{Provider: providerKey, Err: errMissingCode}
	}

	cfg, err := f.providers.Config(providerKey)
	if err != nil {
		return nil, err
	}

	// The exchange and the write run detached from the request's
	// cancellation: an aborted caller must not leave the authorization code
	// half-redeemed.
	exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.exchangeTimeout)
	defer cancel()
	if f.httpClient != nil {
		exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, f.httpClient)
	}

	token, err := cfg.Exchange(exchangeCtx, p.Code)
	if err != nil {
		f.logger.Info("oauth token exchange failed",
			zap.String("provider", providerKey), zap.Error(err))
		return nil, &TokenExchangeError{Provider: providerKey, Err: err}
	}

	conn := &model.Connection{
		Provider:       providerKey,
		OrganizationID: fs.OrganizationID,
		OwnerUserID:    fs.OwnerUserID,
		AccessToken:    token.AccessToken,
		RefreshToken:   token.RefreshToken,
		TokenExpiry:    token.Expiry,
		Scopes:         grantedScopes(token, cfg.Scopes),
		Status:         model.ConnectionActive,
	}
	persisted, err := f.store.UpsertConnection(context.WithoutCancel(ctx), conn)
	if err != nil {
		return nil, err
	}

	f.logger.Info("oauth connection established",
		zap.String("provider", providerKey),
		zap.Uint("connection_id", persisted.ID),
		zap.Uint("user_id", fs.OwnerUserID),
		zap.Uint("organization_id", fs.OrganizationID))
	return persisted, nil
}

// ReturnPath recovers the return path from a state token on a best-effort
// basis so failure redirects can land somewhere sensible. Falls back to def.
func (f *Flow) ReturnPath(state, def string) string {
	if state == "" {
		return def
	}
	fs, err := f.codec.Decode(state)
	if err != nil || !ValidReturnPath(fs.ReturnPath) {
		return def
	}
	return fs.ReturnPath
}

// ValidReturnPath reports whether p is a safe redirect target: an in-app
// relative path, never an absolute or protocol-relative URL.
func ValidReturnPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "/\\")
}

var errMissingCode = &missingCodeError{}

type missingCodeError struct{}

func (*missingCodeError) Error() string { return "authorization code missing" }

func grantedScopes(token *oauth2.Token, requested []string) string {
	if s, ok := token.Extra("scope").(string); ok && s != "" {
		return s
	}
	return strings.Join(requested, " ")
}
