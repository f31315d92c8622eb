package oauth

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/atoms-tech/connect/internal/model"
	"github.com/atoms-tech/connect/internal/provider"
	"github.com/atoms-tech/connect/internal/store"
)

// Refresher refreshes connection tokens lazily on access. There is no
// background loop: the next caller inside the skew window pays for the
// refresh, and a conditional store write keeps concurrent callers from
// clobbering each other's rotation.
type Refresher struct {
	providers  *provider.Registry
	store      store.Store
	skew       time.Duration
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

func NewRefresher(providers *provider.Registry, st store.Store, skew, timeout time.Duration, logger *zap.Logger) *Refresher {
	return &Refresher{
		providers: providers,
		store:     st,
		skew:      skew,
		timeout:   timeout,
		logger:    logger,
	}
}

// WithHTTPClient overrides the HTTP client used for the refresh grant.
func (r *Refresher) WithHTTPClient(client *http.Client) *Refresher {
	r.httpClient = client
	return r
}

// EnsureFresh returns a connection whose access token is valid for at least
// the skew window. If the stored token is near expiry it performs a
// refresh-token grant and rotates the row with a compare-and-swap; a losing
// concurrent refresh re-reads the now-fresh row instead of erroring. On
// refresh failure the connection is marked expired and a RefreshError is
// returned.
func (r *Refresher) EnsureFresh(ctx context.Context, conn *model.Connection) (*model.Connection, error) {
	// Tokens without a recorded expiry (e.g. classic GitHub tokens) never
	// refresh.
	if conn.TokenExpiry.IsZero() || time.Until(conn.TokenExpiry) > r.skew {
		return conn, nil
	}

	if conn.RefreshToken == "" {
		if err := r.store.SetConnectionStatus(ctx, conn.ID, model.ConnectionExpired, "no refresh token"); err != nil {
			return nil, err
		}
		return nil, &RefreshError{Provider: conn.Provider, Err: errNoRefreshToken}
	}

	cfg, err := r.providers.Config(conn.Provider)
	if err != nil {
		return nil, err
	}

	grantCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if r.httpClient != nil {
		grantCtx = context.WithValue(grantCtx, oauth2.HTTPClient, r.httpClient)
	}

	token, err := cfg.TokenSource(grantCtx, &oauth2.Token{RefreshToken: conn.RefreshToken}).Token()
	if err != nil {
		// Providers that rotate refresh tokens reject the old one as soon as
		// a concurrent refresh wins. Re-read before concluding the
		// connection is dead: if the version advanced, the winner's tokens
		// are the fresh ones and the row must not be touched.
		if fresh, readErr := r.store.GetConnection(context.WithoutCancel(ctx), conn.ID); readErr == nil && fresh.Version != conn.Version {
			return fresh, nil
		}
		r.logger.Info("token refresh failed",
			zap.String("provider", conn.Provider),
			zap.Uint("connection_id", conn.ID),
			zap.Error(err))
		if serr := r.store.SetConnectionStatus(context.WithoutCancel(ctx), conn.ID, model.ConnectionExpired, err.Error()); serr != nil {
			r.logger.Error("failed to mark connection expired", zap.Error(serr))
		}
		return nil, &RefreshError{Provider: conn.Provider, Err: err}
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" {
		// Providers that do not rotate refresh tokens return none; keep the
		// old one.
		refreshToken = conn.RefreshToken
	}

	swapped, err := r.store.CompareAndSwapTokens(context.WithoutCancel(ctx), conn.ID, conn.Version, token.AccessToken, refreshToken, token.Expiry)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// Another caller rotated first; their token is the fresh one.
		return r.store.GetConnection(ctx, conn.ID)
	}

	r.logger.Info("token refreshed",
		zap.String("provider", conn.Provider),
		zap.Uint("connection_id", conn.ID))
	return r.store.GetConnection(ctx, conn.ID)
}

var errNoRefreshToken = &noRefreshTokenError{}

type noRefreshTokenError struct{}

func (*noRefreshTokenError) Error() string { return "connection has no refresh token" }
