package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/glebarez/sqlite"

	"github.com/atoms-tech/connect/internal/config"
	"github.com/atoms-tech/connect/internal/model"
	"github.com/atoms-tech/connect/internal/provider"
	"github.com/atoms-tech/connect/internal/store"
)

type refreshHarness struct {
	refresher *Refresher
	store     *store.GormStore
	grants    *int64
}

// newRefreshHarness wires a Refresher against a token endpoint that answers
// every refresh grant with the given status and body.
func newRefreshHarness(t *testing.T, tokenStatus int, tokenBody map[string]any) *refreshHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	st := store.NewGormStore(db)
	require.NoError(t, st.AutoMigrate())

	var grants int64
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&grants, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(tokenStatus)
		_ = json.NewEncoder(w).Encode(tokenBody)
	}))
	t.Cleanup(tokenSrv.Close)

	providers := provider.NewRegistry("http://localhost:8080", map[string]config.OAuthClient{
		"github": {ClientID: "client-id", ClientSecret: "client-secret"},
	})
	providers.SetEndpoint("github", oauth2.Endpoint{
		AuthURL:  tokenSrv.URL + "/authorize",
		TokenURL: tokenSrv.URL + "/token",
	})

	refresher := NewRefresher(providers, st, time.Minute, 10*time.Second, zap.NewNop())
	return &refreshHarness{refresher: refresher, store: st, grants: &grants}
}

func (h *refreshHarness) seedConnection(t *testing.T, expiry time.Time, refreshToken string) *model.Connection {
	t.Helper()
	conn, err := h.store.UpsertConnection(context.Background(), &model.Connection{
		Provider:     "github",
		OwnerUserID:  4,
		AccessToken:  "stale-access",
		RefreshToken: refreshToken,
		TokenExpiry:  expiry,
		Status:       model.ConnectionActive,
	})
	require.NoError(t, err)
	return conn
}

func refreshedTokenBody() map[string]any {
	return map[string]any{
		"access_token":  "fresh-access",
		"refresh_token": "fresh-refresh",
		"token_type":    "Bearer",
		"expires_in":    3600,
	}
}

func TestRefresher_FreshTokenUntouched(t *testing.T) {
	h := newRefreshHarness(t, http.StatusOK, refreshedTokenBody())
	conn := h.seedConnection(t, time.Now().Add(time.Hour), "refresh-token")

	got, err := h.refresher.EnsureFresh(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, "stale-access", got.AccessToken)
	require.Zero(t, atomic.LoadInt64(h.grants))
}

func TestRefresher_NoExpiryNeverRefreshes(t *testing.T) {
	h := newRefreshHarness(t, http.StatusOK, refreshedTokenBody())
	conn := h.seedConnection(t, time.Time{}, "refresh-token")

	got, err := h.refresher.EnsureFresh(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, "stale-access", got.AccessToken)
	require.Zero(t, atomic.LoadInt64(h.grants))
}

func TestRefresher_NearExpiryRotatesToken(t *testing.T) {
	h := newRefreshHarness(t, http.StatusOK, refreshedTokenBody())
	conn := h.seedConnection(t, time.Now().Add(10*time.Second), "refresh-token")

	got, err := h.refresher.EnsureFresh(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, "fresh-access", got.AccessToken)
	require.Equal(t, "fresh-refresh", got.RefreshToken)
	require.Greater(t, got.Version, conn.Version)
	require.Equal(t, int64(1), atomic.LoadInt64(h.grants))

	// The rotation is durable.
	stored, err := h.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, "fresh-access", stored.AccessToken)
}

func TestRefresher_KeepsOldRefreshTokenWhenNoneReturned(t *testing.T) {
	h := newRefreshHarness(t, http.StatusOK, map[string]any{
		"access_token": "fresh-access",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
	conn := h.seedConnection(t, time.Now().Add(10*time.Second), "original-refresh")

	got, err := h.refresher.EnsureFresh(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, "fresh-access", got.AccessToken)
	require.Equal(t, "original-refresh", got.RefreshToken)
}

func TestRefresher_MissingRefreshTokenMarksExpired(t *testing.T) {
	h := newRefreshHarness(t, http.StatusOK, refreshedTokenBody())
	conn := h.seedConnection(t, time.Now().Add(10*time.Second), "")

	_, err := h.refresher.EnsureFresh(context.Background(), conn)
	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	require.Zero(t, atomic.LoadInt64(h.grants))

	stored, err := h.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConnectionExpired, stored.Status)
}

func TestRefresher_GrantRejectedMarksExpired(t *testing.T) {
	h := newRefreshHarness(t, http.StatusBadRequest, map[string]any{
		"error": "invalid_grant", "error_description": "refresh token revoked",
	})
	conn := h.seedConnection(t, time.Now().Add(10*time.Second), "revoked-refresh")

	_, err := h.refresher.EnsureFresh(context.Background(), conn)
	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	require.Equal(t, "github", refreshErr.Provider)

	stored, err := h.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConnectionExpired, stored.Status)
	require.NotEmpty(t, stored.LastError)
}

func TestRefresher_StaleCopyLosesSwapAndReReads(t *testing.T) {
	h := newRefreshHarness(t, http.StatusOK, refreshedTokenBody())
	conn := h.seedConnection(t, time.Now().Add(10*time.Second), "refresh-token")

	// Another caller rotates first; this caller still holds the old version.
	stale := *conn
	swapped, err := h.store.CompareAndSwapTokens(context.Background(), conn.ID, conn.Version, "winner-access", "winner-refresh", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, swapped)

	got, err := h.refresher.EnsureFresh(context.Background(), &stale)
	require.NoError(t, err)
	require.Equal(t, "winner-access", got.AccessToken)
}

func TestRefresher_LostRotationRaceDoesNotMarkExpired(t *testing.T) {
	// The provider rotates refresh tokens: once the winner redeems the old
	// one, the loser's grant comes back invalid_grant.
	h := newRefreshHarness(t, http.StatusBadRequest, map[string]any{
		"error": "invalid_grant", "error_description": "refresh token already redeemed",
	})
	conn := h.seedConnection(t, time.Now().Add(10*time.Second), "refresh-token")

	stale := *conn
	swapped, err := h.store.CompareAndSwapTokens(context.Background(), conn.ID, conn.Version, "winner-access", "winner-refresh", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, swapped)

	got, err := h.refresher.EnsureFresh(context.Background(), &stale)
	require.NoError(t, err)
	require.Equal(t, "winner-access", got.AccessToken)

	// The winner's rotation survives untouched.
	stored, err := h.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConnectionActive, stored.Status)
	require.Equal(t, "winner-access", stored.AccessToken)
	require.Equal(t, "winner-refresh", stored.RefreshToken)
	require.Empty(t, stored.LastError)
}

func TestRefresher_ConcurrentCallersConvergeOnOneToken(t *testing.T) {
	h := newRefreshHarness(t, http.StatusOK, refreshedTokenBody())
	conn := h.seedConnection(t, time.Now().Add(10*time.Second), "refresh-token")

	var wg sync.WaitGroup
	results := make([]*model.Connection, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := *conn
			results[i], errs[i] = h.refresher.EnsureFresh(context.Background(), &c)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, "fresh-access", results[i].AccessToken)
	}

	// Exactly one rotation landed.
	stored, err := h.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, conn.Version+1, stored.Version)
}
