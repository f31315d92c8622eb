package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/glebarez/sqlite"

	"github.com/atoms-tech/connect/internal/model"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	st := NewGormStore(db)
	require.NoError(t, st.AutoMigrate())
	return st
}

func TestScopeKey(t *testing.T) {
	require.Equal(t, "github:org:9", ScopeKey("github", 9, 4))
	require.Equal(t, "github:user:4", ScopeKey("github", 0, 4))
}

func TestUpsertConnection_CreateThenSupersede(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.UpsertConnection(ctx, &model.Connection{
		Provider:    "github",
		OwnerUserID: 4,
		AccessToken: "access-1",
		Status:      model.ConnectionActive,
	})
	require.NoError(t, err)
	require.NotZero(t, first.ID)
	require.Equal(t, "github:user:4", first.ScopeKey)

	second, err := st.UpsertConnection(ctx, &model.Connection{
		Provider:    "github",
		OwnerUserID: 4,
		AccessToken: "access-2",
		Status:      model.ConnectionActive,
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Version+1, second.Version)

	stored, err := st.GetConnectionByKey(ctx, "github:user:4")
	require.NoError(t, err)
	require.Equal(t, "access-2", stored.AccessToken)
}

func TestUpsertConnection_DistinctScopesDistinctRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	user, err := st.UpsertConnection(ctx, &model.Connection{Provider: "github", OwnerUserID: 4, Status: model.ConnectionActive})
	require.NoError(t, err)
	org, err := st.UpsertConnection(ctx, &model.Connection{Provider: "github", OrganizationID: 9, OwnerUserID: 4, Status: model.ConnectionActive})
	require.NoError(t, err)
	require.NotEqual(t, user.ID, org.ID)
}

func TestCompareAndSwapTokens(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conn, err := st.UpsertConnection(ctx, &model.Connection{
		Provider:    "github",
		OwnerUserID: 4,
		AccessToken: "old",
		Status:      model.ConnectionError,
		LastError:   "previous failure",
	})
	require.NoError(t, err)

	swapped, err := st.CompareAndSwapTokens(ctx, conn.ID, conn.Version, "new-access", "new-refresh", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, swapped)

	// The same expected version cannot win twice.
	swapped, err = st.CompareAndSwapTokens(ctx, conn.ID, conn.Version, "other-access", "other-refresh", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.False(t, swapped)

	stored, err := st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, "new-access", stored.AccessToken)
	require.Equal(t, conn.Version+1, stored.Version)
	// A successful rotation clears error state.
	require.Equal(t, model.ConnectionActive, stored.Status)
	require.Empty(t, stored.LastError)
}

func TestSetConnectionStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conn, err := st.UpsertConnection(ctx, &model.Connection{Provider: "github", OwnerUserID: 4, Status: model.ConnectionActive})
	require.NoError(t, err)

	require.NoError(t, st.SetConnectionStatus(ctx, conn.ID, model.ConnectionRevoked, ""))
	stored, err := st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConnectionRevoked, stored.Status)
}

func TestListConnectionsForUser_IncludesMemberOrgs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.UpsertConnection(ctx, &model.Connection{Provider: "github", OwnerUserID: 4, Status: model.ConnectionActive})
	require.NoError(t, err)
	_, err = st.UpsertConnection(ctx, &model.Connection{Provider: "slack", OrganizationID: 9, OwnerUserID: 7, Status: model.ConnectionActive})
	require.NoError(t, err)
	_, err = st.UpsertConnection(ctx, &model.Connection{Provider: "jira", OrganizationID: 12, OwnerUserID: 7, Status: model.ConnectionActive})
	require.NoError(t, err)

	// Not yet a member of org 9: only the personal connection is visible.
	conns, err := st.ListConnectionsForUser(ctx, 4)
	require.NoError(t, err)
	require.Len(t, conns, 1)

	require.NoError(t, st.CreateOrgMember(ctx, &model.OrgMember{OrganizationID: 9, UserID: 4, Status: "active"}))
	conns, err = st.ListConnectionsForUser(ctx, 4)
	require.NoError(t, err)
	require.Len(t, conns, 2)
}

func TestMembership(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateOrgMember(ctx, &model.OrgMember{OrganizationID: 9, UserID: 4, Status: "active"}))
	require.NoError(t, st.CreateOrgMember(ctx, &model.OrgMember{OrganizationID: 12, UserID: 4, Status: "removed"}))

	active, err := st.IsActiveMember(ctx, 9, 4)
	require.NoError(t, err)
	require.True(t, active)

	active, err = st.IsActiveMember(ctx, 12, 4)
	require.NoError(t, err)
	require.False(t, active)

	ids, err := st.MemberOrgIDs(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, []uint{9}, ids)
}

func TestDeleteServer_SoftDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := &model.MCPServer{Name: "demo", Scope: model.ScopeUser, OwnerUserID: 4, Transport: model.TransportHTTP, URL: "http://localhost:9000"}
	require.NoError(t, st.CreateServer(ctx, srv))

	require.NoError(t, st.DeleteServer(ctx, srv.ID))

	_, err := st.GetServer(ctx, srv.ID)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	servers, err := st.ListServers(ctx)
	require.NoError(t, err)
	require.Empty(t, servers)

	// The row survives underneath for audit.
	var count int64
	require.NoError(t, st.db.Unscoped().Model(&model.MCPServer{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestServerLogs_OrderAndLimit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := &model.MCPServer{Name: "demo", Scope: model.ScopeUser, OwnerUserID: 4, Transport: model.TransportHTTP, URL: "http://localhost:9000"}
	require.NoError(t, st.CreateServer(ctx, srv))

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, st.AppendServerLog(ctx, &model.ServerLogEntry{ServerID: srv.ID, Level: "info", Message: msg}))
	}

	entries, err := st.ListServerLogs(ctx, srv.ID, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	require.Equal(t, "third", entries[0].Message)
	require.Equal(t, "second", entries[1].Message)

	entries, err = st.ListServerLogs(ctx, srv.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestAdmins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	count, err := st.CountAdmins(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	require.NoError(t, st.CreateAdmin(ctx, &model.Admin{Username: "admin", Password: "hash"}))

	admin, err := st.GetAdminByUsername(ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, "hash", admin.Password)

	admin.Password = "rotated"
	require.NoError(t, st.SaveAdmin(ctx, admin))
	admin, err = st.GetAdminByUsername(ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, "rotated", admin.Password)
}
