// Package store is the persistence layer for connections, registered MCP
// servers, and their logs. Every component mutates shared state through the
// Store interface, so a single versioning discipline governs all writes.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/atoms-tech/connect/internal/model"
)

// Store is the narrow persistence interface shared by the OAuth flow
// manager, the token refresher, and the server registry.
type Store interface {
	// UpsertConnection writes a connection keyed by its scope key,
	// superseding any prior record for the same key. The returned row
	// carries the persisted id and version.
	UpsertConnection(ctx context.Context, conn *model.Connection) (*model.Connection, error)
	GetConnection(ctx context.Context, id uint) (*model.Connection, error)
	GetConnectionByKey(ctx context.Context, scopeKey string) (*model.Connection, error)
	ListConnectionsForUser(ctx context.Context, userID uint) ([]model.Connection, error)
	// CompareAndSwapTokens rotates tokens only if the stored version still
	// matches expect. It reports false, nil when another writer won.
	CompareAndSwapTokens(ctx context.Context, id uint, expect int64, access, refresh string, expiry time.Time) (bool, error)
	SetConnectionStatus(ctx context.Context, id uint, status, lastError string) error

	CreateServer(ctx context.Context, srv *model.MCPServer) error
	GetServer(ctx context.Context, id uint) (*model.MCPServer, error)
	GetServerByName(ctx context.Context, name string) (*model.MCPServer, error)
	ListServers(ctx context.Context) ([]model.MCPServer, error)
	SaveServer(ctx context.Context, srv *model.MCPServer) error
	// DeleteServer soft-deletes; the row stays recoverable.
	DeleteServer(ctx context.Context, id uint) error

	AppendServerLog(ctx context.Context, entry *model.ServerLogEntry) error
	ListServerLogs(ctx context.Context, serverID uint, limit int) ([]model.ServerLogEntry, error)

	CreateOrgMember(ctx context.Context, member *model.OrgMember) error
	IsActiveMember(ctx context.Context, orgID, userID uint) (bool, error)
	MemberOrgIDs(ctx context.Context, userID uint) ([]uint, error)

	GetAdminByUsername(ctx context.Context, username string) (*model.Admin, error)
	CountAdmins(ctx context.Context) (int64, error)
	CreateAdmin(ctx context.Context, admin *model.Admin) error
	SaveAdmin(ctx context.Context, admin *model.Admin) error
}

// ScopeKey derives the connection uniqueness key. Org-scoped connections key
// on the organization, everything else on the owning user.
func ScopeKey(provider string, orgID, ownerUserID uint) string {
	if orgID != 0 {
		return fmt.Sprintf("%s:org:%d", provider, orgID)
	}
	return fmt.Sprintf("%s:user:%d", provider, ownerUserID)
}
