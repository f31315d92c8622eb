package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/atoms-tech/connect/internal/model"
)

// GormStore implements Store on a gorm handle. The handle is injected at
// construction; no global database state exists.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates or updates the schema for every model the store owns.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&model.Connection{},
		&model.MCPServer{},
		&model.ServerLogEntry{},
		&model.OrgMember{},
		&model.Admin{},
	)
}

func (s *GormStore) UpsertConnection(ctx context.Context, conn *model.Connection) (*model.Connection, error) {
	if conn.ScopeKey == "" {
		conn.ScopeKey = ScopeKey(conn.Provider, conn.OrganizationID, conn.OwnerUserID)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Connection
		err := tx.Where("scope_key = ?", conn.ScopeKey).First(&existing).Error
		if err == nil {
			conn.ID = existing.ID
			conn.CreatedAt = existing.CreatedAt
			conn.Version = existing.Version + 1
			return tx.Save(conn).Error
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
		return tx.Create(conn).Error
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *GormStore) GetConnection(ctx context.Context, id uint) (*model.Connection, error) {
	var conn model.Connection
	if err := s.db.WithContext(ctx).First(&conn, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *GormStore) GetConnectionByKey(ctx context.Context, scopeKey string) (*model.Connection, error) {
	var conn model.Connection
	if err := s.db.WithContext(ctx).First(&conn, "scope_key = ?", scopeKey).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *GormStore) ListConnectionsForUser(ctx context.Context, userID uint) ([]model.Connection, error) {
	orgIDs, err := s.MemberOrgIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	var conns []model.Connection
	q := s.db.WithContext(ctx).Where("owner_user_id = ?", userID)
	if len(orgIDs) > 0 {
		q = q.Or("organization_id IN ?", orgIDs)
	}
	if err := q.Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

func (s *GormStore) CompareAndSwapTokens(ctx context.Context, id uint, expect int64, access, refresh string, expiry time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Connection{}).
		Where("id = ? AND version = ?", id, expect).
		Updates(map[string]any{
			"access_token":  access,
			"refresh_token": refresh,
			"token_expiry":  expiry,
			"status":        model.ConnectionActive,
			"last_error":    "",
			"version":       expect + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) SetConnectionStatus(ctx context.Context, id uint, status, lastError string) error {
	return s.db.WithContext(ctx).Model(&model.Connection{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "last_error": lastError}).Error
}

func (s *GormStore) CreateServer(ctx context.Context, srv *model.MCPServer) error {
	return s.db.WithContext(ctx).Create(srv).Error
}

func (s *GormStore) GetServer(ctx context.Context, id uint) (*model.MCPServer, error) {
	var srv model.MCPServer
	if err := s.db.WithContext(ctx).First(&srv, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &srv, nil
}

func (s *GormStore) GetServerByName(ctx context.Context, name string) (*model.MCPServer, error) {
	var srv model.MCPServer
	if err := s.db.WithContext(ctx).First(&srv, "name = ?", name).Error; err != nil {
		return nil, err
	}
	return &srv, nil
}

func (s *GormStore) ListServers(ctx context.Context) ([]model.MCPServer, error) {
	var servers []model.MCPServer
	if err := s.db.WithContext(ctx).Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

func (s *GormStore) SaveServer(ctx context.Context, srv *model.MCPServer) error {
	return s.db.WithContext(ctx).Save(srv).Error
}

func (s *GormStore) DeleteServer(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&model.MCPServer{}, "id = ?", id).Error
}

func (s *GormStore) AppendServerLog(ctx context.Context, entry *model.ServerLogEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) ListServerLogs(ctx context.Context, serverID uint, limit int) ([]model.ServerLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []model.ServerLogEntry
	err := s.db.WithContext(ctx).
		Where("server_id = ?", serverID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *GormStore) CreateOrgMember(ctx context.Context, member *model.OrgMember) error {
	return s.db.WithContext(ctx).Create(member).Error
}

func (s *GormStore) IsActiveMember(ctx context.Context, orgID, userID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.OrgMember{}).
		Where("organization_id = ? AND user_id = ? AND status = ?", orgID, userID, "active").
		Count(&count).Error
	return count > 0, err
}

func (s *GormStore) MemberOrgIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&model.OrgMember{}).
		Where("user_id = ? AND status = ?", userID, "active").
		Pluck("organization_id", &ids).Error
	return ids, err
}

func (s *GormStore) GetAdminByUsername(ctx context.Context, username string) (*model.Admin, error) {
	var admin model.Admin
	if err := s.db.WithContext(ctx).First(&admin, "username = ?", username).Error; err != nil {
		return nil, err
	}
	return &admin, nil
}

func (s *GormStore) CountAdmins(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Admin{}).Count(&count).Error
	return count, err
}

func (s *GormStore) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	return s.db.WithContext(ctx).Create(admin).Error
}

func (s *GormStore) SaveAdmin(ctx context.Context, admin *model.Admin) error {
	return s.db.WithContext(ctx).Save(admin).Error
}
