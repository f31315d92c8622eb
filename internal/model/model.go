package model

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Connection statuses.
const (
	ConnectionActive  = "active"
	ConnectionExpired = "expired"
	ConnectionRevoked = "revoked"
	ConnectionError   = "error"
)

// Server scopes.
const (
	ScopeUser         = "user"
	ScopeOrganization = "organization"
	ScopeSystem       = "system"
)

// Server transports.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// Server auth types.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthOAuth  = "oauth"
	AuthAPIKey = "api_key"
)

// Server statuses.
const (
	ServerRunning  = "running"
	ServerStarting = "starting"
	ServerStopped  = "stopped"
	ServerError    = "error"
	ServerUnknown  = "unknown"
)

// Tool permission levels.
const (
	PermAlwaysAllow  = "always_allow"
	PermAlwaysDeny   = "always_deny"
	PermPrompt       = "prompt"
	PermAgentDecided = "agent_decided"
)

type Admin struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Password string `gorm:"not null" json:"-"` // Hashed password
}

// OrgMember records active membership of a user in an organization. The
// registry consults it for organization-scoped access checks.
type OrgMember struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrganizationID uint   `gorm:"uniqueIndex:idx_org_member;not null" json:"organization_id"`
	UserID         uint   `gorm:"uniqueIndex:idx_org_member;not null" json:"user_id"`
	Status         string `gorm:"default:'active'" json:"status"`
}

// Connection is a persisted OAuth credential set tying a principal (user or
// organization) to a provider. At most one connection exists per
// (provider, organization|owner) key; a new successful callback supersedes
// the prior record for the same key.
type Connection struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Provider       string `gorm:"not null" json:"provider"`
	OrganizationID uint   `json:"organization_id,omitempty"` // zero means user-scoped
	OwnerUserID    uint   `json:"owner_user_id"`

	// ScopeKey is the derived uniqueness key "provider:org:<id>" or
	// "provider:user:<id>".
	ScopeKey string `gorm:"uniqueIndex;not null" json:"-"`

	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"token_expiry"`

	Scopes    string `json:"scopes"` // space-separated, as providers return it
	Status    string `gorm:"default:'active'" json:"status"`
	LastError string `json:"last_error,omitempty"`

	// Version guards token rotation. Every token write increments it; updates
	// are conditional on the version they read.
	Version int64 `gorm:"default:0" json:"-"`
}

// MCPServer is a registered external tool server.
type MCPServer struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name           string `gorm:"uniqueIndex;not null" json:"name"`
	Scope          string `gorm:"default:'user'" json:"scope"`
	OwnerUserID    uint   `json:"owner_user_id"`
	OrganizationID uint   `json:"organization_id,omitempty"`

	Transport string `gorm:"default:'http'" json:"transport"`

	// Network transport configuration
	URL string `json:"url"`

	// Stdio transport configuration
	Command string `json:"command"`
	Args    string `json:"args"` // JSON array of arguments
	Env     string `json:"env"`  // JSON object of environment variables

	AuthType string `gorm:"default:'none'" json:"auth_type"`
	// AuthToken holds the secret for bearer/api_key auth.
	AuthToken string `json:"-"`
	// ConnectionID references the OAuth connection for auth_type=oauth.
	ConnectionID uint `json:"connection_id,omitempty"`

	// Enabled is advisory for network transports: it records the operator's
	// intent, while health checks remain the source of truth.
	Enabled          bool       `gorm:"default:false" json:"enabled"`
	Status           string     `gorm:"default:'stopped'" json:"status"`
	LastHealthCheck  *time.Time `json:"last_health_check,omitempty"`
	HealthCheckError string     `json:"health_check_error,omitempty"`

	// ToolPermissions maps tool name to permission level, stored as a JSON
	// object.
	ToolPermissions string `json:"tool_permissions"`

	// Tools caches the last discovered tool catalog as a JSON array.
	Tools         string     `json:"-"`
	ToolsCachedAt *time.Time `json:"tools_cached_at,omitempty"`
}

// Tool describes one entry of a server's discovered tool catalog.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// HealthCheckResult is the transient outcome of one probe. It is written
// back onto the server row even on failure.
type HealthCheckResult struct {
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// ServerLogEntry is an append-only log line attached to a server.
type ServerLogEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ServerID uint   `gorm:"index;not null" json:"server_id"`
	Level    string `gorm:"default:'info'" json:"level"`
	Message  string `json:"message"`
	Metadata string `json:"metadata,omitempty"` // JSON object
}

// Permissions decodes the stored tool permission mapping. A missing or
// malformed column yields an empty map.
func (s *MCPServer) Permissions() map[string]string {
	perms := make(map[string]string)
	if s.ToolPermissions != "" {
		_ = json.Unmarshal([]byte(s.ToolPermissions), &perms)
	}
	return perms
}

// SetPermissions replaces the stored permission mapping wholesale.
func (s *MCPServer) SetPermissions(perms map[string]string) error {
	raw, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	s.ToolPermissions = string(raw)
	return nil
}

// CachedTools decodes the stored tool catalog. ok reports whether a cache
// exists at all.
func (s *MCPServer) CachedTools() (tools []Tool, ok bool) {
	if s.Tools == "" || s.ToolsCachedAt == nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(s.Tools), &tools); err != nil {
		return nil, false
	}
	return tools, true
}

// SetCachedTools stores a freshly discovered catalog with its timestamp.
func (s *MCPServer) SetCachedTools(tools []Tool, at time.Time) error {
	raw, err := json.Marshal(tools)
	if err != nil {
		return err
	}
	s.Tools = string(raw)
	s.ToolsCachedAt = &at
	return nil
}
