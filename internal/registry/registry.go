// Package registry tracks externally registered MCP tool servers: their
// transport and auth configuration, health, discovered tool catalogs, and
// per-tool permission policy.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/atoms-tech/connect/internal/model"
	"github.com/atoms-tech/connect/internal/oauth"
	"github.com/atoms-tech/connect/internal/store"
)

// Principal is the authenticated caller of a registry operation.
type Principal struct {
	UserID uint
	Admin  bool
}

// InstallInput is a server definition as submitted by a caller.
type InstallInput struct {
	Name           string            `json:"name"`
	Scope          string            `json:"scope"`
	OrganizationID uint              `json:"organization_id"`
	Transport      string            `json:"transport"`
	URL            string            `json:"url"`
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Env            map[string]string `json:"env"`
	AuthType       string            `json:"auth_type"`
	AuthToken      string            `json:"auth_token"`
	ConnectionID   uint              `json:"connection_id"`
	StartNow       bool              `json:"start_now"`
}

// Registry mediates all server operations, enforcing scope access rules
// uniformly: user scope is owner-only, organization scope requires active
// membership, system scope requires a platform admin.
type Registry struct {
	store        store.Store
	refresher    *oauth.Refresher
	factory      ClientFactory
	probeTimeout time.Duration
	cacheTTL     time.Duration
	logger       *zap.Logger
}

func New(st store.Store, refresher *oauth.Refresher, factory ClientFactory, probeTimeout, cacheTTL time.Duration, logger *zap.Logger) *Registry {
	if factory == nil {
		factory = NewMCPClient
	}
	return &Registry{
		store:        st,
		refresher:    refresher,
		factory:      factory,
		probeTimeout: probeTimeout,
		cacheTTL:     cacheTTL,
		logger:       logger,
	}
}

// Install validates the definition and persists a new server. Unless the
// caller asks for an immediate start, the server lands stopped and disabled.
func (r *Registry) Install(ctx context.Context, p Principal, in InstallInput) (*model.MCPServer, error) {
	if err := r.validateDefinition(in); err != nil {
		return nil, err
	}
	if err := r.authorizeScope(ctx, p, in.Scope, in.OrganizationID, p.UserID); err != nil {
		return nil, err
	}

	args, _ := json.Marshal(in.Args)
	env, _ := json.Marshal(in.Env)
	srv := &model.MCPServer{
		Name:           in.Name,
		Scope:          in.Scope,
		OwnerUserID:    p.UserID,
		OrganizationID: in.OrganizationID,
		Transport:      in.Transport,
		URL:            in.URL,
		Command:        in.Command,
		Args:           string(args),
		Env:            string(env),
		AuthType:       in.AuthType,
		AuthToken:      in.AuthToken,
		ConnectionID:   in.ConnectionID,
		Enabled:        false,
		Status:         model.ServerStopped,
	}
	if err := r.store.CreateServer(ctx, srv); err != nil {
		return nil, err
	}
	r.logger.Info("mcp server installed",
		zap.Uint("server_id", srv.ID),
		zap.String("name", srv.Name),
		zap.String("scope", srv.Scope),
		zap.String("transport", srv.Transport))

	if in.StartNow {
		return r.Start(ctx, p, srv.ID)
	}
	return srv, nil
}

// Start flips the server to enabled and fires an advisory probe. For
// network transports there is no process to launch: enabled records intent,
// the health check is the source of truth.
func (r *Registry) Start(ctx context.Context, p Principal, id uint) (*model.MCPServer, error) {
	srv, err := r.authorized(ctx, p, id)
	if err != nil {
		return nil, err
	}
	srv.Enabled = true
	srv.Status = model.ServerStarting
	if err := r.store.SaveServer(ctx, srv); err != nil {
		return nil, err
	}

	res := r.probe(ctx, srv)
	srv.Status = res.Status
	srv.LastHealthCheck = &res.CheckedAt
	srv.HealthCheckError = res.Error
	if err := r.store.SaveServer(ctx, srv); err != nil {
		return nil, err
	}
	return srv, nil
}

// Stop disables the server. It does not probe.
func (r *Registry) Stop(ctx context.Context, p Principal, id uint) (*model.MCPServer, error) {
	srv, err := r.authorized(ctx, p, id)
	if err != nil {
		return nil, err
	}
	srv.Enabled = false
	srv.Status = model.ServerStopped
	if err := r.store.SaveServer(ctx, srv); err != nil {
		return nil, err
	}
	return srv, nil
}

// Get returns a single server after the access check.
func (r *Registry) Get(ctx context.Context, p Principal, id uint) (*model.MCPServer, error) {
	return r.authorized(ctx, p, id)
}

// List returns every server visible to the principal: own servers, servers
// of organizations the principal is an active member of, and everything for
// admins.
func (r *Registry) List(ctx context.Context, p Principal) ([]model.MCPServer, error) {
	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	if p.Admin {
		return servers, nil
	}
	orgIDs, err := r.store.MemberOrgIDs(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	member := make(map[uint]bool, len(orgIDs))
	for _, id := range orgIDs {
		member[id] = true
	}
	visible := servers[:0]
	for _, srv := range servers {
		switch srv.Scope {
		case model.ScopeUser:
			if srv.OwnerUserID == p.UserID {
				visible = append(visible, srv)
			}
		case model.ScopeOrganization:
			if member[srv.OrganizationID] {
				visible = append(visible, srv)
			}
		}
	}
	return visible, nil
}

// UpdateAuth replaces the server's auth configuration.
func (r *Registry) UpdateAuth(ctx context.Context, p Principal, id uint, authType, authToken string, connectionID uint) (*model.MCPServer, error) {
	srv, err := r.authorized(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if err := validateAuth(authType, authToken, connectionID); err != nil {
		return nil, err
	}
	srv.AuthType = authType
	srv.AuthToken = authToken
	srv.ConnectionID = connectionID
	if err := r.store.SaveServer(ctx, srv); err != nil {
		return nil, err
	}
	return srv, nil
}

// UpdateToolPermissions replaces the permission mapping wholesale. There is
// no partial merge: callers submit the full desired mapping.
func (r *Registry) UpdateToolPermissions(ctx context.Context, p Principal, id uint, perms map[string]string) (*model.MCPServer, error) {
	srv, err := r.authorized(ctx, p, id)
	if err != nil {
		return nil, err
	}
	for tool, level := range perms {
		switch level {
		case model.PermAlwaysAllow, model.PermAlwaysDeny, model.PermPrompt, model.PermAgentDecided:
		default:
			return nil, &ValidationError{Field: "tool_permissions", Reason: "unknown permission level for " + tool}
		}
	}
	if err := srv.SetPermissions(perms); err != nil {
		return nil, err
	}
	if err := r.store.SaveServer(ctx, srv); err != nil {
		return nil, err
	}
	return srv, nil
}

// TestConfig re-runs static validation of the stored definition without a
// live probe.
func (r *Registry) TestConfig(ctx context.Context, p Principal, id uint) error {
	srv, err := r.authorized(ctx, p, id)
	if err != nil {
		return err
	}
	in := InstallInput{
		Name:           srv.Name,
		Scope:          srv.Scope,
		OrganizationID: srv.OrganizationID,
		Transport:      srv.Transport,
		URL:            srv.URL,
		Command:        srv.Command,
		Args:           decodeArgs(srv.Args),
		AuthType:       srv.AuthType,
		AuthToken:      srv.AuthToken,
		ConnectionID:   srv.ConnectionID,
	}
	return r.validateDefinition(in)
}

// Delete soft-deletes the server; the row is never hard-deleted.
func (r *Registry) Delete(ctx context.Context, p Principal, id uint) error {
	if _, err := r.authorized(ctx, p, id); err != nil {
		return err
	}
	return r.store.DeleteServer(ctx, id)
}

// Logs returns the most recent log entries for the server.
func (r *Registry) Logs(ctx context.Context, p Principal, id uint, limit int) ([]model.ServerLogEntry, error) {
	if _, err := r.authorized(ctx, p, id); err != nil {
		return nil, err
	}
	return r.store.ListServerLogs(ctx, id, limit)
}

func (r *Registry) authorized(ctx context.Context, p Principal, id uint) (*model.MCPServer, error) {
	srv, err := r.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.authorizeScope(ctx, p, srv.Scope, srv.OrganizationID, srv.OwnerUserID); err != nil {
		return nil, err
	}
	return srv, nil
}

func (r *Registry) authorizeScope(ctx context.Context, p Principal, scope string, orgID, ownerUserID uint) error {
	if p.Admin {
		return nil
	}
	switch scope {
	case model.ScopeUser:
		if ownerUserID != p.UserID {
			return &AccessDeniedError{Reason: "not the owner"}
		}
	case model.ScopeOrganization:
		ok, err := r.store.IsActiveMember(ctx, orgID, p.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return &AccessDeniedError{Reason: "not an active organization member"}
		}
	case model.ScopeSystem:
		return &AccessDeniedError{Reason: "platform admin required"}
	default:
		return &AccessDeniedError{Reason: "unknown scope"}
	}
	return nil
}

func (r *Registry) validateDefinition(in InstallInput) error {
	if in.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	switch in.Scope {
	case model.ScopeUser, model.ScopeSystem:
	case model.ScopeOrganization:
		if in.OrganizationID == 0 {
			return &ValidationError{Field: "organization_id", Reason: "required for organization scope"}
		}
	default:
		return &ValidationError{Field: "scope", Reason: "must be user, organization, or system"}
	}
	switch in.Transport {
	case model.TransportStdio:
		if err := ValidateCommand(in.Command, in.Args); err != nil {
			return &ValidationError{Field: "command", Reason: err.Error()}
		}
	case model.TransportSSE, model.TransportHTTP:
		if in.URL == "" {
			return &ValidationError{Field: "url", Reason: "required for network transports"}
		}
	default:
		return &ValidationError{Field: "transport", Reason: "must be stdio, sse, or http"}
	}
	return validateAuth(in.AuthType, in.AuthToken, in.ConnectionID)
}

func validateAuth(authType, authToken string, connectionID uint) error {
	switch authType {
	case model.AuthNone:
	case model.AuthBearer, model.AuthAPIKey:
		if authToken == "" {
			return &ValidationError{Field: "auth_token", Reason: "required for " + authType + " auth"}
		}
	case model.AuthOAuth:
		if connectionID == 0 {
			return &ValidationError{Field: "connection_id", Reason: "required for oauth auth"}
		}
	default:
		return &ValidationError{Field: "auth_type", Reason: "must be none, bearer, oauth, or api_key"}
	}
	return nil
}

func decodeArgs(raw string) []string {
	var args []string
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &args)
	}
	return args
}

func decodeEnv(raw string) map[string]string {
	env := make(map[string]string)
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &env)
	}
	return env
}
