// Package api exposes the REST surface: OAuth connect/callback endpoints
// and server registry management.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/atoms-tech/connect/internal/config"
	"github.com/atoms-tech/connect/internal/model"
	"github.com/atoms-tech/connect/internal/oauth"
	"github.com/atoms-tech/connect/internal/provider"
	"github.com/atoms-tech/connect/internal/registry"
	"github.com/atoms-tech/connect/internal/store"
)

type Handler struct {
	cfg       config.Config
	store     store.Store
	providers *provider.Registry
	flow      *oauth.Flow
	registry  *registry.Registry
	logger    *zap.Logger
}

func NewHandler(cfg config.Config, st store.Store, providers *provider.Registry, flow *oauth.Flow, reg *registry.Registry, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     st,
		providers: providers,
		flow:      flow,
		registry:  reg,
		logger:    logger,
	}
}

// Response envelope

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

// failErr translates a service error into the envelope. Caller mistakes and
// expected external failures become structured responses; nothing crashes
// the handling process.
func (h *Handler) failErr(c *gin.Context, err error) {
	var (
		unsupported *provider.UnsupportedProviderError
		badState    *oauth.InvalidStateError
		cbErr       *oauth.ProviderCallbackError
		exchange    *oauth.TokenExchangeError
		refresh     *oauth.RefreshError
		denied      *registry.AccessDeniedError
		invalid     *registry.ValidationError
		discovery   *registry.DiscoveryError
	)
	switch {
	case errors.As(err, &unsupported):
		fail(c, http.StatusBadRequest, "unsupported_provider", unsupported.Error())
	case errors.As(err, &badState):
		fail(c, http.StatusBadRequest, "invalid_state", "oauth state is missing or invalid")
	case errors.As(err, &cbErr):
		fail(c, http.StatusBadGateway, "provider_error", cbErr.Error())
	case errors.As(err, &exchange):
		fail(c, http.StatusBadGateway, "token_exchange_failed", exchange.Error())
	case errors.As(err, &refresh):
		fail(c, http.StatusBadGateway, "refresh_failed", refresh.Error())
	case errors.As(err, &denied):
		fail(c, http.StatusForbidden, "access_denied", denied.Error())
	case errors.As(err, &invalid):
		fail(c, http.StatusBadRequest, "validation_failed", invalid.Error())
	case errors.As(err, &discovery):
		fail(c, http.StatusBadGateway, "discovery_failed", discovery.Error())
	case errors.Is(err, gorm.ErrRecordNotFound):
		fail(c, http.StatusNotFound, "not_found", "record not found")
	default:
		h.logger.Error("unhandled error", zap.Error(err))
		fail(c, http.StatusInternalServerError, "internal", "internal error")
	}
}

// Auth

type sessionClaims struct {
	jwt.RegisteredClaims
	UserID uint `json:"user_id"`
	Admin  bool `json:"admin"`
}

// Login authenticates a platform admin and issues a session token.
func (h *Handler) Login(c *gin.Context) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&creds); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}

	admin, err := h.store.GetAdminByUsername(c.Request.Context(), creds.Username)
	if err != nil {
		fail(c, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.Password), []byte(creds.Password)); err != nil {
		fail(c, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			Subject:   admin.Username,
		},
		UserID: admin.ID,
		Admin:  true,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.cfg.JWTSecret))
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", "failed to generate token")
		return
	}
	ok(c, gin.H{"token": signed})
}

// ChangePassword rotates the logged-in admin's password.
func (h *Handler) ChangePassword(c *gin.Context) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}

	p := principalFrom(c)
	if !p.Admin {
		fail(c, http.StatusForbidden, "access_denied", "admin required")
		return
	}
	admin, err := h.store.GetAdminByUsername(c.Request.Context(), c.GetString("subject"))
	if err != nil {
		fail(c, http.StatusNotFound, "not_found", "user not found")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.Password), []byte(req.OldPassword)); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "incorrect old password")
		return
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", "failed to hash password")
		return
	}
	admin.Password = string(hashed)
	if err := h.store.SaveAdmin(c.Request.Context(), admin); err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, gin.H{"message": "password changed"})
}

// AuthMiddleware requires a bearer session token and attaches the principal
// to the request context.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			fail(c, http.StatusUnauthorized, "unauthorized", "authorization header required")
			c.Abort()
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")

		var claims sessionClaims
		token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(h.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			fail(c, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("admin", claims.Admin)
		c.Set("subject", claims.Subject)
		c.Next()
	}
}

func principalFrom(c *gin.Context) registry.Principal {
	return registry.Principal{
		UserID: c.GetUint("user_id"),
		Admin:  c.GetBool("admin"),
	}
}

// OAuth endpoints

// ListProviders returns the provider catalog.
func (h *Handler) ListProviders(c *gin.Context) {
	type providerInfo struct {
		Key         string `json:"key"`
		DisplayName string `json:"display_name"`
	}
	list := h.providers.List()
	out := make([]providerInfo, 0, len(list))
	for _, p := range list {
		out = append(out, providerInfo{Key: p.Key, DisplayName: p.DisplayName})
	}
	ok(c, out)
}

// Connect starts an authorization-code flow and returns the provider URL
// the browser should be redirected to. Organization-scoped connects require
// active membership, mirroring the server registry's access rule.
func (h *Handler) Connect(c *gin.Context) {
	p := principalFrom(c)
	orgID, _ := strconv.ParseUint(c.Query("organization_id"), 10, 32)
	if orgID != 0 && !p.Admin {
		member, err := h.store.IsActiveMember(c.Request.Context(), uint(orgID), p.UserID)
		if err != nil {
			h.failErr(c, err)
			return
		}
		if !member {
			fail(c, http.StatusForbidden, "access_denied", "not an active organization member")
			return
		}
	}
	returnPath := c.Query("return_path")
	if !oauth.ValidReturnPath(returnPath) {
		returnPath = h.cfg.DefaultReturnPath
	}

	authURL, err := h.flow.Initiate(c.Request.Context(), c.Param("provider"), oauth.FlowContext{
		OrganizationID: uint(orgID),
		UserID:         p.UserID,
		ReturnPath:     returnPath,
	})
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, gin.H{"authorization_url": authURL})
}

// Callback handles the provider redirect with parameters in the query
// string.
func (h *Handler) Callback(c *gin.Context) {
	h.handleCallback(c, oauth.CallbackParams{
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	})
}

// CallbackPost handles providers that deliver callback parameters in a JSON
// body. Normalized onto the same path as the GET variant.
func (h *Handler) CallbackPost(c *gin.Context) {
	var body struct {
		Code             string `json:"code"`
		State            string `json:"state"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "invalid callback body")
		return
	}
	h.handleCallback(c, oauth.CallbackParams{
		Code:             body.Code,
		State:            body.State,
		Error:            body.Error,
		ErrorDescription: body.ErrorDescription,
	})
}

// handleCallback funnels every outcome into a browser redirect carrying a
// human-readable success or error parameter. Raw provider payloads never
// reach the browser.
func (h *Handler) handleCallback(c *gin.Context, params oauth.CallbackParams) {
	providerKey := c.Param("provider")
	returnPath := h.flow.ReturnPath(params.State, h.cfg.DefaultReturnPath)

	conn, err := h.flow.HandleCallback(c.Request.Context(), providerKey, params)
	if err != nil {
		h.redirect(c, returnPath, providerKey, "", callbackErrorMessage(err))
		return
	}
	h.redirect(c, returnPath, conn.Provider, fmt.Sprintf("Connected to %s", conn.Provider), "")
}

func (h *Handler) redirect(c *gin.Context, returnPath, providerKey, success, errMsg string) {
	q := url.Values{}
	q.Set("provider", providerKey)
	if errMsg != "" {
		q.Set("error", errMsg)
	} else {
		q.Set("success", success)
	}
	c.Redirect(http.StatusFound, returnPath+"?"+q.Encode())
}

func callbackErrorMessage(err error) string {
	var (
		unsupported *provider.UnsupportedProviderError
		badState    *oauth.InvalidStateError
		cbErr       *oauth.ProviderCallbackError
		exchange    *oauth.TokenExchangeError
	)
	switch {
	case errors.As(err, &unsupported):
		return "This provider is not supported"
	case errors.As(err, &badState):
		return "The sign-in request could not be verified. Please try again"
	case errors.As(err, &cbErr):
		if cbErr.Description != "" {
			return cbErr.Description
		}
		return "The provider declined the request"
	case errors.As(err, &exchange):
		return "Could not complete the connection. Please try again"
	default:
		return "Something went wrong. Please try again"
	}
}

// Connection endpoints

// ListConnections returns the caller's connections: own plus those of
// organizations the caller belongs to.
func (h *Handler) ListConnections(c *gin.Context) {
	p := principalFrom(c)
	conns, err := h.store.ListConnectionsForUser(c.Request.Context(), p.UserID)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, conns)
}

// Disconnect revokes a connection. The row is kept with status revoked so
// the audit trail survives.
func (h *Handler) Disconnect(c *gin.Context) {
	p := principalFrom(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "invalid connection id")
		return
	}
	conn, err := h.store.GetConnection(c.Request.Context(), uint(id))
	if err != nil {
		h.failErr(c, err)
		return
	}
	if !p.Admin && conn.OwnerUserID != p.UserID {
		if conn.OrganizationID == 0 {
			fail(c, http.StatusForbidden, "access_denied", "not the owner")
			return
		}
		member, err := h.store.IsActiveMember(c.Request.Context(), conn.OrganizationID, p.UserID)
		if err != nil {
			h.failErr(c, err)
			return
		}
		if !member {
			fail(c, http.StatusForbidden, "access_denied", "not an active organization member")
			return
		}
	}
	if err := h.store.SetConnectionStatus(c.Request.Context(), conn.ID, model.ConnectionRevoked, ""); err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, gin.H{"status": model.ConnectionRevoked})
}

// Server endpoints

func (h *Handler) InstallServer(c *gin.Context) {
	var in registry.InstallInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	srv, err := h.registry.Install(c.Request.Context(), principalFrom(c), in)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, srv)
}

func (h *Handler) ListServers(c *gin.Context) {
	servers, err := h.registry.List(c.Request.Context(), principalFrom(c))
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, servers)
}

func (h *Handler) GetServer(c *gin.Context) {
	id, done := h.serverID(c)
	if done {
		return
	}
	srv, err := h.registry.Get(c.Request.Context(), principalFrom(c), id)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, srv)
}

func (h *Handler) StartServer(c *gin.Context) {
	id, done := h.serverID(c)
	if done {
		return
	}
	srv, err := h.registry.Start(c.Request.Context(), principalFrom(c), id)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, srv)
}

func (h *Handler) StopServer(c *gin.Context) {
	id, done := h.serverID(c)
	if done {
		return
	}
	srv, err := h.registry.Stop(c.Request.Context(), principalFrom(c), id)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, srv)
}

func (h *Handler) ServerHealth(c *gin.Context) {
	id, done := h.serverID(c)
	if done {
		return
	}
	res, err := h.registry.HealthCheck(c.Request.Context(), principalFrom(c), id)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, res)
}

func (h *Handler) ServerTools(c *gin.Context) {
	id, done := h.serverID(c)
	if done {
		return
	}
	refresh := c.Query("refresh") == "true"
	tools, err := h.registry.DiscoverTools(c.Request.Context(), principalFrom(c), id, refresh)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, tools)
}

func (h *Handler) UpdateServerAuth(c *gin.Context) {
	id, done := h.serverID(c)
	if done {
		return
	}
	var req struct {
		AuthType     string `json:"auth_type"`
		AuthToken    string `json:"auth_token"`
		ConnectionID uint   `json:"connection_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	srv, err := h.registry.UpdateAuth(c.Request.Context(), principalFrom(c), id, req.AuthType, req.AuthToken, req.ConnectionID)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, srv)
}

func (h *Handler) UpdateServerPermissions(c *gin.Context) {
	id, done := h.serverID(c)
	if done {
		return
	}
	var req struct {
		ToolPermissions map[string]string `json:"tool_permissions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	srv, err := h.registry.UpdateToolPermissions(c.Request.Context(), principalFrom(c), id, req.ToolPermissions)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, srv)
}

func (h *Handler) TestServer(c *gin.Context) {
	id, done := h.serverID(c)
	if done {
		return
	}
	if err := h.registry.TestConfig(c.Request.Context(), principalFrom(c), id); err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, gin.H{"valid": true})
}

func (h *Handler) ServerLogs(c *gin.Context) {
	id, done := h.serverID(c)
	if done {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	logs, err := h.registry.Logs(c.Request.Context(), principalFrom(c), id, limit)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, logs)
}

func (h *Handler) DeleteServer(c *gin.Context) {
	id, done := h.serverID(c)
	if done {
		return
	}
	if err := h.registry.Delete(c.Request.Context(), principalFrom(c), id); err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, gin.H{"deleted": true})
}

func (h *Handler) serverID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "invalid server id")
		return 0, true
	}
	return uint(id), false
}
