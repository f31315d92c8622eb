package registry

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/atoms-tech/connect/internal/model"
)

// HealthCheck probes the server and writes the result back onto the row,
// failure included: a failed probe is data for the caller, not an error.
func (r *Registry) HealthCheck(ctx context.Context, p Principal, id uint) (model.HealthCheckResult, error) {
	srv, err := r.authorized(ctx, p, id)
	if err != nil {
		return model.HealthCheckResult{}, err
	}

	res := r.probe(ctx, srv)

	srv.Status = res.Status
	srv.LastHealthCheck = &res.CheckedAt
	srv.HealthCheckError = res.Error
	if err := r.store.SaveServer(ctx, srv); err != nil {
		return model.HealthCheckResult{}, err
	}

	if res.Error != "" {
		r.appendLog(ctx, srv.ID, "warn", "health check failed: "+res.Error)
	}
	return res, nil
}

// probe performs a transport-appropriate connectivity check bounded by the
// configured probe timeout.
func (r *Registry) probe(ctx context.Context, srv *model.MCPServer) model.HealthCheckResult {
	checkedAt := time.Now()

	if srv.Transport == model.TransportStdio {
		// There is no long-lived process to ping; resolvability of the
		// command is the closest liveness signal available.
		if _, err := exec.LookPath(srv.Command); err != nil {
			return model.HealthCheckResult{
				Status:    model.ServerError,
				CheckedAt: checkedAt,
				Error:     fmt.Sprintf("command not found: %v", err),
			}
		}
		return model.HealthCheckResult{Status: model.ServerRunning, CheckedAt: checkedAt}
	}

	headers, err := r.authHeaders(ctx, srv)
	if err != nil {
		return model.HealthCheckResult{
			Status:    model.ServerError,
			CheckedAt: checkedAt,
			Error:     fmt.Sprintf("resolve credentials: %v", err),
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	client, err := r.factory(srv, decodeArgs(srv.Args), decodeEnv(srv.Env), headers)
	if err != nil {
		return model.HealthCheckResult{
			Status:    model.ServerError,
			CheckedAt: checkedAt,
			Error:     err.Error(),
		}
	}
	defer client.Close()

	if err := client.Initialize(probeCtx); err != nil {
		return model.HealthCheckResult{
			Status:    model.ServerError,
			CheckedAt: checkedAt,
			Error:     err.Error(),
		}
	}
	return model.HealthCheckResult{Status: model.ServerRunning, CheckedAt: checkedAt}
}

// authHeaders resolves the server's auth configuration into request
// headers, refreshing OAuth-backed credentials on demand.
func (r *Registry) authHeaders(ctx context.Context, srv *model.MCPServer) (map[string]string, error) {
	switch srv.AuthType {
	case model.AuthBearer:
		return map[string]string{"Authorization": "Bearer " + srv.AuthToken}, nil
	case model.AuthAPIKey:
		return map[string]string{"X-API-Key": srv.AuthToken}, nil
	case model.AuthOAuth:
		conn, err := r.store.GetConnection(ctx, srv.ConnectionID)
		if err != nil {
			return nil, fmt.Errorf("load connection: %w", err)
		}
		fresh, err := r.refresher.EnsureFresh(ctx, conn)
		if err != nil {
			return nil, err
		}
		return map[string]string{"Authorization": "Bearer " + fresh.AccessToken}, nil
	default:
		return nil, nil
	}
}

func (r *Registry) appendLog(ctx context.Context, serverID uint, level, message string) {
	entry := &model.ServerLogEntry{ServerID: serverID, Level: level, Message: message}
	if err := r.store.AppendServerLog(ctx, entry); err != nil {
		r.logger.Error("failed to append server log",
			zap.Uint("server_id", serverID), zap.Error(err))
	}
}
