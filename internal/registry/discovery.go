package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atoms-tech/connect/internal/model"
)

// DiscoverTools returns the server's tool catalog. A cached catalog younger
// than the configured TTL is served as-is unless refresh forces a new
// query. Discovery failures leave the server record and any prior cache
// untouched.
func (r *Registry) DiscoverTools(ctx context.Context, p Principal, id uint, refresh bool) ([]model.Tool, error) {
	srv, err := r.authorized(ctx, p, id)
	if err != nil {
		return nil, err
	}

	if !refresh {
		if tools, ok := srv.CachedTools(); ok && time.Since(*srv.ToolsCachedAt) < r.cacheTTL {
			return tools, nil
		}
	}

	tools, err := r.queryTools(ctx, srv)
	if err != nil {
		r.appendLog(ctx, srv.ID, "error", "tool discovery failed: "+err.Error())
		return nil, &DiscoveryError{Server: srv.Name, Err: err}
	}

	if err := srv.SetCachedTools(tools, time.Now()); err != nil {
		return nil, err
	}
	if err := r.store.SaveServer(ctx, srv); err != nil {
		return nil, err
	}

	r.logger.Info("tool catalog discovered",
		zap.Uint("server_id", srv.ID),
		zap.String("name", srv.Name),
		zap.Int("tools", len(tools)))
	return tools, nil
}

func (r *Registry) queryTools(ctx context.Context, srv *model.MCPServer) ([]model.Tool, error) {
	headers, err := r.authHeaders(ctx, srv)
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	client, err := r.factory(srv, decodeArgs(srv.Args), decodeEnv(srv.Env), headers)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.Initialize(queryCtx); err != nil {
		return nil, err
	}
	return client.ListTools(queryCtx)
}
