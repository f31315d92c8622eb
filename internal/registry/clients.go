package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/atoms-tech/connect/internal/model"
)

// ToolClient is the slice of an MCP client the registry needs for probing
// and discovery.
type ToolClient interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]model.Tool, error)
	Close() error
}

// ClientFactory builds a ToolClient for a server definition. headers carry
// resolved auth material for network transports.
type ClientFactory func(srv *model.MCPServer, args []string, env map[string]string, headers map[string]string) (ToolClient, error)

// NewMCPClient is the default factory, backed by mcp-go transports.
func NewMCPClient(srv *model.MCPServer, args []string, env map[string]string, headers map[string]string) (ToolClient, error) {
	switch srv.Transport {
	case model.TransportStdio:
		envStrings := make([]string, 0, len(env))
		for k, v := range env {
			envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
		}
		c, err := client.NewStdioMCPClient(srv.Command, envStrings, args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		return &mcpToolClient{client: c}, nil
	case model.TransportSSE:
		var opts []transport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHeaders(headers))
		}
		c, err := client.NewSSEMCPClient(srv.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("create sse client: %w", err)
		}
		return &mcpToolClient{client: c, needsStart: true}, nil
	case model.TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		c, err := client.NewStreamableHttpClient(srv.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("create http client: %w", err)
		}
		return &mcpToolClient{client: c}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", srv.Transport)
	}
}

type mcpToolClient struct {
	client     *client.Client
	needsStart bool
}

func (c *mcpToolClient) Initialize(ctx context.Context) error {
	if c.needsStart {
		if err := c.client.Start(ctx); err != nil {
			return fmt.Errorf("start transport: %w", err)
		}
	}
	_, err := c.client.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    "atoms-connect",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		return fmt.Errorf("initialize mcp protocol: %w", err)
	}
	return nil
}

func (c *mcpToolClient) ListTools(ctx context.Context) ([]model.Tool, error) {
	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	tools := make([]model.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		raw, err := json.Marshal(t.InputSchema)
		if err != nil {
			raw = nil
		}
		tools = append(tools, model.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: raw,
		})
	}
	return tools, nil
}

func (c *mcpToolClient) Close() error {
	return c.client.Close()
}
