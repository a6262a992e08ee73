package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"ensemble/internal/domain"
	"ensemble/internal/infra/config"
)

// defaultMCPTimeout is the per-call timeout for MCP tool execution when the
// server config does not set one.
const defaultMCPTimeout = 30 * time.Second

// mcpClient abstracts the MCP client interface for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPBridge connects to external MCP servers and exposes their tools as
// domain.Tool instances for the executor.
type MCPBridge struct {
	conns  []mcpConn
	tools  []domain.Tool
	logger *slog.Logger
}

type mcpConn struct {
	name    string
	client  mcpClient
	timeout time.Duration
}

// NewMCPBridge connects to all configured servers and discovers their
// tools. Discovery failure of a single server is logged and skipped;
// the bridge fails only when every server is unreachable.
func NewMCPBridge(ctx context.Context, servers []config.MCPServerConfig, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{logger: logger}

	for _, srv := range servers {
		conn, err := connectMCP(ctx, srv)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		b.conns = append(b.conns, *conn)
	}

	if err := b.discover(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// newMCPBridgeWithClients injects pre-built clients (for testing).
func newMCPBridgeWithClients(ctx context.Context, conns []mcpConn, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{conns: conns, logger: logger}
	if err := b.discover(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func connectMCP(ctx context.Context, srv config.MCPServerConfig) (*mcpConn, error) {
	t, err := transport.NewStreamableHTTP(srv.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("create http transport: %w", err)
	}
	c := mcpclient.NewClient(t)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "ensemble",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, domain.WrapOp("initialize", err)
	}

	timeout := srv.Timeout
	if timeout == 0 {
		timeout = defaultMCPTimeout
	}
	return &mcpConn{name: srv.Name, client: c, timeout: timeout}, nil
}

func (b *MCPBridge) discover(ctx context.Context) error {
	var errs []string
	succeeded := 0

	for _, conn := range b.conns {
		result, err := conn.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp discovery failed, skipping server", "server", conn.name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", conn.name, err))
			continue
		}

		for _, t := range result.Tools {
			b.tools = append(b.tools, newMCPTool(conn, t, b.logger))
		}
		b.logger.Info("mcp tools discovered", "server", conn.name, "count", len(result.Tools))
		succeeded++
	}

	if succeeded == 0 && len(errs) > 0 {
		return fmt.Errorf("%w: all mcp servers failed discovery: %s",
			domain.ErrToolExecution, strings.Join(errs, "; "))
	}
	return nil
}

// Tools returns all discovered tools.
func (b *MCPBridge) Tools() []domain.Tool {
	return b.tools
}

// Close shuts down all server connections.
func (b *MCPBridge) Close() {
	for _, conn := range b.conns {
		if err := conn.client.Close(); err != nil {
			b.logger.Warn("mcp close error", "server", conn.name, "error", err)
		}
	}
}

// mcpTool wraps a single remote MCP tool as a domain.Tool.
type mcpTool struct {
	conn     mcpConn
	remote   mcp.Tool
	fullName string
	logger   *slog.Logger
}

func newMCPTool(conn mcpConn, t mcp.Tool, logger *slog.Logger) *mcpTool {
	return &mcpTool{
		conn:     conn,
		remote:   t,
		fullName: fmt.Sprintf("mcp_%s_%s", sanitizeName(conn.name), sanitizeName(t.Name)),
		logger:   logger,
	}
}

func (t *mcpTool) Name() string { return t.fullName }

func (t *mcpTool) Description() string {
	if t.remote.Description != "" {
		return t.remote.Description
	}
	return fmt.Sprintf("MCP tool %q from server %q", t.remote.Name, t.conn.name)
}

func (t *mcpTool) Schema() domain.ToolSchema {
	params := json.RawMessage(`{"type": "object"}`)
	if t.remote.InputSchema.Properties != nil || t.remote.InputSchema.Required != nil {
		if data, err := json.Marshal(t.remote.InputSchema); err == nil {
			params = data
		}
	}
	return domain.ToolSchema{
		Name:        t.fullName,
		Description: t.Description(),
		Parameters:  params,
	}
}

func (t *mcpTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var args map[string]interface{}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return &domain.ToolResult{
				Content: fmt.Sprintf("invalid arguments: %v", err),
				IsError: true,
			}, nil
		}
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = t.remote.Name
	callReq.Params.Arguments = args

	callCtx, cancel := context.WithTimeout(ctx, t.conn.timeout)
	defer cancel()

	result, err := t.conn.client.CallTool(callCtx, callReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrToolExecution, t.fullName, err)
	}

	return &domain.ToolResult{
		Content: extractMCPContent(result),
		IsError: result.IsError,
	}, nil
}

// extractMCPContent converts MCP CallToolResult content to a string.
func extractMCPContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName replaces characters that aren't valid in tool names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

var _ domain.Tool = (*mcpTool)(nil)
