// Package mcpbridge constructs the bundled MCP server that exposes
// hub-provided tools to the Codex backend. The launcher forwards the
// resulting server map into transport configuration.
package mcpbridge

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hapihub/codex-bridge/internal/common/logger"
	"go.uber.org/zap"
)

const serverName = "hapi"

// ServerSpec describes one MCP server entry forwarded to the backend.
type ServerSpec struct {
	URL string `json:"url"`
}

// Bridge is the running bundled MCP server plus the server map handed to
// the backend.
type Bridge struct {
	log        *logger.Logger
	sseServer  *server.SSEServer
	MCPServers map[string]ServerSpec
}

// ToolSender forwards a tool invocation to the hub and returns its result.
type ToolSender interface {
	SendCodexMessage(msg map[string]any)
}

// New builds and starts the bundled MCP server on the given port.
func New(sender ToolSender, port int, log *logger.Logger) (*Bridge, error) {
	b := &Bridge{
		log: log.WithFields(zap.String("component", "mcp-bridge")),
		MCPServers: map[string]ServerSpec{
			serverName: {URL: fmt.Sprintf("http://localhost:%d/sse", port)},
		},
	}

	mcpServer := server.NewMCPServer(serverName, "1.0.0",
		server.WithToolCapabilities(true),
	)
	b.registerTools(mcpServer, sender)

	b.sseServer = server.NewSSEServer(mcpServer,
		server.WithBaseURL(fmt.Sprintf("http://localhost:%d", port)),
	)

	go func() {
		if err := b.sseServer.Start(fmt.Sprintf(":%d", port)); err != nil {
			b.log.Warn("mcp bridge server stopped", zap.Error(err))
		}
	}()

	b.log.Info("mcp bridge started", zap.Int("port", port))
	return b, nil
}

// registerTools exposes the hub-side tools the backend may call.
func (b *Bridge) registerTools(s *server.MCPServer, sender ToolSender) {
	s.AddTool(
		mcp.NewTool("notify_user",
			mcp.WithDescription("Send a status message to the user through the hub."),
			mcp.WithString("message", mcp.Required(), mcp.Description("The message text.")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			message := req.GetString("message", "")
			sender.SendCodexMessage(map[string]any{
				"type":    "message",
				"message": message,
			})
			return mcp.NewToolResultText("delivered"), nil
		},
	)
}

// Stop shuts the bundled server down.
func (b *Bridge) Stop() {
	if b.sseServer != nil {
		if err := b.sseServer.Shutdown(context.Background()); err != nil {
			b.log.Warn("mcp bridge shutdown failed", zap.Error(err))
		}
	}
}
