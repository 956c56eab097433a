// Package mcpserver implements the MCP transport: it drives `codex
// mcp-server` through an MCP stdio client. Turn events arrive as codex/event
// notifications wrapped in event_msg / response_item envelopes, which are
// stripped before canonicalization.
package mcpserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	converter "github.com/hapihub/codex-bridge/internal/bridge/appserver"
	"github.com/hapihub/codex-bridge/internal/bridge/events"
	"github.com/hapihub/codex-bridge/internal/bridge/mcpwrap"
	"github.com/hapihub/codex-bridge/internal/bridge/transport"
	"github.com/hapihub/codex-bridge/internal/common/logger"
	"github.com/hapihub/codex-bridge/internal/common/tracing"
	"go.uber.org/zap"
)

// Tool names exposed by codex mcp-server.
const (
	toolCodex      = "codex"
	toolCodexReply = "codex-reply"
)

// Transport drives the codex mcp-server subprocess.
type Transport struct {
	log      *logger.Logger
	codexBin string

	events    chan events.Event
	converter *converter.Converter

	mu             sync.Mutex
	client         *client.Client
	sessionStarted bool
	conversationID string
	sessionConfig  transport.Options
	terminalSeen   bool
	closed         bool
}

// New creates an MCP transport launching codexBin.
func New(codexBin string, log *logger.Logger) *Transport {
	t := &Transport{
		log:      log.WithFields(zap.String("transport", "mcp")),
		codexBin: codexBin,
		events:   make(chan events.Event, 256),
	}
	t.converter = converter.NewConverter(t.emit, log)
	return t
}

// Kind returns the transport identity.
func (t *Transport) Kind() transport.Kind { return transport.KindMCP }

// Events returns the canonical event stream.
func (t *Transport) Events() <-chan events.Event { return t.events }

// SupportsResume is false: a cleared MCP session always starts fresh.
func (t *Transport) SupportsResume() bool { return false }

func (t *Transport) emit(ev events.Event) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if ev.Type == events.TypeThreadStarted && ev.ThreadID != "" {
		t.conversationID = ev.ThreadID
	}
	if ev.Type.Terminal() {
		t.terminalSeen = true
	}
	t.mu.Unlock()
	select {
	case t.events <- ev:
	default:
		t.log.Warn("events channel full, dropping event", zap.String("type", string(ev.Type)))
	}
}

// Connect spawns the subprocess and performs the MCP handshake.
func (t *Transport) Connect(ctx context.Context) error {
	c, err := client.NewStdioMCPClient(t.codexBin, nil, "mcp-server")
	if err != nil {
		return fmt.Errorf("failed to start %s mcp-server: %w", t.codexBin, err)
	}

	c.OnNotification(t.handleNotification)

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "codex-bridge", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return fmt.Errorf("mcp initialize failed: %w", err)
	}

	t.mu.Lock()
	t.client = c
	t.mu.Unlock()

	t.log.Info("connected to codex mcp-server")
	return nil
}

// handleNotification strips MCP envelopes and feeds the converter.
func (t *Transport) handleNotification(n mcp.JSONRPCNotification) {
	params := map[string]any{}
	for k, v := range n.Params.AdditionalFields {
		params[k] = v
	}
	if mcpwrap.IsEnvelope(params) {
		name, payload := mcpwrap.Unwrap(params)
		t.converter.HandleEvent(name, payload)
		return
	}
	t.converter.HandleNotificationMap(n.Method, params)
}

// StartThread records the session configuration; the backend session itself
// starts lazily with the first turn.
func (t *Transport) StartThread(_ context.Context, opts transport.Options) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return "", fmt.Errorf("transport not connected")
	}
	t.sessionConfig = opts
	t.sessionStarted = false
	t.conversationID = ""
	return "", nil
}

// ResumeThread is unsupported: the MCP backend cannot rebind a cleared
// session, so resume degrades to a fresh start.
func (t *Transport) ResumeThread(ctx context.Context, _ string, opts transport.Options) (string, error) {
	return t.StartThread(ctx, opts)
}

// StartTurn invokes the codex tool (first turn) or codex-reply (follow-ups)
// in the background. The tool call blocks for the whole turn; events stream
// through notifications meanwhile.
func (t *Transport) StartTurn(ctx context.Context, input string, opts transport.Options) error {
	t.mu.Lock()
	if t.client == nil {
		t.mu.Unlock()
		return fmt.Errorf("transport not connected")
	}
	c := t.client
	started := t.sessionStarted
	conversationID := t.conversationID
	t.sessionStarted = true
	t.terminalSeen = false
	t.mu.Unlock()

	req := mcp.CallToolRequest{}
	if !started {
		req.Params.Name = toolCodex
		args := map[string]any{
			"prompt":          input,
			"cwd":             opts.Cwd,
			"approval-policy": opts.ApprovalPolicy,
			"sandbox":         opts.Sandbox,
		}
		if opts.Model != "" {
			args["model"] = opts.Model
		}
		cfg := map[string]any{}
		if opts.ReasoningEffort != "" {
			cfg["model_reasoning_effort"] = opts.ReasoningEffort
		}
		if len(opts.MCPServers) > 0 {
			servers := map[string]any{}
			for name, url := range opts.MCPServers {
				servers[name] = map[string]any{"url": url}
			}
			cfg["mcp_servers"] = servers
		}
		if len(cfg) > 0 {
			args["config"] = cfg
		}
		req.Params.Arguments = args
	} else {
		req.Params.Name = toolCodexReply
		req.Params.Arguments = map[string]any{
			"prompt":         input,
			"conversationId": conversationID,
			"sessionId":      conversationID,
		}
	}

	go t.runTurn(ctx, c, req)
	return nil
}

// runTurn executes the blocking tool call and guarantees a terminal event.
func (t *Transport) runTurn(ctx context.Context, c *client.Client, req mcp.CallToolRequest) {
	ctx, finish := tracing.StartRPC(ctx, "mcp", req.Params.Name)
	result, err := c.CallTool(ctx, req)
	finish(err)

	t.mu.Lock()
	terminalSeen := t.terminalSeen
	t.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		if !terminalSeen {
			t.emit(events.Event{Type: events.TypeTurnAborted})
		}
	case err != nil:
		if !terminalSeen {
			t.emit(events.Event{Type: events.TypeTaskFailed, Message: err.Error()})
		}
	case result != nil && result.IsError:
		if !terminalSeen {
			t.emit(events.Event{Type: events.TypeTaskFailed, Message: toolResultText(result)})
		}
	default:
		if !terminalSeen {
			t.emit(events.Event{Type: events.TypeTaskComplete})
		}
	}
}

// toolResultText flattens a tool result's text content.
func toolResultText(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return "tool call failed"
}

// InterruptTurn is unavailable on the MCP backend; the launcher synthesizes
// the abort.
func (t *Transport) InterruptTurn(context.Context, string, string) error {
	return nil
}

// ResolveApproval is a no-op: approvals are policy-driven on this backend.
func (t *Transport) ResolveApproval(_, _, _ string) {}

// ClearThread drops the session so the next message starts fresh.
func (t *Transport) ClearThread() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionStarted = false
	t.conversationID = ""
	t.converter.Reset()
}

// Disconnect closes the MCP client and the event stream.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	c := t.client
	t.client = nil
	t.mu.Unlock()

	var err error
	if c != nil {
		err = c.Close()
	}
	close(t.events)
	return err
}
