// Package appserver implements the app-server transport: it spawns
// `codex app-server`, speaks line-delimited JSON-RPC over its stdio, and
// canonicalizes notifications through the app-server converter.
package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	converter "github.com/hapihub/codex-bridge/internal/bridge/appserver"
	"github.com/hapihub/codex-bridge/internal/bridge/codexerr"
	"github.com/hapihub/codex-bridge/internal/bridge/events"
	"github.com/hapihub/codex-bridge/internal/bridge/transport"
	"github.com/hapihub/codex-bridge/internal/common/logger"
	"github.com/hapihub/codex-bridge/internal/common/tracing"
	"github.com/hapihub/codex-bridge/pkg/codex"
	"go.uber.org/zap"
)

const clientName = "codex-bridge"

// Transport drives the codex app-server subprocess.
type Transport struct {
	log      *logger.Logger
	codexBin string

	events    chan events.Event
	converter *converter.Converter
	stderr    *stderrRing

	mu        sync.Mutex
	cmd       *exec.Cmd
	conn      *codex.Conn
	cancel    context.CancelFunc
	threadID  string
	turnID    string
	approvals map[string]json.RawMessage // call_id -> reverse request id
	closed    bool
}

// New creates an app-server transport launching codexBin.
func New(codexBin string, log *logger.Logger) *Transport {
	t := &Transport{
		log:       log.WithFields(zap.String("transport", "app-server")),
		codexBin:  codexBin,
		events:    make(chan events.Event, 256),
		stderr:    newStderrRing(50),
		approvals: make(map[string]json.RawMessage),
	}
	t.converter = converter.NewConverter(t.emit, log)
	return t
}

// Kind returns the transport identity.
func (t *Transport) Kind() transport.Kind { return transport.KindAppServer }

// Events returns the canonical event stream.
func (t *Transport) Events() <-chan events.Event { return t.events }

// SupportsResume reports thread/resume availability.
func (t *Transport) SupportsResume() bool { return true }

func (t *Transport) emit(ev events.Event) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	switch ev.Type {
	case events.TypeThreadStarted:
		if ev.ThreadID != "" {
			t.threadID = ev.ThreadID
		}
	case events.TypeTaskStarted:
		if ev.TurnID != "" {
			t.turnID = ev.TurnID
		}
	}
	t.mu.Unlock()
	select {
	case t.events <- ev:
	default:
		t.log.Warn("events channel full, dropping event", zap.String("type", string(ev.Type)))
	}
}

// Connect spawns the subprocess and performs the initialize handshake.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport already connected")
	}
	t.mu.Unlock()

	cmd := exec.Command(t.codexBin, "app-server")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s app-server: %w", t.codexBin, err)
	}

	go t.stderr.consume(stderr)

	conn := codex.NewConn(stdin, stdout, t.log)
	conn.OnNotification(t.converter.HandleNotification)
	conn.OnRequest(t.handleRequest)

	connCtx, cancel := context.WithCancel(context.Background())
	conn.Listen(connCtx)

	if _, err := conn.Call(ctx, codex.MethodInitialize, &codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: clientName, Version: "1.0.0"},
	}); err != nil {
		cancel()
		conn.Close()
		_ = cmd.Process.Kill()
		return fmt.Errorf("initialize failed: %w", err)
	}
	if err := conn.Notify(codex.MethodInitialized, nil); err != nil {
		t.log.Warn("failed to send initialized notification", zap.Error(err))
	}

	t.mu.Lock()
	t.cmd = cmd
	t.conn = conn
	t.cancel = cancel
	t.mu.Unlock()

	t.log.Info("connected to codex app-server")
	return nil
}

// handleRequest processes approval reverse requests: the request surfaces as
// an exec_approval_request canonical event and its wire id is parked until
// ResolveApproval answers it.
func (t *Transport) handleRequest(id json.RawMessage, method string, params json.RawMessage) {
	switch method {
	case codex.RequestCmdExecApproval, codex.RequestFileChangeApproval, codex.RequestToolApproval:
	default:
		t.log.Warn("unhandled request", zap.String("method", method))
		t.respondError(id, codex.MethodNotFound, "method not found")
		return
	}

	var req codex.CommandApprovalParams
	if err := json.Unmarshal(params, &req); err != nil {
		t.log.Warn("failed to parse approval request", zap.Error(err))
		t.respondError(id, codex.InvalidParams, "invalid params")
		return
	}
	callID := req.ItemID
	if callID == "" {
		callID = fmt.Sprintf("approval-%s", string(id))
	}

	t.mu.Lock()
	t.approvals[callID] = id
	t.mu.Unlock()

	ev := events.Event{
		Type:    events.TypeExecApprovalRequest,
		CallID:  callID,
		Command: req.Command,
		Cwd:     req.Cwd,
		Message: req.Reasoning,
	}
	if method == codex.RequestFileChangeApproval {
		var fc codex.FileChangeApprovalParams
		_ = json.Unmarshal(params, &fc)
		ev.Command = ""
		ev.Tool = "fileChange"
		ev.Message = fc.Reasoning
	}
	t.emit(ev)
}

func (t *Transport) respondError(id json.RawMessage, code int, message string) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.RespondError(id, code, message); err != nil {
		t.log.Warn("failed to send error response", zap.Error(err))
	}
}

// ResolveApproval answers a parked approval request with the hub's decision.
func (t *Transport) ResolveApproval(callID, decision, reason string) {
	t.mu.Lock()
	id, ok := t.approvals[callID]
	if ok {
		delete(t.approvals, callID)
	}
	conn := t.conn
	t.mu.Unlock()
	if !ok || conn == nil {
		return
	}

	if err := conn.Respond(id, &codex.ApprovalResponse{
		Decision: mapDecision(decision),
	}); err != nil {
		t.log.Warn("failed to send approval response", zap.Error(err))
	}
}

// mapDecision maps a hub decision string onto the Codex decision set.
func mapDecision(decision string) string {
	switch decision {
	case "approve", "allow", codex.DecisionAccept:
		return codex.DecisionAccept
	case "approveAlways", "allowAlways", codex.DecisionAcceptSession:
		return codex.DecisionAcceptSession
	case "reject", "deny", codex.DecisionDecline:
		return codex.DecisionDecline
	case codex.DecisionCancel:
		return codex.DecisionCancel
	default:
		if decision != "" {
			return decision
		}
		return codex.DecisionDecline
	}
}

// StartThread starts a fresh thread.
func (t *Transport) StartThread(ctx context.Context, opts transport.Options) (string, error) {
	raw, err := t.call(ctx, codex.MethodThreadStart, &codex.ThreadStartParams{
		Model:          opts.Model,
		Cwd:            opts.Cwd,
		ApprovalPolicy: opts.ApprovalPolicy,
		Sandbox:        opts.Sandbox,
	})
	if err != nil {
		return "", err
	}
	threadID := threadIDFromResult(raw)
	t.mu.Lock()
	t.threadID = threadID
	t.mu.Unlock()
	return threadID, nil
}

// ResumeThread resumes an existing thread.
func (t *Transport) ResumeThread(ctx context.Context, threadID string, opts transport.Options) (string, error) {
	raw, err := t.call(ctx, codex.MethodThreadResume, &codex.ThreadResumeParams{
		ThreadID:       threadID,
		Cwd:            opts.Cwd,
		ApprovalPolicy: opts.ApprovalPolicy,
		SandboxPolicy:  sandboxPolicy(opts),
	})
	if err != nil {
		return "", err
	}
	resumed := threadIDFromResult(raw)
	if resumed == "" {
		resumed = threadID
	}
	t.mu.Lock()
	t.threadID = resumed
	t.mu.Unlock()
	return resumed, nil
}

// StartTurn submits a user message on the bound thread.
func (t *Transport) StartTurn(ctx context.Context, input string, opts transport.Options) error {
	t.mu.Lock()
	threadID := t.threadID
	t.mu.Unlock()
	if threadID == "" {
		return fmt.Errorf("no thread bound")
	}

	raw, err := t.call(ctx, codex.MethodTurnStart, &codex.TurnStartParams{
		ThreadID:       threadID,
		Input:          []codex.UserInput{{Type: "text", Text: input}},
		Cwd:            opts.Cwd,
		Model:          opts.Model,
		Effort:         opts.ReasoningEffort,
		ApprovalPolicy: opts.ApprovalPolicy,
		SandboxPolicy:  sandboxPolicy(opts),
	})
	if err != nil {
		return err
	}

	var result codex.TurnStartResult
	if err := json.Unmarshal(raw, &result); err == nil && result.Turn != nil {
		t.mu.Lock()
		t.turnID = result.Turn.ID
		t.mu.Unlock()
	}
	return nil
}

// InterruptTurn cancels the in-flight turn; the app-server requires both ids.
func (t *Transport) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	if threadID == "" || turnID == "" {
		return fmt.Errorf("interrupt requires thread and turn ids")
	}
	_, err := t.call(ctx, codex.MethodTurnInterrupt, &codex.TurnInterruptParams{
		ThreadID: threadID,
		TurnID:   turnID,
	})
	return err
}

// call wraps Conn.Call with a trace span and stderr-based error context.
func (t *Transport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("transport not connected")
	}

	ctx, finish := tracing.StartRPC(ctx, "app-server", method)
	raw, err := conn.Call(ctx, method, params)
	finish(err)
	if err != nil {
		// A bare RPC failure often has a richer explanation on stderr.
		if be := codexerr.FromStderr(t.stderr.Lines()); be != nil {
			return nil, fmt.Errorf("%s: %w", be.Message, err)
		}
		return nil, err
	}
	return raw, nil
}

// ClearThread forgets the bound thread and turn.
func (t *Transport) ClearThread() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threadID = ""
	t.turnID = ""
	t.approvals = make(map[string]json.RawMessage)
	t.converter.Reset()
}

// Disconnect stops the connection, terminates the subprocess, and closes
// the event stream.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	cancel := t.cancel
	cmd := t.cmd
	t.conn = nil
	t.cmd = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if cmd != nil {
		// The stdin pipe is not closed first; the subprocess is killed.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	close(t.events)
	return nil
}

func threadIDFromResult(raw json.RawMessage) string {
	var result codex.ThreadResult
	if err := json.Unmarshal(raw, &result); err != nil || result.Thread == nil {
		return ""
	}
	return result.Thread.ID
}

// sandboxPolicy expands the sandbox name into a policy object, granting the
// working directory as a writable root in workspace-write mode.
func sandboxPolicy(opts transport.Options) *codex.SandboxPolicy {
	switch opts.Sandbox {
	case "read-only":
		return &codex.SandboxPolicy{Type: "read-only"}
	case "danger-full-access":
		return &codex.SandboxPolicy{Type: "danger-full-access"}
	case "", "workspace-write":
		policy := &codex.SandboxPolicy{Type: "workspace-write", NetworkAccess: true}
		if opts.Cwd != "" {
			policy.WritableRoots = []string{opts.Cwd}
		}
		return policy
	default:
		return &codex.SandboxPolicy{Type: opts.Sandbox}
	}
}
