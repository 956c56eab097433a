package launcher

import (
	"fmt"

	"github.com/hapihub/codex-bridge/internal/bridge/permission"
	"github.com/hapihub/codex-bridge/internal/bridge/session"
	"github.com/hapihub/codex-bridge/internal/bridge/shared"
)

// RPC methods registered on the hub link.
const (
	rpcAbort            = "abort"
	rpcSwitchToLocal    = "switchToLocal"
	rpcUserMessage      = "userMessage"
	rpcApproveCommand   = "approveCommandExecution"
	rpcApproveFile      = "approveFileChange"
	rpcApproveToolInput = "approveToolInput"
)

var rpcMethods = []string{
	rpcAbort, rpcSwitchToLocal, rpcUserMessage,
	rpcApproveCommand, rpcApproveFile, rpcApproveToolInput,
}

// registerHandlers binds the hub RPC surface.
func (l *Launcher) registerHandlers() {
	l.hub.RegisterHandler(rpcAbort, func(map[string]any) (any, error) {
		l.Abort()
		return map[string]any{"ok": true}, nil
	})

	l.hub.RegisterHandler(rpcSwitchToLocal, func(map[string]any) (any, error) {
		go l.Stop(ReasonSwitch)
		return map[string]any{"ok": true}, nil
	})

	l.hub.RegisterHandler(rpcUserMessage, l.handleUserMessage)

	decision := l.handleApprovalDecision
	l.hub.RegisterHandler(rpcApproveCommand, decision)
	l.hub.RegisterHandler(rpcApproveFile, decision)
	l.hub.RegisterHandler(rpcApproveToolInput, decision)
}

// deregisterHandlers unbinds the RPC surface on shutdown.
func (l *Launcher) deregisterHandlers() {
	for _, method := range rpcMethods {
		l.hub.DeregisterHandler(method)
	}
}

// handleUserMessage enqueues an inbound prompt, deriving the mode from the
// request with the session's mode as baseline.
func (l *Launcher) handleUserMessage(params map[string]any) (any, error) {
	message := shared.GetString(params, "message", "text")
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}

	mode := l.sess.Mode()
	if rawMode := shared.GetMap(params, "mode"); rawMode != nil {
		if pm := shared.GetString(rawMode, "permission_mode", "permissionMode"); pm != "" {
			mode.PermissionMode = session.PermissionMode(pm)
		}
		if model := shared.GetString(rawMode, "model"); model != "" {
			mode.Model = model
		}
		if effort := shared.GetString(rawMode, "reasoning_effort", "reasoningEffort"); effort != "" {
			mode.ReasoningEffort = effort
		}
	}

	var err error
	if shared.GetBool(params, "isolate") {
		err = l.q.PushIsolated(message, mode)
	} else {
		err = l.q.Push(message, mode)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"queued": l.q.Size()}, nil
}

// handleApprovalDecision resolves an outstanding approval request with the
// hub's decision.
func (l *Launcher) handleApprovalDecision(params map[string]any) (any, error) {
	id := shared.GetString(params, "id", "call_id", "callId")
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	l.perm.OnComplete(permission.Decision{
		ID:       id,
		Decision: shared.GetString(params, "decision"),
		Reason:   shared.GetString(params, "reason"),
		Approved: shared.GetBool(params, "approved"),
	})
	return map[string]any{"ok": true}, nil
}
