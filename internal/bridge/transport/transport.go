// Package transport defines the interface the launcher drives and the
// mapping from permission modes to backend options. Three implementations
// exist: app-server, SDK, and MCP.
package transport

import (
	"context"

	"github.com/hapihub/codex-bridge/internal/bridge/events"
	"github.com/hapihub/codex-bridge/internal/bridge/session"
)

// Kind identifies a transport implementation.
type Kind string

// Transport kinds.
const (
	KindAppServer Kind = "app-server"
	KindSDK       Kind = "sdk"
	KindMCP       Kind = "mcp"
)

// Select picks the transport kind from the environment. Evaluated once at
// launcher construction; the choice is immutable afterwards.
func Select(getenv func(string) string) Kind {
	if getenv("CODEX_USE_SDK") == "1" {
		return KindSDK
	}
	if getenv("CODEX_USE_MCP_SERVER") == "1" {
		return KindMCP
	}
	return KindAppServer
}

// Options carries the per-thread and per-turn backend configuration derived
// from the session mode.
type Options struct {
	Model           string
	Cwd             string
	ApprovalPolicy  string
	Sandbox         string
	ReasoningEffort string

	// MCPServers maps server names to URLs the backend should connect to;
	// populated from the bundled MCP bridge.
	MCPServers map[string]string
}

// OptionsForMode derives backend options from an enhanced mode. The SDK has
// no approval-callback bridge, so its default policy falls back to
// on-failure. CLI overrides are honoured only in default mode.
func OptionsForMode(mode session.EnhancedMode, kind Kind, cwd string) Options {
	opts := Options{
		Model: mode.Model,
		Cwd:   cwd,
	}
	if session.ValidReasoningEffort(mode.ReasoningEffort) {
		opts.ReasoningEffort = mode.ReasoningEffort
	}

	switch mode.PermissionMode {
	case session.PermissionReadOnly:
		opts.ApprovalPolicy = "never"
		opts.Sandbox = "read-only"
	case session.PermissionSafeYolo:
		opts.ApprovalPolicy = "on-failure"
		opts.Sandbox = "workspace-write"
	case session.PermissionYolo:
		opts.ApprovalPolicy = "on-failure"
		opts.Sandbox = "danger-full-access"
	default:
		if kind == KindSDK {
			opts.ApprovalPolicy = "on-failure"
		} else {
			opts.ApprovalPolicy = "on-request"
		}
		opts.Sandbox = "workspace-write"
		if o := mode.CliOverrides; o != nil {
			if o.Sandbox != "" {
				opts.Sandbox = o.Sandbox
			}
			if o.ApprovalPolicy != "" {
				opts.ApprovalPolicy = o.ApprovalPolicy
			}
		}
	}
	return opts
}

// Transport drives one Codex backend. The launcher owns the transport
// exclusively; only the launcher calls StartTurn and InterruptTurn.
type Transport interface {
	// Kind returns the transport's identity.
	Kind() Kind

	// Connect establishes the backend connection (spawning a subprocess
	// where required).
	Connect(ctx context.Context) error

	// Events returns the canonical event stream. The channel is closed on
	// Disconnect.
	Events() <-chan events.Event

	// SupportsResume reports whether ResumeThread may be used.
	SupportsResume() bool

	// StartThread starts a fresh backend thread and returns its id, which
	// may be empty until a thread_started event arrives.
	StartThread(ctx context.Context, opts Options) (string, error)

	// ResumeThread resumes an existing thread by id.
	ResumeThread(ctx context.Context, threadID string, opts Options) (string, error)

	// StartTurn submits a user message. Completion is reported through the
	// event stream, not the return value.
	StartTurn(ctx context.Context, input string, opts Options) error

	// InterruptTurn cancels the in-flight turn. The app-server requires
	// both ids; the MCP backend has no interrupt and returns nil.
	InterruptTurn(ctx context.Context, threadID, turnID string) error

	// ResolveApproval injects an approval decision for an outstanding
	// request. No-op on transports without an approval bridge.
	ResolveApproval(id, decision, reason string)

	// ClearThread forgets the bound thread so the next StartThread begins
	// fresh.
	ClearThread()

	// Disconnect tears the backend down and closes the event stream.
	Disconnect() error
}
