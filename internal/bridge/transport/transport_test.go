package transport

import (
	"testing"

	"github.com/hapihub/codex-bridge/internal/bridge/session"
	"github.com/stretchr/testify/assert"
)

func TestSelectPrecedence(t *testing.T) {
	env := func(vars map[string]string) func(string) string {
		return func(key string) string { return vars[key] }
	}

	assert.Equal(t, KindAppServer, Select(env(nil)))
	assert.Equal(t, KindSDK, Select(env(map[string]string{"CODEX_USE_SDK": "1"})))
	assert.Equal(t, KindMCP, Select(env(map[string]string{"CODEX_USE_MCP_SERVER": "1"})))
	// SDK wins over MCP when both are set.
	assert.Equal(t, KindSDK, Select(env(map[string]string{
		"CODEX_USE_SDK":        "1",
		"CODEX_USE_MCP_SERVER": "1",
	})))
}

func TestOptionsForMode(t *testing.T) {
	tests := []struct {
		name         string
		mode         session.EnhancedMode
		kind         Kind
		wantApproval string
		wantSandbox  string
	}{
		{"default app-server", session.EnhancedMode{PermissionMode: session.PermissionDefault}, KindAppServer, "on-request", "workspace-write"},
		{"default sdk falls back to on-failure", session.EnhancedMode{PermissionMode: session.PermissionDefault}, KindSDK, "on-failure", "workspace-write"},
		{"read-only", session.EnhancedMode{PermissionMode: session.PermissionReadOnly}, KindAppServer, "never", "read-only"},
		{"safe-yolo", session.EnhancedMode{PermissionMode: session.PermissionSafeYolo}, KindAppServer, "on-failure", "workspace-write"},
		{"yolo", session.EnhancedMode{PermissionMode: session.PermissionYolo}, KindAppServer, "on-failure", "danger-full-access"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := OptionsForMode(tt.mode, tt.kind, "/work")
			assert.Equal(t, tt.wantApproval, opts.ApprovalPolicy)
			assert.Equal(t, tt.wantSandbox, opts.Sandbox)
			assert.Equal(t, "/work", opts.Cwd)
		})
	}
}

func TestCliOverridesOnlyInDefaultMode(t *testing.T) {
	overrides := &session.CliOverrides{Sandbox: "danger-full-access", ApprovalPolicy: "never"}

	opts := OptionsForMode(session.EnhancedMode{
		PermissionMode: session.PermissionDefault,
		CliOverrides:   overrides,
	}, KindAppServer, "/work")
	assert.Equal(t, "danger-full-access", opts.Sandbox)
	assert.Equal(t, "never", opts.ApprovalPolicy)

	opts = OptionsForMode(session.EnhancedMode{
		PermissionMode: session.PermissionReadOnly,
		CliOverrides:   overrides,
	}, KindAppServer, "/work")
	assert.Equal(t, "read-only", opts.Sandbox)
	assert.Equal(t, "never", opts.ApprovalPolicy)

	opts = OptionsForMode(session.EnhancedMode{
		PermissionMode: session.PermissionYolo,
		CliOverrides:   overrides,
	}, KindAppServer, "/work")
	assert.Equal(t, "danger-full-access", opts.Sandbox)
	assert.Equal(t, "on-failure", opts.ApprovalPolicy)
}

func TestReasoningEffortForwardedOnlyWhenValid(t *testing.T) {
	opts := OptionsForMode(session.EnhancedMode{
		PermissionMode:  session.PermissionDefault,
		ReasoningEffort: "xhigh",
	}, KindAppServer, "/work")
	assert.Equal(t, "xhigh", opts.ReasoningEffort)

	opts = OptionsForMode(session.EnhancedMode{
		PermissionMode:  session.PermissionDefault,
		ReasoningEffort: "ultra",
	}, KindAppServer, "/work")
	assert.Empty(t, opts.ReasoningEffort)
}
