package events

import (
	"testing"
	"time"

	"github.com/hapihub/codex-bridge/internal/common/logger"
	"github.com/stretchr/testify/assert"
)

func TestDropLoggerThrottlesPerMethod(t *testing.T) {
	d := NewDropLogger(logger.Default())

	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	d.Dropped("account/updated")
	d.Dropped("account/updated")
	d.Dropped("account/updated")

	d.mu.Lock()
	st := d.seen["account/updated"]
	suppressed := st.suppressed
	d.mu.Unlock()
	assert.Equal(t, 2, suppressed, "logs once, suppresses the rest inside the window")

	// A different method has its own window.
	d.Dropped("other/method")
	d.mu.Lock()
	other := d.seen["other/method"].suppressed
	d.mu.Unlock()
	assert.Zero(t, other)

	// After the window reopens, the rollup resets.
	now = now.Add(dropLogWindow + time.Second)
	d.Dropped("account/updated")
	d.mu.Lock()
	st = d.seen["account/updated"]
	d.mu.Unlock()
	assert.Zero(t, st.suppressed)
	assert.Equal(t, now, st.lastLogged)
}

func TestTerminalTypes(t *testing.T) {
	assert.True(t, TypeTaskComplete.Terminal())
	assert.True(t, TypeTaskFailed.Terminal())
	assert.True(t, TypeTurnAborted.Terminal())
	assert.False(t, TypeTaskStarted.Terminal())
	assert.False(t, TypeError.Terminal())
	assert.False(t, TypeAgentMessage.Terminal())
}

func TestKnownCoversCanonicalSet(t *testing.T) {
	for _, typ := range []Type{
		TypeThreadStarted, TypeTaskStarted, TypeTaskComplete, TypeTaskFailed,
		TypeTurnAborted, TypeStreamError, TypeError, TypeAgentMessage,
		TypeAgentReasoning, TypeAgentReasoningDelta, TypeAgentReasoningSectionBreak,
		TypeExecCommandBegin, TypeExecCommandEnd, TypeExecApprovalRequest,
		TypePatchApplyBegin, TypePatchApplyEnd, TypeTodoList, TypeTurnDiff,
		TypeTokenCount,
	} {
		assert.True(t, Known(typ), string(typ))
	}
	assert.False(t, Known(Type("account_updated")))
}
