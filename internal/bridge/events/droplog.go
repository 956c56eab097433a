package events

import (
	"sync"
	"time"

	"github.com/hapihub/codex-bridge/internal/common/logger"
	"go.uber.org/zap"
)

// dropLogWindow is the minimum gap between two drop logs for the same method.
const dropLogWindow = 30 * time.Second

// DropLogger rate-limits debug logging for unrecognized upstream events:
// at most one log per method per window, with a suppressed-count rollup when
// the window reopens.
type DropLogger struct {
	log *logger.Logger
	now func() time.Time

	mu   sync.Mutex
	seen map[string]*dropState
}

type dropState struct {
	lastLogged time.Time
	suppressed int
}

// NewDropLogger creates a DropLogger writing through log.
func NewDropLogger(log *logger.Logger) *DropLogger {
	return &DropLogger{
		log:  log,
		now:  time.Now,
		seen: make(map[string]*dropState),
	}
}

// Dropped records that an upstream event with the given method was dropped.
func (d *DropLogger) Dropped(method string, fields ...zap.Field) {
	d.mu.Lock()
	st, ok := d.seen[method]
	if !ok {
		st = &dropState{}
		d.seen[method] = st
	}
	now := d.now()
	if !st.lastLogged.IsZero() && now.Sub(st.lastLogged) < dropLogWindow {
		st.suppressed++
		d.mu.Unlock()
		return
	}
	suppressed := st.suppressed
	st.suppressed = 0
	st.lastLogged = now
	d.mu.Unlock()

	fields = append(fields, zap.String("method", method))
	if suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", suppressed))
	}
	d.log.Debug("dropped unrecognized event", fields...)
}
