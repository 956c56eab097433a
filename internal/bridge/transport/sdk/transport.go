// Package sdk implements the SDK transport: it drives a native Codex SDK
// client whose turn calls yield an asynchronous event iterator, and
// canonicalizes the events through the SDK mapper.
package sdk

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/hapihub/codex-bridge/internal/bridge/events"
	"github.com/hapihub/codex-bridge/internal/bridge/sdkmapper"
	"github.com/hapihub/codex-bridge/internal/bridge/transport"
	"github.com/hapihub/codex-bridge/internal/common/logger"
	"go.uber.org/zap"
)

// EventIterator yields SDK events until io.EOF.
type EventIterator interface {
	Next(ctx context.Context) (map[string]any, error)
}

// ThreadOptions configures thread creation on the SDK client.
type ThreadOptions struct {
	Model           string
	Cwd             string
	ApprovalPolicy  string
	Sandbox         string
	ReasoningEffort string
	MCPServers      map[string]string
}

// Client is the native SDK surface the transport consumes. The SDK itself is
// an external collaborator; the bridge only depends on this interface.
type Client interface {
	Connect(ctx context.Context) error
	StartThread(ctx context.Context, opts ThreadOptions) (string, error)
	ResumeThread(ctx context.Context, threadID string, opts ThreadOptions) (string, error)
	StartTurn(ctx context.Context, input string, opts ThreadOptions) (EventIterator, error)
	InterruptTurn(ctx context.Context) error
	ClearThread()
	Disconnect() error
}

// Transport adapts a Client to the launcher's transport interface.
type Transport struct {
	log    *logger.Logger
	client Client

	events chan events.Event
	mapper *sdkmapper.Mapper

	mu           sync.Mutex
	turnCancel   context.CancelFunc
	terminalSeen bool
	closed       bool
}

// New creates an SDK transport over client.
func New(client Client, log *logger.Logger) *Transport {
	t := &Transport{
		log:    log.WithFields(zap.String("transport", "sdk")),
		client: client,
		events: make(chan events.Event, 256),
	}
	t.mapper = sdkmapper.NewMapper(t.emit, log)
	return t
}

// Kind returns the transport identity.
func (t *Transport) Kind() transport.Kind { return transport.KindSDK }

// Events returns the canonical event stream.
func (t *Transport) Events() <-chan events.Event { return t.events }

// SupportsResume reports resumeThread availability.
func (t *Transport) SupportsResume() bool { return true }

func (t *Transport) emit(ev events.Event) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
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

// Connect establishes the SDK connection.
func (t *Transport) Connect(ctx context.Context) error {
	return t.client.Connect(ctx)
}

// StartThread starts a fresh SDK thread.
func (t *Transport) StartThread(ctx context.Context, opts transport.Options) (string, error) {
	return t.client.StartThread(ctx, threadOptions(opts))
}

// ResumeThread resumes an existing SDK thread.
func (t *Transport) ResumeThread(ctx context.Context, threadID string, opts transport.Options) (string, error) {
	return t.client.ResumeThread(ctx, threadID, threadOptions(opts))
}

// StartTurn starts a turn and pumps its event iterator through the mapper in
// the background. Completion and failure surface on the event stream.
func (t *Transport) StartTurn(ctx context.Context, input string, opts transport.Options) error {
	turnCtx, cancel := context.WithCancel(ctx)

	iter, err := t.client.StartTurn(turnCtx, input, threadOptions(opts))
	if err != nil {
		cancel()
		return err
	}

	t.mu.Lock()
	t.turnCancel = cancel
	t.terminalSeen = false
	t.mu.Unlock()

	go t.pump(turnCtx, iter)
	return nil
}

// pump drains the iterator. Cancellation converts to turn_aborted; other
// iterator failures convert to stream_error followed by task_failed so the
// turn always terminates.
func (t *Transport) pump(ctx context.Context, iter EventIterator) {
	for {
		ev, err := iter.Next(ctx)
		if err != nil {
			t.mu.Lock()
			terminalSeen := t.terminalSeen
			t.mu.Unlock()
			switch {
			case errors.Is(err, io.EOF):
				if !terminalSeen {
					t.emit(events.Event{
						Type:    events.TypeTaskFailed,
						Message: "event stream ended before turn completion",
					})
				}
			case errors.Is(err, context.Canceled):
				if !terminalSeen {
					t.emit(events.Event{Type: events.TypeTurnAborted, TurnID: t.mapper.TurnID()})
				}
			default:
				t.emit(events.Event{Type: events.TypeStreamError, Message: err.Error()})
				if !terminalSeen {
					t.emit(events.Event{Type: events.TypeTaskFailed, Message: err.Error()})
				}
			}
			return
		}
		t.mapper.HandleEvent(ev)
	}
}

// InterruptTurn cancels the in-flight turn through the SDK's own interrupt.
func (t *Transport) InterruptTurn(ctx context.Context, _, _ string) error {
	t.mu.Lock()
	cancel := t.turnCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return t.client.InterruptTurn(ctx)
}

// ResolveApproval is a no-op: the SDK has no approval-callback bridge, which
// is why its default approval policy is on-failure.
func (t *Transport) ResolveApproval(_, _, _ string) {}

// ClearThread forgets the bound thread.
func (t *Transport) ClearThread() {
	t.client.ClearThread()
	t.mapper.Reset()
}

// Disconnect tears the SDK client down and closes the event stream.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.turnCancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := t.client.Disconnect()
	close(t.events)
	return err
}

func threadOptions(opts transport.Options) ThreadOptions {
	return ThreadOptions{
		Model:           opts.Model,
		Cwd:             opts.Cwd,
		ApprovalPolicy:  opts.ApprovalPolicy,
		Sandbox:         opts.Sandbox,
		ReasoningEffort: opts.ReasoningEffort,
		MCPServers:      opts.MCPServers,
	}
}
