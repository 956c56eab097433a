package launcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hapihub/codex-bridge/internal/bridge/events"
	"github.com/hapihub/codex-bridge/internal/bridge/msgbuffer"
	"github.com/hapihub/codex-bridge/internal/bridge/queue"
	"github.com/hapihub/codex-bridge/internal/bridge/session"
	"github.com/hapihub/codex-bridge/internal/bridge/transport"
	"github.com/hapihub/codex-bridge/internal/common/config"
	"github.com/hapihub/codex-bridge/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scriptable transport for launcher tests.
type fakeTransport struct {
	kind transport.Kind
	ch   chan events.Event

	mu               sync.Mutex
	threadStarts     int
	resumes          int
	interrupts       int
	cleared          int
	turnInputs       []string
	turnStartErr     error
	abortOnInterrupt bool
	turnStartedCh    chan string
	disconnected     bool
}

func newFakeTransport(kind transport.Kind) *fakeTransport {
	return &fakeTransport{
		kind:          kind,
		ch:            make(chan events.Event, 64),
		turnStartedCh: make(chan string, 16),
	}
}

func (f *fakeTransport) Kind() transport.Kind          { return f.kind }
func (f *fakeTransport) Connect(context.Context) error { return nil }
func (f *fakeTransport) Events() <-chan events.Event   { return f.ch }
func (f *fakeTransport) SupportsResume() bool          { return true }

func (f *fakeTransport) StartThread(context.Context, transport.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadStarts++
	return fmt.Sprintf("th-%d", f.threadStarts), nil
}

func (f *fakeTransport) ResumeThread(_ context.Context, threadID string, _ transport.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	return threadID, nil
}

func (f *fakeTransport) StartTurn(_ context.Context, input string, _ transport.Options) error {
	f.mu.Lock()
	err := f.turnStartErr
	if err == nil {
		f.turnInputs = append(f.turnInputs, input)
	}
	f.mu.Unlock()
	if err == nil {
		f.turnStartedCh <- input
	}
	return err
}

func (f *fakeTransport) InterruptTurn(_ context.Context, _, turnID string) error {
	f.mu.Lock()
	f.interrupts++
	abort := f.abortOnInterrupt
	f.mu.Unlock()
	if abort {
		f.emit(events.Event{Type: events.TypeTurnAborted, TurnID: turnID})
	}
	return nil
}

func (f *fakeTransport) ResolveApproval(_, _, _ string) {}

func (f *fakeTransport) ClearThread() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.disconnected {
		f.disconnected = true
		close(f.ch)
	}
	return nil
}

func (f *fakeTransport) emit(ev events.Event) { f.ch <- ev }

func (f *fakeTransport) counts() (threadStarts, resumes, interrupts, cleared int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threadStarts, f.resumes, f.interrupts, f.cleared
}

// fakeHub records everything the launcher tells the hub.
type fakeHub struct {
	mu            sync.Mutex
	handlers      map[string]Handler
	codexMsgs     []map[string]any
	sessionEvents []map[string]any
	thinking      []bool
	state         map[string]any
	readyCh       chan struct{}
	messageCh     chan string
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		handlers:  make(map[string]Handler),
		state:     make(map[string]any),
		readyCh:   make(chan struct{}, 16),
		messageCh: make(chan string, 16),
	}
}

func (h *fakeHub) RegisterHandler(method string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[method] = handler
}

func (h *fakeHub) DeregisterHandler(method string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, method)
}

func (h *fakeHub) SendCodexMessage(msg map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.codexMsgs = append(h.codexMsgs, msg)
}

func (h *fakeHub) SendSessionEvent(event map[string]any) {
	h.mu.Lock()
	h.sessionEvents = append(h.sessionEvents, event)
	h.mu.Unlock()

	switch event["type"] {
	case "ready":
		h.readyCh <- struct{}{}
	case "message":
		if msg, ok := event["message"].(string); ok {
			h.messageCh <- msg
		}
	}
}

func (h *fakeHub) UpdateAgentState(fn func(map[string]any) map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = fn(h.state)
	if v, ok := h.state["thinking"].(bool); ok {
		h.thinking = append(h.thinking, v)
	}
}

func (h *fakeHub) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, msg := range h.codexMsgs {
		if msg["type"] != "codex-event" {
			continue
		}
		if ev, ok := msg["event"].(map[string]any); ok {
			out = append(out, ev["type"].(string))
		}
	}
	return out
}

func (h *fakeHub) thinkingTransitions() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.thinking...)
}

func (h *fakeHub) sessionEventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessionEvents)
}

func testConfig() *config.Config {
	return &config.Config{
		Watchdog: config.WatchdogConfig{Interval: 3600, StallThreshold: 90},
	}
}

type harness struct {
	l    *Launcher
	tr   *fakeTransport
	hub  *fakeHub
	q    *queue.Queue
	sess *session.Session
	done chan struct{}
}

func newHarness(t *testing.T, kind transport.Kind) *harness {
	t.Helper()
	tr := newFakeTransport(kind)
	hubClient := newFakeHub()
	q := queue.New(100)
	sess := session.New("/work")
	l := New(testConfig(), sess, q, msgbuffer.New(100), hubClient, tr, logger.Default())

	h := &harness{l: l, tr: tr, hub: hubClient, q: q, sess: sess, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		_, _ = l.Run(context.Background())
	}()
	t.Cleanup(func() {
		l.Stop(ReasonExit)
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("launcher did not stop")
		}
	})
	return h
}

func (h *harness) awaitTurnStart(t *testing.T) {
	t.Helper()
	select {
	case <-h.tr.turnStartedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not start")
	}
}

func (h *harness) awaitReady(t *testing.T) {
	t.Helper()
	select {
	case <-h.hub.readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no ready event")
	}
}

var defaultMode = session.EnhancedMode{PermissionMode: session.PermissionDefault}

func TestHappyPathTurn(t *testing.T) {
	h := newHarness(t, transport.KindAppServer)

	require.NoError(t, h.q.Push("hello", defaultMode))
	h.awaitTurnStart(t)

	h.tr.emit(events.Event{Type: events.TypeThreadStarted, ThreadID: "th-1"})
	h.tr.emit(events.Event{Type: events.TypeTaskStarted, TurnID: "tu-1"})
	h.tr.emit(events.Event{Type: events.TypeAgentMessage, Message: "done"})
	h.tr.emit(events.Event{Type: events.TypeTaskComplete, TurnID: "tu-1"})
	h.awaitReady(t)

	types := h.hub.eventTypes()
	assert.Contains(t, types, "task_started")
	assert.Contains(t, types, "agent_message")
	assert.Contains(t, types, "task_complete")

	transitions := h.hub.thinkingTransitions()
	require.NotEmpty(t, transitions)
	assert.True(t, transitions[0], "thinking goes true when the turn starts")
	assert.False(t, transitions[len(transitions)-1], "thinking ends false")

	assert.Equal(t, "th-1", h.sess.SessionID())
	assert.False(t, h.sess.Thinking())
}

func TestAbortDuringTurn(t *testing.T) {
	h := newHarness(t, transport.KindAppServer)
	h.tr.abortOnInterrupt = true

	require.NoError(t, h.q.Push("long task", defaultMode))
	h.awaitTurnStart(t)
	h.tr.emit(events.Event{Type: events.TypeTaskStarted, TurnID: "tu-1"})

	// Let the demux record the turn id before aborting.
	require.Eventually(t, func() bool {
		h.l.mu.Lock()
		defer h.l.mu.Unlock()
		return h.l.currentTurnID == "tu-1"
	}, time.Second, 5*time.Millisecond)

	h.l.Abort()
	h.awaitReady(t)

	_, _, interrupts, _ := h.tr.counts()
	assert.Equal(t, 1, interrupts)
	assert.Contains(t, h.hub.eventTypes(), "turn_aborted")
	assert.Zero(t, h.q.Size())
	assert.False(t, h.sess.Thinking())

	// The session stays alive: the next message starts a new turn on the
	// same thread.
	require.NoError(t, h.q.Push("again", defaultMode))
	h.awaitTurnStart(t)
	threadStarts, _, _, _ := h.tr.counts()
	assert.Equal(t, 1, threadStarts)
}

func TestAbortWhileIdleIsNoOp(t *testing.T) {
	h := newHarness(t, transport.KindAppServer)

	h.l.Abort()
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, h.hub.sessionEventCount(), "no events emitted")
	_, _, interrupts, _ := h.tr.counts()
	assert.Zero(t, interrupts)

	// A subsequent message starts a turn normally.
	require.NoError(t, h.q.Push("after idle abort", defaultMode))
	h.awaitTurnStart(t)
	h.tr.emit(events.Event{Type: events.TypeTaskComplete})
	h.awaitReady(t)
}

func TestSessionInvalidationRestartsOnNextMessage(t *testing.T) {
	h := newHarness(t, transport.KindAppServer)

	require.NoError(t, h.q.Push("first", defaultMode))
	h.awaitTurnStart(t)
	h.tr.emit(events.Event{Type: events.TypeThreadStarted, ThreadID: "th-1"})
	h.tr.emit(events.Event{Type: events.TypeError, Message: "conversation not found"})
	h.awaitReady(t)

	h.l.mu.Lock()
	wasCreated := h.l.wasCreated
	h.l.mu.Unlock()
	assert.False(t, wasCreated)

	// A session id is remembered, so the next message resumes.
	require.NoError(t, h.q.Push("second", defaultMode))
	h.awaitTurnStart(t)
	threadStarts, resumes, _, cleared := h.tr.counts()
	assert.Equal(t, 1, threadStarts)
	assert.Equal(t, 1, resumes)
	assert.GreaterOrEqual(t, cleared, 1)
}

func TestModeHashChangeRestartsSession(t *testing.T) {
	h := newHarness(t, transport.KindSDK)

	require.NoError(t, h.q.Push("first", defaultMode))
	h.awaitTurnStart(t)
	h.tr.emit(events.Event{Type: events.TypeTaskComplete})
	h.awaitReady(t)

	// Forget the session id so the restart starts fresh instead of
	// resuming.
	h.sess.SetSessionID("")

	yolo := session.EnhancedMode{PermissionMode: session.PermissionYolo}
	require.NoError(t, h.q.Push("second", yolo))
	h.awaitTurnStart(t)

	threadStarts, _, _, cleared := h.tr.counts()
	assert.Equal(t, 2, threadStarts, "mode change forces a fresh thread")
	assert.GreaterOrEqual(t, cleared, 1)
}

func TestModeHashChangeExemptOnAppServer(t *testing.T) {
	h := newHarness(t, transport.KindAppServer)

	require.NoError(t, h.q.Push("first", defaultMode))
	h.awaitTurnStart(t)
	h.tr.emit(events.Event{Type: events.TypeTaskComplete})
	h.awaitReady(t)

	yolo := session.EnhancedMode{PermissionMode: session.PermissionYolo}
	require.NoError(t, h.q.Push("second", yolo))
	h.awaitTurnStart(t)

	threadStarts, _, _, _ := h.tr.counts()
	assert.Equal(t, 1, threadStarts, "app-server reconfigures per turn without restart")
}

func TestWatchdogFiresOncePerTurn(t *testing.T) {
	h := newHarness(t, transport.KindAppServer)

	require.NoError(t, h.q.Push("slow", defaultMode))
	h.awaitTurnStart(t)

	// Simulate 95 seconds without progress.
	h.l.mu.Lock()
	h.l.lastProgress = time.Now().Add(-95 * time.Second)
	h.l.mu.Unlock()

	h.l.checkProgress(time.Now())

	select {
	case msg := <-h.hub.messageCh:
		assert.Contains(t, msg, "might be stuck")
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}

	// A second check does not re-fire within the same turn.
	h.l.checkProgress(time.Now())
	select {
	case <-h.hub.messageCh:
		t.Fatal("watchdog fired twice in one turn")
	case <-time.After(50 * time.Millisecond):
	}

	// Completion clears the turn; an idle launcher never warns.
	h.tr.emit(events.Event{Type: events.TypeTaskComplete})
	h.awaitReady(t)
	h.l.checkProgress(time.Now())
	select {
	case <-h.hub.messageCh:
		t.Fatal("watchdog fired while idle")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchdogNotDueInsideWindow(t *testing.T) {
	h := newHarness(t, transport.KindAppServer)

	require.NoError(t, h.q.Push("quick", defaultMode))
	h.awaitTurnStart(t)

	// Progress was recent; nothing fires.
	h.l.checkProgress(time.Now())
	select {
	case <-h.hub.messageCh:
		t.Fatal("watchdog fired inside the progress window")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTurnStartFailureEmitsTaskFailed(t *testing.T) {
	h := newHarness(t, transport.KindAppServer)
	h.tr.turnStartErr = fmt.Errorf("backend rejected the turn")

	require.NoError(t, h.q.Push("doomed", defaultMode))
	h.awaitReady(t)

	assert.Contains(t, h.hub.eventTypes(), "task_failed")
	assert.False(t, h.sess.Thinking())
}

func TestApprovalRequestRoundTrip(t *testing.T) {
	h := newHarness(t, transport.KindAppServer)

	require.NoError(t, h.q.Push("needs approval", defaultMode))
	h.awaitTurnStart(t)

	h.tr.emit(events.Event{
		Type:    events.TypeExecApprovalRequest,
		CallID:  "approve-42",
		Command: "rm -rf /tmp/safe",
		Cwd:     "/tmp",
	})

	require.Eventually(t, func() bool {
		return h.l.perm.Outstanding() == 1
	}, time.Second, 5*time.Millisecond)

	// The hub answers through the registered RPC handler.
	h.hub.mu.Lock()
	handler := h.hub.handlers[rpcApproveCommand]
	h.hub.mu.Unlock()
	require.NotNil(t, handler)
	_, err := handler(map[string]any{"id": "approve-42", "decision": "approve", "approved": true})
	require.NoError(t, err)
	assert.Zero(t, h.l.perm.Outstanding())

	h.tr.emit(events.Event{Type: events.TypeTaskComplete})
	h.awaitReady(t)
}

func TestUserMessageRPCEnqueues(t *testing.T) {
	h := newHarness(t, transport.KindAppServer)

	h.hub.mu.Lock()
	handler := h.hub.handlers[rpcUserMessage]
	h.hub.mu.Unlock()
	require.NotNil(t, handler)

	_, err := handler(map[string]any{"message": "from the hub"})
	require.NoError(t, err)

	h.awaitTurnStart(t)
	h.tr.mu.Lock()
	input := h.tr.turnInputs[0]
	h.tr.mu.Unlock()
	assert.Equal(t, "from the hub", input)
}
