// Package launcher drives a single hub-visible session through arbitrarily
// many turns: queue wait, transport call, event demux, hub emit, ready. It
// owns the active transport, the stream processors, and the turn lifecycle
// including the progress watchdog, abort, and mode-change restarts.
package launcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hapihub/codex-bridge/internal/bridge/events"
	"github.com/hapihub/codex-bridge/internal/bridge/msgbuffer"
	"github.com/hapihub/codex-bridge/internal/bridge/permission"
	"github.com/hapihub/codex-bridge/internal/bridge/processors"
	"github.com/hapihub/codex-bridge/internal/bridge/queue"
	"github.com/hapihub/codex-bridge/internal/bridge/session"
	"github.com/hapihub/codex-bridge/internal/bridge/transport"
	"github.com/hapihub/codex-bridge/internal/common/config"
	"github.com/hapihub/codex-bridge/internal/common/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ExitReason tells the surrounding runner how the session ended.
type ExitReason string

// Exit reasons.
const (
	ReasonExit   ExitReason = "exit"
	ReasonSwitch ExitReason = "switch"
)

// Hub is the launcher's view of the hub client.
type Hub interface {
	RegisterHandler(method string, handler Handler)
	DeregisterHandler(method string)
	SendCodexMessage(msg map[string]any)
	SendSessionEvent(event map[string]any)
	UpdateAgentState(fn func(state map[string]any) map[string]any)
}

// Handler mirrors the hub RPC handler signature without importing the hub
// package.
type Handler = func(params map[string]any) (any, error)

// watchdogMessage is the hub-visible stall warning.
const watchdogMessage = "Codex might be stuck: no progress for over %s. You can abort and retry."

// Launcher is the orchestrator.
type Launcher struct {
	log  *logger.Logger
	cfg  *config.Config
	sess *session.Session
	q    *queue.Queue
	buf  *msgbuffer.Buffer
	hub  Hub
	tr   transport.Transport

	perm      *permission.Handler
	reasoning *processors.Reasoning
	diff      *processors.Diff

	mu               sync.Mutex
	wasCreated       bool
	first            bool
	currentModeHash  string
	currentThreadID  string
	currentTurnID    string
	turnInFlight     bool
	lastProgress     time.Time
	watchdogNotified bool
	abortCtx         context.Context
	abortCancel      context.CancelFunc
	pending          *queue.Message
	turnDone         chan struct{}
	exitReason       ExitReason

	runCtx    context.Context
	runCancel context.CancelFunc

	mcpServers map[string]string
}

// New wires a launcher over the given collaborators. The transport must
// already be selected; the choice is immutable for the launcher's lifetime.
func New(cfg *config.Config, sess *session.Session, q *queue.Queue, buf *msgbuffer.Buffer, hubClient Hub, tr transport.Transport, log *logger.Logger) *Launcher {
	l := &Launcher{
		log:        log.WithFields(zap.String("component", "launcher"), zap.String("transport", string(tr.Kind()))),
		cfg:        cfg,
		sess:       sess,
		q:          q,
		buf:        buf,
		hub:        hubClient,
		tr:         tr,
		first:      true,
		exitReason: ReasonExit,
	}
	l.perm = permission.NewHandler(hubSender{hubClient}, log)
	l.reasoning = processors.NewReasoning(hubSender{hubClient})
	l.diff = processors.NewDiff()
	l.installAbortController()
	l.perm.SetResponder(tr.ResolveApproval)
	return l
}

// SetMCPServers forwards the bundled MCP bridge's server map into transport
// configuration so the backend can reach hub-provided tools. Call before Run.
func (l *Launcher) SetMCPServers(servers map[string]string) {
	l.mcpServers = servers
}

// hubSender adapts the Hub interface to the processors' Sender.
type hubSender struct{ hub Hub }

func (s hubSender) SendCodexMessage(msg map[string]any) { s.hub.SendCodexMessage(msg) }

// installAbortController replaces the abort context so the next turn starts
// clean.
func (l *Launcher) installAbortController() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.installAbortControllerLocked()
}

func (l *Launcher) installAbortControllerLocked() {
	l.abortCtx, l.abortCancel = context.WithCancel(context.Background())
}

// Run connects the transport and processes messages until shutdown. The
// returned reason tells the runner whether to relaunch in local mode.
func (l *Launcher) Run(ctx context.Context) (ExitReason, error) {
	l.runCtx, l.runCancel = context.WithCancel(ctx)
	defer l.runCancel()

	if err := l.tr.Connect(l.runCtx); err != nil {
		return ReasonExit, err
	}
	defer l.shutdown()

	l.registerHandlers()

	g, gctx := errgroup.WithContext(l.runCtx)
	g.Go(func() error { return l.mainLoop(gctx) })
	g.Go(func() error {
		l.watchdogLoop(gctx)
		return nil
	})
	g.Go(func() error {
		l.demuxLoop(gctx)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}

	l.mu.Lock()
	reason := l.exitReason
	l.mu.Unlock()
	return reason, err
}

// mainLoop is single-threaded with respect to orchestrator state: it awaits
// the queue, drives one turn at a time, and yields at every suspension
// point.
func (l *Launcher) mainLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg := l.takePending()
		if msg == nil {
			var err error
			msg, err = l.q.WaitForMessagesAndGetAsString(ctx)
			if err != nil {
				return err
			}
			if msg == nil {
				// The wait only returns empty when its context fired:
				// shutdown, since idle aborts never cancel the controller.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
		}

		if l.shouldRestartForMode(msg) {
			l.restartForModeChange(msg)
			continue
		}

		if err := l.runTurn(ctx, msg); err != nil {
			return err
		}
	}
}

func (l *Launcher) takePending() *queue.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := l.pending
	l.pending = nil
	return msg
}

// shouldRestartForMode reports whether the dequeued message's mode hash
// forces a session restart. The app-server transport reconfigures per turn
// and is exempt.
func (l *Launcher) shouldRestartForMode(msg *queue.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wasCreated &&
		msg.Hash != l.currentModeHash &&
		l.tr.Kind() != transport.KindAppServer
}

// restartForModeChange tears the session down and re-injects the message so
// the next iteration starts a fresh thread under the new mode.
func (l *Launcher) restartForModeChange(msg *queue.Message) {
	l.log.Info("mode changed, restarting session", zap.String("hash", msg.Hash))
	l.resetProcessors()
	l.tr.ClearThread()

	l.mu.Lock()
	l.wasCreated = false
	l.currentModeHash = ""
	l.currentThreadID = ""
	l.pending = msg
	l.mu.Unlock()

	l.setThinking(false)
}

// runTurn ensures a thread exists, starts the turn, and waits for its
// terminal event.
func (l *Launcher) runTurn(ctx context.Context, msg *queue.Message) error {
	l.buf.Append(msgbuffer.KindUser, msg.Message)
	l.sess.SetMode(msg.Mode)

	l.mu.Lock()
	l.currentModeHash = msg.Hash
	wasCreated := l.wasCreated
	abortCtx := l.abortCtx
	l.mu.Unlock()

	opts := transport.OptionsForMode(msg.Mode, l.tr.Kind(), l.sess.Path())
	opts.MCPServers = l.mcpServers

	if !wasCreated {
		if err := l.ensureThread(abortCtx, opts); err != nil {
			// The transport could not start a thread at all; the session
			// exits.
			return err
		}
	}

	done := make(chan struct{}, 1)
	l.mu.Lock()
	l.turnInFlight = true
	l.lastProgress = time.Now()
	l.watchdogNotified = false
	l.turnDone = done
	l.mu.Unlock()
	l.setThinking(true)

	if err := l.tr.StartTurn(abortCtx, msg.Message, opts); err != nil {
		l.handleTurnStartError(err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-abortCtx.Done():
		// The transport should deliver a terminal event after the
		// interrupt; synthesize one if it stays silent.
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			l.log.Warn("no terminal event after abort, synthesizing turn_aborted")
			l.finishTurn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ensureThread starts or resumes a backend thread and binds it.
func (l *Launcher) ensureThread(ctx context.Context, opts transport.Options) error {
	var threadID string
	var err error

	if sid := l.sess.SessionID(); sid != "" && l.tr.SupportsResume() {
		threadID, err = l.tr.ResumeThread(ctx, sid, opts)
		if err != nil {
			l.log.Warn("resume failed, starting fresh thread", zap.Error(err))
			threadID, err = l.tr.StartThread(ctx, opts)
		}
	} else {
		threadID, err = l.tr.StartThread(ctx, opts)
	}
	if err != nil {
		return err
	}

	if threadID != "" {
		l.sess.SetSessionID(threadID)
	}
	l.mu.Lock()
	l.wasCreated = true
	l.currentThreadID = threadID
	l.first = false
	l.mu.Unlock()
	return nil
}

// handleTurnStartError converts a turn/start failure into the appropriate
// terminal event: aborts become turn_aborted, everything else fails the
// turn.
func (l *Launcher) handleTurnStartError(err error) {
	if errors.Is(err, context.Canceled) {
		l.HandleEvent(abortedEvent(""))
		return
	}
	l.log.Error("turn start failed", zap.Error(err))
	l.HandleEvent(events.Event{Type: events.TypeTaskFailed, Message: err.Error()})
}

// setThinking mirrors the thinking flag to the session and the hub state.
func (l *Launcher) setThinking(v bool) {
	l.sess.SetThinking(v)
	l.hub.UpdateAgentState(func(state map[string]any) map[string]any {
		state["thinking"] = v
		return state
	})
}

// invalidateSession clears the bound session so the next message resumes or
// restarts.
func (l *Launcher) invalidateSession(message string) {
	l.log.Info("session invalidated", zap.String("error", message))
	l.tr.ClearThread()
	l.mu.Lock()
	l.wasCreated = false
	l.currentModeHash = ""
	l.currentThreadID = ""
	l.mu.Unlock()
}

// resetProcessors drops all stream processor state.
func (l *Launcher) resetProcessors() {
	l.reasoning.Reset()
	l.diff.Reset()
	l.perm.Reset()
}

// Abort cancels the in-flight turn: transport interrupt, queue reset,
// processor reset, fresh abort controller. Aborting an idle session is a
// no-op. Abort is idempotent; re-issued aborts merge silently.
func (l *Launcher) Abort() {
	l.mu.Lock()
	if !l.turnInFlight {
		l.mu.Unlock()
		l.log.Debug("abort while idle, ignoring")
		return
	}
	threadID := l.currentThreadID
	turnID := l.currentTurnID
	cancel := l.abortCancel
	l.mu.Unlock()

	l.log.Info("aborting turn", zap.String("turn_id", turnID))

	interruptCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := l.tr.InterruptTurn(interruptCtx, threadID, turnID); err != nil {
		l.log.Warn("interrupt failed", zap.Error(err))
	}
	if l.tr.Kind() == transport.KindMCP {
		// The MCP backend has no interrupt; synthesize the abort.
		l.HandleEvent(abortedEvent(turnID))
	}

	cancel()
	l.q.Reset()
	l.reasoning.Abort()
	l.diff.Reset()
	l.perm.Reset()
	l.installAbortController()
}

// Stop requests an orderly shutdown with the given exit reason.
func (l *Launcher) Stop(reason ExitReason) {
	l.mu.Lock()
	l.exitReason = reason
	inFlight := l.turnInFlight
	l.mu.Unlock()

	if inFlight {
		l.Abort()
	}
	l.q.Close()
	if l.runCancel != nil {
		l.runCancel()
	}
}

// shutdown releases every resource on any exit path.
func (l *Launcher) shutdown() {
	l.deregisterHandlers()
	l.resetProcessors()
	if err := l.tr.Disconnect(); err != nil {
		l.log.Warn("transport disconnect failed", zap.Error(err))
	}
	l.log.Info("launcher stopped")
}
