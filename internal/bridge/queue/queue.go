// Package queue implements the bounded FIFO of pending user prompts consumed
// by the launcher. Messages pushed for the same mode coalesce into one batch;
// a mode change flushes the prior batch.
package queue

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/hapihub/codex-bridge/internal/bridge/session"
)

// ErrQueueFull is returned when the queue is at max capacity.
var ErrQueueFull = errors.New("queue is full")

// ErrClosed is returned when the queue has been closed.
var ErrClosed = errors.New("queue is closed")

// Message is one dequeued batch.
type Message struct {
	Message string
	Mode    session.EnhancedMode
	Isolate bool
	Hash    string
}

type queued struct {
	message string
	mode    session.EnhancedMode
	hash    string
	isolate bool
}

// Queue is a bounded FIFO with a single waiter.
type Queue struct {
	mu      sync.Mutex
	items   []queued
	maxSize int
	closed  bool
	signal  chan struct{}
}

// New creates a queue holding at most maxSize pending messages.
func New(maxSize int) *Queue {
	return &Queue{
		maxSize: maxSize,
		signal:  make(chan struct{}, 1),
	}
}

// Push appends a message for the given mode.
func (q *Queue) Push(message string, mode session.EnhancedMode) error {
	return q.push(message, mode, false)
}

// PushIsolated appends a message that must not coalesce with its neighbours.
func (q *Queue) PushIsolated(message string, mode session.EnhancedMode) error {
	return q.push(message, mode, true)
}

func (q *Queue) push(message string, mode session.EnhancedMode, isolate bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return ErrQueueFull
	}
	q.items = append(q.items, queued{
		message: message,
		mode:    mode,
		hash:    mode.Hash(),
		isolate: isolate,
	})
	q.wake()
	return nil
}

// wake nudges the waiter. Callers hold q.mu.
func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// WaitForMessagesAndGetAsString blocks until at least one message is
// available, then dequeues the leading batch of same-mode messages joined by
// blank lines. If ctx fires while the queue is idle the wait returns
// (nil, nil) without consuming; pending messages are still delivered.
func (q *Queue) WaitForMessagesAndGetAsString(ctx context.Context) (*Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.items) > 0 {
			msg := q.dequeueLocked()
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			// Abort while idle is ignored by the caller; report no message.
			q.mu.Lock()
			empty := len(q.items) == 0
			q.mu.Unlock()
			if empty {
				return nil, nil
			}
		case <-q.signal:
		}
	}
}

// dequeueLocked pops the leading batch. Isolated messages and mode changes
// bound the batch.
func (q *Queue) dequeueLocked() *Message {
	head := q.items[0]
	if head.isolate {
		q.items = q.items[1:]
		return &Message{Message: head.message, Mode: head.mode, Isolate: true, Hash: head.hash}
	}

	parts := []string{head.message}
	n := 1
	for n < len(q.items) {
		next := q.items[n]
		if next.isolate || next.hash != head.hash {
			break
		}
		parts = append(parts, next.message)
		n++
	}
	q.items = q.items[n:]
	return &Message{
		Message: strings.Join(parts, "\n\n"),
		Mode:    head.mode,
		Isolate: false,
		Hash:    head.hash,
	}
}

// Size returns the number of pending messages.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Reset discards all pending messages.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Close shuts the queue down and wakes any waiter.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}
