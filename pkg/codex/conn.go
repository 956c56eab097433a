package codex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hapihub/codex-bridge/internal/common/logger"
	"go.uber.org/zap"
)

// ErrConnClosed is returned by calls racing the connection teardown.
var ErrConnClosed = errors.New("codex: connection closed")

// Conn is one app-server connection: newline-delimited JSON-RPC frames over
// the subprocess pipes, with the jsonrpc header omitted as codex does.
// Outbound calls correlate by locally allocated numeric ids; reverse
// requests echo the server's id verbatim, whatever its JSON type.
type Conn struct {
	log *logger.Logger
	in  io.Reader

	wmu sync.Mutex
	out io.Writer

	nextID atomic.Int64
	cmu    sync.Mutex
	calls  map[int64]chan callReply

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id json.RawMessage, method string, params json.RawMessage)

	done      chan struct{}
	closeOnce sync.Once
}

type callReply struct {
	result json.RawMessage
	err    *Error
}

// frame is the superset of every message shape codex puts on the wire.
// Which fields are populated decides whether a frame is a response, a
// reverse request, or a notification.
type frame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewConn wraps the subprocess pipes. Call Listen to start reading.
func NewConn(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Conn {
	return &Conn{
		log:   log.WithFields(zap.String("component", "codex-conn")),
		in:    stdout,
		out:   stdin,
		calls: make(map[int64]chan callReply),
		done:  make(chan struct{}),
	}
}

// OnNotification sets the handler for server notifications.
func (c *Conn) OnNotification(fn func(method string, params json.RawMessage)) {
	c.onNotification = fn
}

// OnRequest sets the handler for reverse requests. The handler must answer
// with Respond or RespondError, echoing the given id.
func (c *Conn) OnRequest(fn func(id json.RawMessage, method string, params json.RawMessage)) {
	c.onRequest = fn
}

// Listen starts the read loop. It stops when the pipe closes, ctx fires, or
// Close is called.
func (c *Conn) Listen(ctx context.Context) {
	go func() {
		r := bufio.NewReaderSize(c.in, 64*1024)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			default:
			}

			line, err := r.ReadBytes('\n')
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				c.dispatch(trimmed)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					c.log.Warn("read failed", zap.Error(err))
				}
				return
			}
		}
	}()
}

func (c *Conn) dispatch(line []byte) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		c.log.Warn("discarding unparseable frame", zap.Error(err))
		return
	}

	switch {
	case len(f.ID) > 0 && f.Method == "":
		c.settle(&f)
	case len(f.ID) > 0:
		if c.onRequest != nil {
			c.onRequest(f.ID, f.Method, f.Params)
			return
		}
		c.log.Warn("no handler for reverse request", zap.String("method", f.Method))
		if err := c.RespondError(f.ID, MethodNotFound, "method not found"); err != nil {
			c.log.Warn("failed to reject reverse request", zap.Error(err))
		}
	case f.Method != "":
		if c.onNotification != nil {
			c.onNotification(f.Method, f.Params)
		}
	}
}

// settle delivers a response to its waiting call.
func (c *Conn) settle(f *frame) {
	var id int64
	if err := json.Unmarshal(f.ID, &id); err != nil {
		c.log.Warn("response with non-numeric id", zap.ByteString("id", f.ID))
		return
	}

	c.cmu.Lock()
	ch := c.calls[id]
	delete(c.calls, id)
	c.cmu.Unlock()

	if ch == nil {
		c.log.Warn("response for unknown call", zap.Int64("id", id))
		return
	}
	ch <- callReply{result: f.Result, err: f.Error}
}

// Call issues a request and returns its result payload. RPC errors come
// back as *Error.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	ch := make(chan callReply, 1)
	c.cmu.Lock()
	c.calls[id] = ch
	c.cmu.Unlock()
	defer func() {
		c.cmu.Lock()
		delete(c.calls, id)
		c.cmu.Unlock()
	}()

	if err := c.write(frame{
		ID:     json.RawMessage(strconv.AppendInt(nil, id, 10)),
		Method: method,
		Params: p,
	}); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.err != nil {
			return reply.result, reply.err
		}
		return reply.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnClosed
	}
}

// Notify sends a notification; no response is expected.
func (c *Conn) Notify(method string, params any) error {
	p, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.write(frame{Method: method, Params: p})
}

// Respond answers a reverse request with a result.
func (c *Conn) Respond(id json.RawMessage, result any) error {
	raw, err := marshalParams(result)
	if err != nil {
		return err
	}
	return c.write(frame{ID: id, Result: raw})
}

// RespondError rejects a reverse request.
func (c *Conn) RespondError(id json.RawMessage, code int, message string) error {
	return c.write(frame{ID: id, Error: &Error{Code: code, Message: message}})
}

// Close tears the connection down and fails pending calls. Safe to call
// more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.out.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return data, nil
}
