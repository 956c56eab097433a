// Package hub implements the bridge's link to the remote hub: a persistent
// websocket carrying JSON frames. Outbound traffic goes through a single
// write pump; inbound frames dispatch to registered RPC handlers.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hapihub/codex-bridge/internal/common/logger"
	"go.uber.org/zap"
)

// Client is the hub link consumed by the launcher.
type Client struct {
	log *logger.Logger
	url string

	rpc *RPCHandlerManager

	mu      sync.Mutex
	conn    *websocket.Conn
	writeCh chan any
	state   map[string]any
	closed  bool
	done    chan struct{}
}

// frame is the wire shape of every hub message.
type frame struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Method  string         `json:"method,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Result  any            `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Message map[string]any `json:"message,omitempty"`
	Event   map[string]any `json:"event,omitempty"`
	State   map[string]any `json:"state,omitempty"`
}

// NewClient creates an unconnected hub client for url.
func NewClient(url string, log *logger.Logger) *Client {
	return &Client{
		log:     log.WithFields(zap.String("component", "hub-client")),
		url:     url,
		rpc:     newRPCHandlerManager(),
		writeCh: make(chan any, 256),
		state:   make(map[string]any),
		done:    make(chan struct{}),
	}
}

// Connect dials the hub and starts the read and write pumps.
func (c *Client) Connect(ctx context.Context, token string) error {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("failed to dial hub: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.writePump()
	go c.readPump()

	c.log.Info("connected to hub", zap.String("url", c.url))
	return nil
}

// RPCHandlerManager returns the handler registry.
func (c *Client) RPCHandlerManager() *RPCHandlerManager {
	return c.rpc
}

// RegisterHandler binds an RPC method on the client's handler registry.
func (c *Client) RegisterHandler(method string, handler Handler) {
	c.rpc.RegisterHandler(method, handler)
}

// DeregisterHandler removes an RPC method binding.
func (c *Client) DeregisterHandler(method string) {
	c.rpc.DeregisterHandler(method)
}

// SendCodexMessage forwards an event object to the hub. A generated id is
// attached when the message carries none; the hub treats the payload
// opaquely.
func (c *Client) SendCodexMessage(msg map[string]any) {
	if _, ok := msg["id"]; !ok {
		msg["id"] = uuid.NewString()
	}
	c.enqueue(frame{Type: "codex-message", Message: msg})
}

// SendSessionEvent forwards a session lifecycle event, e.g. {type: ready}.
func (c *Client) SendSessionEvent(event map[string]any) {
	c.enqueue(frame{Type: "session-event", Event: event})
}

// UpdateAgentState applies fn to the agent state and pushes the result.
func (c *Client) UpdateAgentState(fn func(state map[string]any) map[string]any) {
	c.mu.Lock()
	c.state = fn(c.state)
	snapshot := make(map[string]any, len(c.state))
	for k, v := range c.state {
		snapshot[k] = v
	}
	c.mu.Unlock()
	c.enqueue(frame{Type: "agent-state", State: snapshot})
}

func (c *Client) enqueue(f frame) {
	select {
	case c.writeCh <- f:
	case <-c.done:
	default:
		c.log.Warn("hub write queue full, dropping frame", zap.String("type", f.Type))
	}
}

func (c *Client) writePump() {
	for {
		select {
		case msg := <-c.writeCh:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				c.log.Warn("hub write failed", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("hub read failed", zap.Error(err))
			}
			return
		}
		if f.Type == "rpc" {
			go c.dispatchRPC(f)
		}
	}
}

// dispatchRPC routes an inbound RPC frame to its handler and replies with
// the result.
func (c *Client) dispatchRPC(f frame) {
	handler := c.rpc.handler(f.Method)
	if handler == nil {
		c.log.Warn("no handler for rpc method", zap.String("method", f.Method))
		c.enqueue(frame{Type: "rpc-result", ID: f.ID, Error: "method not found: " + f.Method})
		return
	}

	result, err := handler(f.Params)
	reply := frame{Type: "rpc-result", ID: f.ID, Result: result}
	if err != nil {
		reply.Error = err.Error()
	}
	c.enqueue(reply)
}

// Close tears the link down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// Handler serves one RPC method.
type Handler = func(params map[string]any) (any, error)

// RPCHandlerManager registers and resolves RPC handlers.
type RPCHandlerManager struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newRPCHandlerManager() *RPCHandlerManager {
	return &RPCHandlerManager{handlers: make(map[string]Handler)}
}

// RegisterHandler binds method to handler, replacing any previous binding.
func (m *RPCHandlerManager) RegisterHandler(method string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = handler
}

// DeregisterHandler removes the binding for method.
func (m *RPCHandlerManager) DeregisterHandler(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, method)
}

func (m *RPCHandlerManager) handler(method string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[method]
}
