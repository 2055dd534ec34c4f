package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCallTimeout bounds every RPC; an unanswered call is evicted and
// treated as one skipped capture, never retried.
const DefaultCallTimeout = 8 * time.Second

// ErrCallTimeout is returned when a command goes unanswered.
var ErrCallTimeout = errors.New("mux: rpc timeout")

var errConnClosed = errors.New("mux: connection closed")

// callKey identifies a pending call. Commands scoped to a sub-target carry
// that target's session id in the envelope; browser-level commands use "".
type callKey struct {
	sessionID string
	id        int64
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// envelope is the generic frame on the debug connection: a correlated reply
// when ID is set, a domain event when Method is set.
type envelope struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *rpcError       `json:"error,omitempty"`
}

type eventFunc func(method, sessionID string, params json.RawMessage)

// rpcClient multiplexes request/response commands and domain events over one
// Transport. It owns the message-id sequence and the pending-call table.
type rpcClient struct {
	transport Transport
	timeout   time.Duration
	onEvent   eventFunc

	seq atomic.Int64

	pendingMu sync.Mutex
	pending   map[callKey]chan *envelope

	closeOnce sync.Once
	done      chan struct{}
}

func newRPCClient(t Transport, timeout time.Duration, onEvent eventFunc) *rpcClient {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	c := &rpcClient{
		transport: t,
		timeout:   timeout,
		onEvent:   onEvent,
		pending:   make(map[callKey]chan *envelope),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *rpcClient) readLoop() {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			slog.Debug("debug connection read loop exit", "error", err)
			c.close()
			return
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch {
		case env.ID > 0:
			c.deliver(&env)
		case env.Method != "":
			c.onEvent(env.Method, env.SessionID, env.Params)
		}
	}
}

// deliver resolves the pending call matching a reply. Replies for already
// evicted calls are dropped silently.
func (c *rpcClient) deliver(env *envelope) {
	key := callKey{sessionID: env.SessionID, id: env.ID}
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- env
	}
}

func (c *rpcClient) evict(key callKey) {
	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()
}

// call sends a command scoped to sessionID ("" for the browser scope) and
// waits for the correlated reply, at most the configured timeout.
func (c *rpcClient) call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, errConnClosed
	default:
	}

	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mux: marshal %s params: %w", method, err)
		}
	}

	id := c.seq.Add(1)
	key := callKey{sessionID: sessionID, id: id}
	ch := make(chan *envelope, 1)

	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()

	data, err := json.Marshal(envelope{ID: id, Method: method, SessionID: sessionID, Params: rawParams})
	if err != nil {
		c.evict(key)
		return nil, fmt.Errorf("mux: marshal %s: %w", method, err)
	}
	if err := c.transport.WriteMessage(data); err != nil {
		c.evict(key)
		return nil, fmt.Errorf("mux: send %s: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, errConnClosed
		}
		if env.Error != nil {
			return nil, fmt.Errorf("mux: %s: %s", method, env.Error.Message)
		}
		return env.Result, nil
	case <-timer.C:
		c.evict(key)
		return nil, fmt.Errorf("%w: %s", ErrCallTimeout, method)
	case <-ctx.Done():
		c.evict(key)
		return nil, ctx.Err()
	case <-c.done:
		c.evict(key)
		return nil, errConnClosed
	}
}

// purgeSession evicts every pending call scoped to a detached sub-target.
// Waiters observe a closed-connection error.
func (c *rpcClient) purgeSession(sessionID string) {
	c.pendingMu.Lock()
	for key, ch := range c.pending {
		if key.sessionID == sessionID {
			close(ch)
			delete(c.pending, key)
		}
	}
	c.pendingMu.Unlock()
}

// close tears the connection down and fails every outstanding call.
func (c *rpcClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(); err != nil {
			slog.Debug("debug connection close failed", "error", err)
		}
		c.pendingMu.Lock()
		for key, ch := range c.pending {
			close(ch)
			delete(c.pending, key)
		}
		c.pendingMu.Unlock()
	})
}
