// Package devtools maintains a single message-correlated WebSocket
// connection to a browser remote-debugging endpoint. Only the two
// primitives the bridge needs are exposed on top of the raw Call surface:
// expression evaluation and synthetic input dispatch.
package devtools

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"

	apperrors "github.com/WintryWind7/Antigravity-Link/pkg/errors"
	"github.com/WintryWind7/Antigravity-Link/pkg/logging"
)

// State describes the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// request is an outbound protocol frame.
type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// response is an inbound protocol frame. Frames lacking a recognized id
// (events, malformed payloads) are dropped at the read loop.
type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *peerError      `json:"error,omitempty"`
}

type peerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall tracks one in-flight request. A pendingCall is resolved at
// most once: whoever removes it from the pending map owns the send on ch.
type pendingCall struct {
	id int64
	ch chan callResult
}

// Options tunes the connection.
type Options struct {
	// DialTimeout bounds the WebSocket handshake.
	DialTimeout time.Duration
	// ReadLimit caps inbound frame size.
	ReadLimit int64
	Logger    *logging.Logger
}

// Conn owns the transport socket, the correlation-id counter, and the
// pending-call map. All three are mutated only under mu.
type Conn struct {
	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	nextID  int64
	pending map[int64]*pendingCall
	opts    Options
	logger  *logging.Logger
}

// NewConn creates a disconnected Conn.
func NewConn(opts Options) *Conn {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Conn{
		state:   StateDisconnected,
		pending: make(map[int64]*pendingCall),
		opts:    opts,
		logger:  logger,
	}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the given ws:// endpoint. An existing connection is torn
// down first; its outstanding calls are rejected with a connection-closed
// error. On dial failure the Conn returns to Disconnected with no pending
// state touched beyond that teardown.
func (c *Conn) Connect(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	if c.ws != nil {
		old := c.ws
		c.ws = nil
		c.rejectAllLocked("connection superseded")
		c.mu.Unlock()
		_ = old.Close(websocket.StatusNormalClosure, "superseded")
		c.mu.Lock()
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	ws, _, err := websocket.Dial(dialCtx, endpoint, nil)
	cancel()
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return apperrors.Wrap(err, apperrors.ErrCodeConnDial, "dialing devtools endpoint").
			WithContext("endpoint", endpoint)
	}
	ws.SetReadLimit(c.opts.ReadLimit)

	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.nextID = 0
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	c.logger.Info(logging.CategoryConnection, "connected", "devtools socket established",
		map[string]any{"endpoint": endpoint})
	metricConnState.Set(float64(StateConnected))

	go c.readLoop(ws)
	return nil
}

// Call issues one correlated request and waits for the matching response,
// the timeout, or connection closure, whichever happens first. A response
// arriving after the timeout is silently dropped by the read loop.
func (c *Conn) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.ws == nil {
		c.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeConnNotConnected, "no active devtools connection")
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCall{id: id, ch: make(chan callResult, 1)}
	c.pending[id] = pc
	ws := c.ws
	c.mu.Unlock()

	metricCallsTotal.WithLabelValues(method).Inc()
	metricPendingCalls.Inc()
	defer metricPendingCalls.Dec()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "marshaling request params").
			WithContext("method", method)
	}

	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	err = ws.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		if c.forget(id) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConnClosed, "writing request frame").
				WithContext("method", method)
		}
		// Teardown already resolved the call.
		res := <-pc.ch
		return res.result, res.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.ch:
		return res.result, res.err
	case <-timer.C:
		if c.forget(id) {
			metricCallFailures.WithLabelValues("timeout").Inc()
			return nil, apperrors.New(apperrors.ErrCodeRPCTimeout, "call deadline elapsed").
				WithContext("method", method).
				WithContext("timeout", timeout.String()).
				WithRetryable(true)
		}
		// A response raced the deadline; take it.
		res := <-pc.ch
		return res.result, res.err
	case <-ctx.Done():
		if c.forget(id) {
			metricCallFailures.WithLabelValues("canceled").Inc()
			return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeRPCTimeout, "call canceled").
				WithContext("method", method)
		}
		res := <-pc.ch
		return res.result, res.err
	}
}

// forget removes a pending call. It reports true when the caller removed
// the entry and therefore owns its resolution.
func (c *Conn) forget(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// readLoop is the single inbound dispatch point. It exits when the socket
// closes, rejecting every still-outstanding call exactly once.
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(context.Background())
		if err != nil {
			c.teardown(ws)
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID == 0 {
			// Event frames and malformed payloads are dropped, not fatal.
			continue
		}

		c.mu.Lock()
		pc, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Late response for a timed-out call: a silent no-op.
			continue
		}

		if resp.Error != nil {
			metricCallFailures.WithLabelValues("peer").Inc()
			pc.ch <- callResult{err: apperrors.New(apperrors.ErrCodeRPCPeer, resp.Error.Message).
				WithContext("code", resp.Error.Code)}
			continue
		}
		pc.ch <- callResult{result: resp.Result}
	}
}

// teardown handles transport closure observed by the read loop.
func (c *Conn) teardown(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws != ws {
		// A newer connection superseded this one; its teardown already ran.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.state = StateDisconnected
	c.rejectAllLocked("connection closed")
	c.mu.Unlock()

	metricConnState.Set(float64(StateDisconnected))
	c.logger.Warn(logging.CategoryConnection, "closed", "devtools socket closed", nil)
}

// rejectAllLocked fails every outstanding call. Caller holds mu. Each entry
// is removed before its channel send, so resolution stays at-most-once.
func (c *Conn) rejectAllLocked(reason string) {
	for id, pc := range c.pending {
		delete(c.pending, id)
		metricCallFailures.WithLabelValues("closed").Inc()
		pc.ch <- callResult{err: apperrors.New(apperrors.ErrCodeConnClosed, reason).
			WithContext("id", pc.id)}
	}
}

// Close shuts the connection down. It is idempotent and rejects any
// outstanding calls.
func (c *Conn) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.rejectAllLocked("connection closed")
	c.mu.Unlock()

	if ws != nil {
		metricConnState.Set(float64(StateDisconnected))
		return ws.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}
