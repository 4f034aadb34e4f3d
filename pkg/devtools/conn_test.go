package devtools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	apperrors "github.com/WintryWind7/Antigravity-Link/pkg/errors"
)

type peerFrame struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakePeer is a scripted debugging endpoint. Its handle func decides, per
// inbound frame, what raw frames to write back.
type fakePeer struct {
	srv    *httptest.Server
	handle func(conn *websocket.Conn, frame peerFrame)

	mu       sync.Mutex
	received []peerFrame
}

func newFakePeer(t *testing.T, handle func(conn *websocket.Conn, frame peerFrame)) *fakePeer {
	t.Helper()
	p := &fakePeer{handle: handle}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var frame peerFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			p.mu.Lock()
			p.received = append(p.received, frame)
			p.mu.Unlock()
			if p.handle != nil {
				p.handle(conn, frame)
			}
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePeer) wsURL() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *fakePeer) receivedIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.received))
	for _, f := range p.received {
		ids = append(ids, f.ID)
	}
	return ids
}

func writeFrame(conn *websocket.Conn, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func echoPeer(t *testing.T) *fakePeer {
	return newFakePeer(t, func(conn *websocket.Conn, frame peerFrame) {
		writeFrame(conn, map[string]any{
			"id":     frame.ID,
			"result": map[string]any{"method": frame.Method},
		})
	})
}

func TestCallFailsWhenDisconnected(t *testing.T) {
	conn := NewConn(Options{})
	_, err := conn.Call(context.Background(), "Runtime.evaluate", nil, time.Second)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConnNotConnected))
}

func TestCallAssignsSequentialIDs(t *testing.T) {
	peer := echoPeer(t)
	conn := NewConn(Options{})
	require.NoError(t, conn.Connect(context.Background(), peer.wsURL()))
	defer conn.Close()

	for i := 0; i < 3; i++ {
		_, err := conn.Call(context.Background(), "Input.insertText", map[string]string{"text": "x"}, 5*time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 3}, peer.receivedIDs())
}

func TestCounterResetsOnReconnect(t *testing.T) {
	peer := echoPeer(t)
	conn := NewConn(Options{})
	require.NoError(t, conn.Connect(context.Background(), peer.wsURL()))
	defer conn.Close()

	_, err := conn.Call(context.Background(), "Runtime.evaluate", nil, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, conn.Connect(context.Background(), peer.wsURL()))
	_, err = conn.Call(context.Background(), "Runtime.evaluate", nil, 5*time.Second)
	require.NoError(t, err)

	ids := peer.receivedIDs()
	require.Len(t, ids, 2)
	assert.Equal(t, int64(1), ids[0])
	assert.Equal(t, int64(1), ids[1])
}

func TestCallsCorrelateOutOfOrderResponses(t *testing.T) {
	// The peer answers the second request first; each caller must still get
	// its own payload.
	var heldMu sync.Mutex
	var held *peerFrame
	peer := newFakePeer(t, func(conn *websocket.Conn, frame peerFrame) {
		heldMu.Lock()
		if held == nil {
			f := frame
			held = &f
			heldMu.Unlock()
			return
		}
		first := *held
		heldMu.Unlock()
		writeFrame(conn, map[string]any{"id": frame.ID, "result": map[string]any{"value": frame.ID}})
		writeFrame(conn, map[string]any{"id": first.ID, "result": map[string]any{"value": first.ID}})
	})
	conn := NewConn(Options{})
	require.NoError(t, conn.Connect(context.Background(), peer.wsURL()))
	defer conn.Close()

	type result struct {
		id  int64
		raw json.RawMessage
		err error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			raw, err := conn.Call(context.Background(), "Runtime.evaluate", nil, 5*time.Second)
			var payload struct {
				Value int64 `json:"value"`
			}
			if err == nil {
				err = json.Unmarshal(raw, &payload)
			}
			results <- result{id: payload.Value, raw: raw, err: err}
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	for res := range results {
		require.NoError(t, res.err)
		seen[res.id] = true
	}
	assert.True(t, seen[1] && seen[2], "each caller must receive its own correlated response, got %v", seen)
}

func TestCallTimeoutThenLateResponseIgnored(t *testing.T) {
	var connMu sync.Mutex
	var heldConn *websocket.Conn
	var heldID int64
	peer := newFakePeer(t, func(conn *websocket.Conn, frame peerFrame) {
		connMu.Lock()
		defer connMu.Unlock()
		if heldConn == nil {
			// Swallow the first request to force a timeout.
			heldConn, heldID = conn, frame.ID
			return
		}
		// Deliver the stale response before answering the new request.
		writeFrame(conn, map[string]any{"id": heldID, "result": map[string]any{"late": true}})
		writeFrame(conn, map[string]any{"id": frame.ID, "result": map[string]any{"ok": true}})
	})
	conn := NewConn(Options{})
	require.NoError(t, conn.Connect(context.Background(), peer.wsURL()))
	defer conn.Close()

	_, err := conn.Call(context.Background(), "Runtime.evaluate", nil, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))
	var linkErr *apperrors.Error
	require.ErrorAs(t, err, &linkErr)
	assert.True(t, linkErr.Retryable)

	// The late response for the timed-out id must be dropped, and the
	// connection must keep working.
	raw, err := conn.Call(context.Background(), "Runtime.evaluate", nil, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestPeerErrorSurfaced(t *testing.T) {
	peer := newFakePeer(t, func(conn *websocket.Conn, frame peerFrame) {
		writeFrame(conn, map[string]any{
			"id":    frame.ID,
			"error": map[string]any{"code": -32000, "message": "target crashed"},
		})
	})
	conn := NewConn(Options{})
	require.NoError(t, conn.Connect(context.Background(), peer.wsURL()))
	defer conn.Close()

	_, err := conn.Call(context.Background(), "Runtime.evaluate", nil, 5*time.Second)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRPCPeer))
	assert.Contains(t, err.Error(), "target crashed")
}

func TestCloseRejectsAllOutstandingCalls(t *testing.T) {
	received := make(chan struct{}, 8)
	peer := newFakePeer(t, func(conn *websocket.Conn, frame peerFrame) {
		received <- struct{}{}
	})
	conn := NewConn(Options{})
	require.NoError(t, conn.Connect(context.Background(), peer.wsURL()))

	const calls = 3
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		go func() {
			_, err := conn.Call(context.Background(), "Runtime.evaluate", nil, 30*time.Second)
			errs <- err
		}()
	}
	for i := 0; i < calls; i++ {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatal("peer never received the calls")
		}
	}

	require.NoError(t, conn.Close())

	for i := 0; i < calls; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConnClosed))
		case <-time.After(5 * time.Second):
			t.Fatal("outstanding call was never rejected")
		}
	}
}

func TestPeerDisconnectRejectsOutstandingCalls(t *testing.T) {
	received := make(chan struct{}, 1)
	peer := newFakePeer(t, func(conn *websocket.Conn, frame peerFrame) {
		received <- struct{}{}
		_ = conn.Close(websocket.StatusGoingAway, "bye")
	})
	conn := NewConn(Options{})
	require.NoError(t, conn.Connect(context.Background(), peer.wsURL()))
	defer conn.Close()

	_, err := conn.Call(context.Background(), "Runtime.evaluate", nil, 10*time.Second)
	<-received
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConnClosed))
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestEventFramesAreIgnored(t *testing.T) {
	peer := newFakePeer(t, func(conn *websocket.Conn, frame peerFrame) {
		// An id-less event frame precedes the real response.
		writeFrame(conn, map[string]any{"method": "Target.targetInfoChanged", "params": map[string]any{}})
		writeFrame(conn, map[string]any{"id": frame.ID, "result": map[string]any{"ok": true}})
	})
	conn := NewConn(Options{})
	require.NoError(t, conn.Connect(context.Background(), peer.wsURL()))
	defer conn.Close()

	raw, err := conn.Call(context.Background(), "Runtime.evaluate", nil, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestEvaluateReturnsValue(t *testing.T) {
	peer := newFakePeer(t, func(conn *websocket.Conn, frame peerFrame) {
		writeFrame(conn, map[string]any{
			"id": frame.ID,
			"result": map[string]any{
				"result": map[string]any{"type": "string", "value": "hello"},
			},
		})
	})
	conn := NewConn(Options{})
	require.NoError(t, conn.Connect(context.Background(), peer.wsURL()))
	defer conn.Close()

	raw, err := conn.Evaluate(context.Background(), "1+1", 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"hello"`, string(raw))
}

func TestEvaluateSurfacesPageException(t *testing.T) {
	peer := newFakePeer(t, func(conn *websocket.Conn, frame peerFrame) {
		writeFrame(conn, map[string]any{
			"id": frame.ID,
			"result": map[string]any{
				"result": map[string]any{"type": "object"},
				"exceptionDetails": map[string]any{
					"text":      "Uncaught",
					"exception": map[string]any{"description": "ReferenceError: foo is not defined"},
				},
			},
		})
	})
	conn := NewConn(Options{})
	require.NoError(t, conn.Connect(context.Background(), peer.wsURL()))
	defer conn.Close()

	_, err := conn.Evaluate(context.Background(), "foo()", 5*time.Second)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeEvalException))
	assert.Contains(t, err.Error(), "ReferenceError")
}
