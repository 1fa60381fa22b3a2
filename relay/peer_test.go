package relay

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ConorRoberts/ticket-marketplace-sub000/auth"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuthenticator struct {
	identity auth.Identity
	err      error
}

func (a stubAuthenticator) Authenticate(context.Context, string) (auth.Identity, error) {
	return a.identity, a.err
}

// serveConn upgrades one request and hands the resulting Conn to fn.
func serveConn(t *testing.T, fn func(*Conn)) *websocket.Conn {
	t.Helper()
	return serveConnWith(t, "txn_1", PeerOptions{PongWait: time.Second}, fn)
}

func serveConnWith(t *testing.T, room string, opts PeerOptions, fn func(*Conn)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(NewConn("conn-1", room, ws, opts))
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestPeerOptions_PingPeriodShorterThanPongWait(t *testing.T) {
	opts := PeerOptions{PongWait: 30 * time.Second}.withDefaults()
	assert.Equal(t, 27*time.Second, opts.pingPeriod())
	assert.Equal(t, DefaultPeerOptions.WriteWait, opts.WriteWait)
}

func TestConn_AuthenticateSuccess(t *testing.T) {
	states := make(chan State, 2)
	client := serveConn(t, func(c *Conn) {
		states <- c.State()
		identity, err := c.Authenticate(context.Background(), stubAuthenticator{
			identity: auth.Identity{UserID: "user_1", SessionID: "sess_1"},
		}, "token")
		if err == nil && identity.UserID == "user_1" {
			states <- c.State()
		}
		c.Close(nil)
	})
	defer client.Close()

	assert.Equal(t, StateConnecting, <-states)
	assert.Equal(t, StateActive, <-states)
}

func TestConn_AuthenticateFailureClosesWithPolicyViolation(t *testing.T) {
	result := make(chan State, 1)
	client := serveConn(t, func(c *Conn) {
		_, err := c.Authenticate(context.Background(), stubAuthenticator{err: auth.ErrInvalidToken}, "bad")
		if err != nil {
			result <- c.State()
		}
	})

	assert.Equal(t, StateClosed, <-result)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestConn_AuthenticateOnlyOnce(t *testing.T) {
	errs := make(chan error, 1)
	serveConn(t, func(c *Conn) {
		_, _ = c.Authenticate(context.Background(), stubAuthenticator{}, "")
		_, err := c.Authenticate(context.Background(), stubAuthenticator{}, "")
		errs <- err
		c.Close(nil)
	})
	assert.Error(t, <-errs)
}

func TestConn_SendAfterCloseFails(t *testing.T) {
	c := NewConn("conn-1", "txn_1", nil, PeerOptions{SendBuffer: 1})
	assert.True(t, c.Send([]byte("one")))
	// The queue is full.
	assert.False(t, c.Send([]byte("two")))

	c.Close(nil)
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.Send([]byte("three")))
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestConn_PumpsDeliverAndUnregister(t *testing.T) {
	s := startServer(t, Options{})
	other := newFakePeer("other", "txn_1")
	require.NoError(t, s.Register(other))

	conns := make(chan *Conn, 1)
	client := serveConn(t, func(c *Conn) {
		if _, err := c.Authenticate(context.Background(), stubAuthenticator{}, ""); err != nil {
			return
		}
		if err := s.Register(c); err != nil {
			return
		}
		conns <- c
		go c.WritePump()
		c.ReadPump(s)
	})
	c := <-conns
	assert.Equal(t, 2, s.Count("txn_1"))

	// Inbound frames reach the other peer.
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hi")))
	assert.Eventually(t, func() bool { return len(other.messages()) == 1 }, waitFor, 10*time.Millisecond)

	// Outbound payloads arrive as one text frame each.
	s.Relay(other, []byte("back"))
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, "back", string(payload))

	// Closing the client removes the connection from its room.
	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return c.State() == StateClosed }, waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Count("txn_1") == 1 }, waitFor, 10*time.Millisecond)
}

func TestConn_StalledPeerDoesNotHoldOtherRooms(t *testing.T) {
	s := startServer(t, Options{})
	fast := newFakePeer("fast", "txn_fast")
	require.NoError(t, s.Register(fast))

	// The client never reads, so writes stall once the socket buffers fill.
	registered := make(chan struct{})
	opts := PeerOptions{SendBuffer: 1, WriteWait: 3 * time.Second, PongWait: time.Minute}
	serveConnWith(t, "txn_slow", opts, func(c *Conn) {
		if _, err := c.Authenticate(context.Background(), stubAuthenticator{}, ""); err != nil {
			return
		}
		if err := s.Register(c); err != nil {
			return
		}
		close(registered)
		go c.WritePump()
		c.ReadPump(s)
	})
	<-registered

	feeder := newFakePeer("feeder", "txn_slow")
	payload := bytes.Repeat([]byte("x"), 1<<20)
	for i := 0; i < 1000 && s.Count("txn_slow") > 0; i++ {
		s.Relay(feeder, payload)
		time.Sleep(5 * time.Millisecond)
	}
	require.Zero(t, s.Count("txn_slow"), "stalled peer was never dropped")

	// Dropping the stalled peer must not delay delivery in another room.
	start := time.Now()
	s.Relay(newFakePeer("seller", "txn_fast"), []byte("sold"))
	require.Eventually(t, func() bool { return len(fast.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}
