package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ConorRoberts/ticket-marketplace-sub000/auth"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// State is a connection's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	errPeerClosed         = errors.New("peer closed the connection")
	errUndeliverablePeer  = errors.New("message was undeliverable to peer")
	errAuthenticationFail = errors.New("authentication failed")
)

// Peer is a connection as seen by the Registry and the Server.
type Peer interface {
	ID() string
	Room() string
	Identity() auth.Identity

	// Send queues payload without blocking. It reports false when the peer
	// is closed or cannot keep up.
	Send(payload []byte) bool

	// Close tears the connection down. It is safe to call more than once.
	Close(err error)
}

// PeerOptions tunes a Conn.
type PeerOptions struct {
	// Time allowed to write a message to the peer.
	WriteWait time.Duration

	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration

	// Maximum message size allowed from peer.
	MaxMessageSize int64

	// Outbound queue length.
	SendBuffer int
}

// DefaultPeerOptions are used for zero fields of PeerOptions.
var DefaultPeerOptions = PeerOptions{
	WriteWait:      10 * time.Second,
	PongWait:       60 * time.Second,
	MaxMessageSize: 64 * 1024,
	SendBuffer:     256,
}

func (o PeerOptions) withDefaults() PeerOptions {
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultPeerOptions.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPeerOptions.PongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultPeerOptions.MaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultPeerOptions.SendBuffer
	}
	return o
}

// pingPeriod must be less than PongWait.
func (o PeerOptions) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// Conn is a live websocket connection belonging to exactly one room.
// It is a middleman between the websocket and the Server: ReadPump feeds
// inbound frames to the Server, WritePump drains the send queue.
type Conn struct {
	id       string
	room     string
	identity auth.Identity
	opts     PeerOptions

	conn *websocket.Conn

	// Buffered queue of outbound payloads.
	send chan []byte

	state     atomic.Int32
	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
}

// Compile time verification that *Conn implements Peer.
var _ Peer = (*Conn)(nil)

// NewConn wraps an upgraded websocket. The connection starts in
// StateConnecting.
func NewConn(id, room string, conn *websocket.Conn, opts PeerOptions) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		id:   id,
		room: room,
		opts: opts,
		conn: conn,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string   { return c.id }
func (c *Conn) Room() string { return c.room }

func (c *Conn) Identity() auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// transition moves from one state to another, refusing to leave Closed.
func (c *Conn) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Authenticate runs the authenticator for token. On success the connection
// becomes Active; on failure it is closed with a policy-violation frame.
func (c *Conn) Authenticate(ctx context.Context, a auth.Authenticator, token string) (auth.Identity, error) {
	if !c.transition(StateConnecting, StateAuthenticating) {
		return auth.Identity{}, errors.New("relay: connection is not awaiting authentication")
	}
	identity, err := a.Authenticate(ctx, token)
	if err != nil {
		c.closeWith(websocket.ClosePolicyViolation, errAuthenticationFail.Error())
		return auth.Identity{}, err
	}

	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()

	if !c.transition(StateAuthenticating, StateActive) {
		return auth.Identity{}, errPeerClosed
	}
	return identity, nil
}

func (c *Conn) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close marks the connection closed and returns without waiting on the
// socket. The close frame carrying err is written and the socket closed on
// another goroutine.
func (c *Conn) Close(err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	c.closeWith(websocket.CloseGoingAway, reason)
}

func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		logrus.WithFields(logrus.Fields{
			"room":          c.room,
			"connection_id": c.id,
			"reason":        reason,
		}).Debugf("relay: connection closed")
		if c.conn == nil {
			return
		}
		// Control frames carry at most 123 bytes of reason.
		if len(reason) > 123 {
			reason = reason[:123]
		}
		go c.teardown(code, reason)
	})
}

// teardown writes the close frame and closes the socket. WriteControl queues
// behind any write in flight, so a stalled peer holds it for up to WriteWait.
func (c *Conn) teardown(code int, reason string) {
	deadline := time.Now().Add(c.opts.WriteWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// ReadPump pumps frames from the websocket to the server until the
// connection fails, then unregisters it.
//
// The application runs ReadPump in a per-connection goroutine. There is at
// most one reader on a connection.
func (c *Conn) ReadPump(s Server) {
	defer func() {
		s.Unregister(c)
		c.Close(errPeerClosed)
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logrus.WithError(err).WithFields(logrus.Fields{
					"room":          c.room,
					"connection_id": c.id,
				}).Warnf("relay: unexpected close")
			}
			return
		}
		s.Relay(c, raw)
	}
}

// WritePump pumps queued payloads to the websocket and keeps the connection
// alive with pings. There is at most one writer on a connection.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.opts.pingPeriod())
	var pumpErr error
	defer func() {
		ticker.Stop()
		c.Close(pumpErr)
	}()

	for {
		select {
		case <-c.done:
			return

		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				pumpErr = err
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				pumpErr = err
				return
			}
		}
	}
}
