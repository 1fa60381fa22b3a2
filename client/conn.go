// Package client connects Go programs to a relay room: Publisher sends
// envelopes over a live connection, Subscriber receives them, and Emitter
// pushes them over HTTP from server-side code.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotConnected is returned when sending on a connection that is not open.
	ErrNotConnected = errors.New("client: not connected")
	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("client: connection closed")
)

const (
	writeWait    = 10 * time.Second
	maxReconnect = 10 * time.Second
)

// Options configures a Conn.
type Options struct {
	// BaseURL is the relay's address, e.g. "https://relay.example.com".
	// http and https are mapped to ws and wss.
	BaseURL string

	// Room is the room the connection joins.
	Room string

	// Token is the optional bearer token sent as the "token" query parameter.
	Token string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Conn is a live connection to one room. A Conn is dialed once; after the
// relay closes it, Send returns ErrNotConnected and Err reports why.
type Conn struct {
	opts Options

	// dialMu serializes Connect. writeMu serializes frame writes. Neither
	// is held while taking mu, so a blocked dial or write never stalls the
	// read loop.
	dialMu  sync.Mutex
	writeMu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	listeners map[int]func([]byte)
	nextID    int
	dialed    bool
	closed    bool
	err       error

	// done is closed when the read loop exits.
	done chan struct{}
}

// New returns an unconnected Conn.
func New(opts Options) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Conn{
		opts:      opts,
		listeners: make(map[int]func([]byte)),
		done:      make(chan struct{}),
	}
}

// RoomURL returns the live connection URL for room on the relay at base.
func RoomURL(base, room, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("client: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	// RawPath keeps a "/" inside room escaped as %2F.
	prefix := u.EscapedPath() + "/parties/main/"
	u.Path += "/parties/main/" + room
	u.RawPath = prefix + url.PathEscape(room)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Room returns the room this connection joins.
func (c *Conn) Room() string {
	return c.opts.Room
}

// Connect dials the relay. It is a no-op when already connected.
func (c *Conn) Connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	closed, connected, dialed := c.closed, c.ws != nil, c.dialed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if connected {
		return nil
	}
	if dialed {
		return ErrClosed
	}

	target, err := RoomURL(c.opts.BaseURL, c.opts.Room, c.opts.Token)
	if err != nil {
		return err
	}
	ws, resp, err := c.opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("client: dial %s: %s: %w", c.opts.Room, resp.Status, err)
		}
		return fmt.Errorf("client: dial %s: %w", c.opts.Room, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.dialed = true
	c.mu.Unlock()
	go c.readLoop(ws)

	logrus.WithFields(logrus.Fields{
		"room": c.opts.Room,
	}).Debugf("client: connected")
	return nil
}

// ConnectWithRetry tries to connect with exponential backoff, giving up after
// maxAttempts dials or when ctx is done.
func (c *Conn) ConnectWithRetry(ctx context.Context, maxAttempts int) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = maxReconnect
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if maxAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(maxAttempts-1))
	}
	policy = backoff.WithContext(policy, ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := c.Connect(ctx)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room":    c.opts.Room,
			"attempt": attempt,
			"retry":   wait.String(),
		}).Warnf("client: connect failed")
	})
}

// Connected reports whether the connection is open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Send writes payload as one text frame.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	closed, ws := c.closed, c.ws
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// OnMessage registers fn for every inbound frame and returns a function that
// removes it. fn runs on the read goroutine.
func (c *Conn) OnMessage(fn func([]byte)) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Done is closed once the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while it is open.
// A relay rejection surfaces as a *websocket.CloseError.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a normal close frame and closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return ws.Close()
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	var readErr error
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.err = readErr
		c.mu.Unlock()
		_ = ws.Close()
		close(c.done)
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithError(err).WithFields(logrus.Fields{
					"room": c.opts.Room,
				}).Warnf("client: read error")
			}
			return
		}

		c.mu.Lock()
		fns := make([]func([]byte), 0, len(c.listeners))
		for _, fn := range c.listeners {
			fns = append(fns, fn)
		}
		c.mu.Unlock()

		for _, fn := range fns {
			fn(message)
		}
	}
}

// IsRejected reports whether err is the relay refusing the connection's
// credentials.
func IsRejected(err error) bool {
	return websocket.IsCloseError(err, websocket.ClosePolicyViolation)
}
