package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ConorRoberts/ticket-marketplace-sub000/envelope"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomURL(t *testing.T) {
	cases := []struct {
		base, room, token string
		want              string
	}{
		{"http://localhost:1999", "txn_1", "", "ws://localhost:1999/parties/main/txn_1"},
		{"https://relay.example.com/", "txn_1", "tok", "wss://relay.example.com/parties/main/txn_1?token=tok"},
		{"ws://localhost:1999/base", "a b", "", "ws://localhost:1999/base/parties/main/a%20b"},
		{"http://localhost:1999", "listing/42", "", "ws://localhost:1999/parties/main/listing%2F42"},
	}
	for _, tc := range cases {
		got, err := RoomURL(tc.base, tc.room, tc.token)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := RoomURL("ftp://example.com", "txn_1", "")
	assert.Error(t, err)
}

func TestPublisherID_CreatedOnceAndReused(t *testing.T) {
	stores := map[string]SessionStore{
		"memory": &MemorySessionStore{},
		"file":   &FileSessionStore{Path: filepath.Join(t.TempDir(), "session", "publisher")},
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			first, err := PublisherID(store)
			require.NoError(t, err)
			assert.NotEmpty(t, first)

			again, err := PublisherID(store)
			require.NoError(t, err)
			assert.Equal(t, first, again)

			require.NoError(t, store.Clear())
			fresh, err := PublisherID(store)
			require.NoError(t, err)
			assert.NotEqual(t, first, fresh)
		})
	}
}

func TestFileSessionStore_SurvivesNewInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "publisher")
	id, err := PublisherID(&FileSessionStore{Path: path})
	require.NoError(t, err)

	again, err := PublisherID(&FileSessionStore{Path: path})
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestPublisher_NotConnected(t *testing.T) {
	conn := New(Options{BaseURL: "http://localhost:1", Room: "txn_1"})
	p := NewPublisher(conn, "pub-A")
	assert.Equal(t, "pub-A", p.PublisherID())

	err := p.Publish(envelope.TicketPurchase{TransactionID: "txn_1"})
	assert.ErrorIs(t, err, ErrNotConnected)

	// Invalid variants never reach the connection.
	err = p.Publish(envelope.TicketPurchase{})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConnected)

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, conn.Send([]byte("x")), ErrClosed)
}

// echoServer upgrades every request and writes back each frame it reads.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			kind, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(kind, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubscriber_SuppressSelf(t *testing.T) {
	srv := echoServer(t)
	conn := New(Options{BaseURL: srv.URL, Room: "txn_1"})
	defer conn.Close()

	all := make(chan envelope.Envelope, 4)
	others := make(chan envelope.Envelope, 4)
	sub := NewSubscriber(conn, "pub-A")

	stopAll, err := sub.Subscribe(context.Background(), func(e envelope.Envelope) { all <- e }, SubscribeOptions{})
	require.NoError(t, err)
	defer stopAll()
	stopOthers, err := sub.Subscribe(context.Background(), func(e envelope.Envelope) { others <- e }, SubscribeOptions{SuppressSelf: true})
	require.NoError(t, err)
	defer stopOthers()

	require.NoError(t, NewPublisher(conn, "pub-A").Publish(envelope.TicketPurchase{TransactionID: "own"}))
	require.NoError(t, NewPublisher(conn, "pub-B").Publish(envelope.TicketPurchase{TransactionID: "theirs"}))

	got := []string{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-all:
			got = append(got, e.Data.(envelope.TicketPurchase).TransactionID)
		case <-time.After(2 * time.Second):
			t.Fatal("echo not received")
		}
	}
	assert.Equal(t, []string{"own", "theirs"}, got)

	select {
	case e := <-others:
		assert.Equal(t, "pub-B", e.PublisherID)
	case <-time.After(2 * time.Second):
		t.Fatal("message from another publisher not received")
	}
	assert.Empty(t, others)
}

func TestConn_ReadsWhileWriteIsBlocked(t *testing.T) {
	// The server never reads, so the client's writes stall once the socket
	// buffers fill. It writes one frame when asked.
	speak := make(chan struct{})
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-speak
		_ = ws.WriteMessage(websocket.TextMessage, []byte("hello"))
		<-release
	}))
	defer srv.Close()

	conn := New(Options{BaseURL: srv.URL, Room: "txn_1"})
	defer conn.Close()
	defer close(release)
	got := make(chan string, 1)
	conn.OnMessage(func(b []byte) { got <- string(b) })
	require.NoError(t, conn.Connect(context.Background()))

	go func() {
		payload := bytes.Repeat([]byte("x"), 1<<20)
		for conn.Send(payload) == nil {
		}
	}()
	time.Sleep(300 * time.Millisecond)

	close(speak)
	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(time.Second):
		t.Fatal("inbound frame held behind a blocked write")
	}
}

func TestConnectWithRetry_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	conn := New(Options{BaseURL: srv.URL, Room: "txn_1"})
	start := time.Now()
	err := conn.ConnectWithRetry(context.Background(), 2)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, conn.Connected())
}

func TestConnectWithRetry_StopsOnContext(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn := New(Options{BaseURL: srv.URL, Room: "txn_1"})
	assert.Error(t, conn.ConnectWithRetry(ctx, 0))
}

func TestEmitter_Request(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotRawPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath = r.URL.Path
		gotRawPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotBody = string(b)
		mu.Unlock()
		if r.URL.Path == "/parties/main/broken" {
			http.Error(w, `{"error":"nope"}`, http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	e := NewEmitter(srv.URL+"/", "secret", nil)
	env := envelope.New("", envelope.TicketPurchase{TransactionID: "txn_1"})
	require.NoError(t, e.Emit(context.Background(), "txn_1", env))

	mu.Lock()
	assert.Equal(t, "/parties/main/txn_1", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.JSONEq(t, `{"type":"ticketPurchase","data":{"transactionId":"txn_1"}}`, gotBody)
	mu.Unlock()

	err := e.Emit(context.Background(), "broken", env)
	var pushErr *PushError
	require.ErrorAs(t, err, &pushErr)
	assert.Equal(t, http.StatusBadRequest, pushErr.StatusCode)
	assert.Contains(t, pushErr.Error(), "nope")

	assert.Error(t, e.Emit(context.Background(), "txn_1", envelope.New("", envelope.TicketPurchase{})))

	require.NoError(t, e.Emit(context.Background(), "listing/42", env))
	mu.Lock()
	assert.Equal(t, "/parties/main/listing/42", gotPath)
	assert.Equal(t, "/parties/main/listing%2F42", gotRawPath)
	mu.Unlock()
}
