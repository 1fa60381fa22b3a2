// Package relay brokers room membership and fan-out for live connections.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ConorRoberts/ticket-marketplace-sub000/envelope"
	"github.com/ConorRoberts/ticket-marketplace-sub000/metrics"
	"github.com/ConorRoberts/ticket-marketplace-sub000/pubsub"
	"github.com/sirupsen/logrus"
)

// ErrServerClosed is returned once the server has shut down.
var ErrServerClosed = errors.New("relay: server is shutting down")

type Server interface {
	IsClosed() bool
	Close()

	// Register adds an authenticated peer to its room.
	Register(Peer) error

	// Unregister removes a peer from its room.
	Unregister(Peer)

	// Relay forwards a raw frame from sender verbatim to the other peers in
	// the sender's room. The frame is not validated.
	Relay(sender Peer, raw []byte)

	// Push decodes body as an envelope and broadcasts it to every peer in
	// room. Nothing is broadcast when decoding fails.
	Push(ctx context.Context, room string, body []byte) (envelope.Envelope, error)

	// Publish broadcasts an envelope built in-process to every peer in room.
	Publish(ctx context.Context, room string, env envelope.Envelope) error

	// Count returns the number of peers in room.
	Count(room string) int

	// Run processes events until ctx is done or Close is called.
	Run(context.Context) error
}

// Compile time verification that *server implements the Server interface
var _ Server = (*server)(nil)

// Options configures NewServer. Zero fields get working defaults.
type Options struct {
	Registry *Registry

	// PubSub, when set, carries every broadcast through the backend so
	// that peers on other instances receive it too.
	PubSub pubsub.PubSub

	Metrics *metrics.Metrics

	// EventBuffer is the capacity of the inbound event queue.
	EventBuffer int
}

type eventKind int

const (
	eventRegister eventKind = iota
	eventUnregister
	eventBroadcast
)

type event struct {
	kind    eventKind
	peer    Peer
	room    string
	payload []byte
	exclude []string
	ingress string

	// done, when set, is closed after the event has been handled.
	done chan struct{}
}

// server processes register, unregister and broadcast events one at a time
// on the Run goroutine, which gives every room a single order of events.
type server struct {
	registry *Registry
	ps       pubsub.PubSub
	metrics  *metrics.Metrics

	events chan event

	running   atomic.Bool
	closed    atomic.Bool
	stop      chan struct{}
	closeOnce sync.Once
}

// NewServer returns a Server. Run must be started before peers register.
func NewServer(opts Options) Server {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}
	s := &server{
		registry: opts.Registry,
		ps:       opts.PubSub,
		metrics:  opts.Metrics,
		events:   make(chan event, opts.EventBuffer),
		stop:     make(chan struct{}),
	}
	s.registry.onDrop = func(Peer) {
		s.metrics.RecordDroppedPeer("send_failed")
	}
	return s
}

func (s *server) IsClosed() bool {
	return s.closed.Load()
}

// Close stops the event loop and closes every registered peer.
func (s *server) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		s.registry.CloseAll(ErrServerClosed)
		s.updateMetrics()
		logrus.Infof("relay: server closed")
	})
}

func (s *server) Register(p Peer) error {
	if s.IsClosed() {
		return ErrServerClosed
	}
	if !s.submit(event{kind: eventRegister, peer: p, done: make(chan struct{})}) {
		return ErrServerClosed
	}
	return nil
}

func (s *server) Unregister(p Peer) {
	if s.IsClosed() {
		return
	}
	s.submit(event{kind: eventUnregister, peer: p, done: make(chan struct{})})
}

func (s *server) Relay(sender Peer, raw []byte) {
	err := s.fanout(context.Background(), sender.Room(), raw, []string{sender.ID()}, metrics.IngressRaw)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room":          sender.Room(),
			"connection_id": sender.ID(),
		}).Warnf("relay: raw message not relayed")
	}
}

func (s *server) Push(ctx context.Context, room string, body []byte) (envelope.Envelope, error) {
	env, err := envelope.Decode(body)
	if err != nil {
		s.metrics.RecordDecodeFailure(metrics.IngressPush)
		logrus.WithError(err).WithFields(logrus.Fields{
			"room": room,
		}).Infof("relay: push rejected")
		return envelope.Envelope{}, err
	}
	if err := s.Publish(ctx, room, env); err != nil {
		return envelope.Envelope{}, err
	}
	return env, nil
}

func (s *server) Publish(ctx context.Context, room string, env envelope.Envelope) error {
	payload, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"room":         room,
		"type":         env.Type(),
		"publisher_id": env.PublisherID,
	}).Debugf("relay: publishing envelope")
	return s.fanout(ctx, room, payload, nil, metrics.IngressPush)
}

func (s *server) Count(room string) int {
	return s.registry.Count(room)
}

// fanout hands a broadcast to the pub/sub backend when there is one, or
// straight to the event loop otherwise.
func (s *server) fanout(ctx context.Context, room string, payload []byte, exclude []string, ingress string) error {
	if s.IsClosed() {
		return ErrServerClosed
	}
	if s.ps != nil {
		frame, err := pubsub.EncodeFrame(pubsub.Frame{
			Room:    room,
			Payload: payload,
			Exclude: exclude,
			Ingress: ingress,
		})
		if err != nil {
			return err
		}
		return s.ps.Publish(ctx, pubsub.BroadcastChannel, frame)
	}
	if !s.submit(event{kind: eventBroadcast, room: room, payload: payload, exclude: exclude, ingress: ingress}) {
		return ErrServerClosed
	}
	return nil
}

// submit queues ev for the event loop and, when ev.done is set, waits for
// it to be handled. It reports false if the server stopped first.
func (s *server) submit(ev event) bool {
	select {
	case s.events <- ev:
	case <-s.stop:
		return false
	}
	if ev.done == nil {
		return true
	}
	select {
	case <-ev.done:
		return true
	case <-s.stop:
		return false
	}
}

// Run should be run on a goroutine, and it should not be called more than once.
func (s *server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("relay: server is already running")
	}
	defer s.Close()

	if s.ps != nil {
		frames, err := s.ps.Subscribe(ctx, pubsub.BroadcastChannel)
		if err != nil {
			return fmt.Errorf("relay: subscribe to %s: %w", pubsub.BroadcastChannel, err)
		}
		go s.consumeFrames(frames)
	}

	for {
		select {

		// [CASE] Context was cancelled, and we need to bail!
		case <-ctx.Done():
			logrus.Infof("relay: context cancelled; stopping server")
			return nil

		// [CASE] Close was called.
		case <-s.stop:
			return nil

		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *server) handle(ev event) {
	if ev.done != nil {
		defer close(ev.done)
	}

	switch ev.kind {
	case eventRegister:
		if s.IsClosed() {
			ev.peer.Close(ErrServerClosed)
			return
		}
		s.registry.Register(ev.peer.Room(), ev.peer)
		s.updateMetrics()
		logrus.WithFields(logrus.Fields{
			"room":          ev.peer.Room(),
			"connection_id": ev.peer.ID(),
			"user_id":       ev.peer.Identity().String(),
		}).Infof("relay: peer joined")

	case eventUnregister:
		if s.registry.Unregister(ev.peer.Room(), ev.peer) {
			s.updateMetrics()
			logrus.WithFields(logrus.Fields{
				"room":          ev.peer.Room(),
				"connection_id": ev.peer.ID(),
			}).Infof("relay: peer left")
		}

	case eventBroadcast:
		delivered := s.registry.Broadcast(ev.room, ev.payload, ev.exclude...)
		s.metrics.RecordMessage(ev.ingress, delivered)
		logrus.WithFields(logrus.Fields{
			"room":       ev.room,
			"ingress":    ev.ingress,
			"recipients": delivered,
		}).Debugf("relay: broadcast")
	}
}

// consumeFrames feeds broadcasts received from the backend into the event loop.
func (s *server) consumeFrames(frames <-chan pubsub.Message) {
	for msg := range frames {
		frame, err := pubsub.DecodeFrame(msg.Payload)
		if err != nil {
			logrus.WithError(err).Warnf("relay: dropping undecodable frame")
			continue
		}
		ingress := frame.Ingress
		if ingress == "" {
			ingress = metrics.IngressPush
		}
		if !s.submit(event{
			kind:    eventBroadcast,
			room:    frame.Room,
			payload: frame.Payload,
			exclude: frame.Exclude,
			ingress: ingress,
		}) {
			return
		}
	}
}

func (s *server) updateMetrics() {
	if s.metrics == nil {
		return
	}
	peers, rooms := s.registry.Stats()
	s.metrics.UpdateRelayStats(peers, rooms)
}
