package pubsub

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

type localSubscriber struct {
	mu     sync.Mutex
	ch     chan Message
	closed bool
}

// send reports false when the subscriber is closed or its buffer is full.
func (s *localSubscriber) send(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *localSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Local delivers messages within the current process only.
type Local struct {
	mu          sync.RWMutex
	subscribers map[string][]*localSubscriber
}

// Compile time verification that *Local implements PubSub.
var _ PubSub = (*Local)(nil)

// NewLocal returns an in-process backend.
func NewLocal() *Local {
	return &Local{
		subscribers: make(map[string][]*localSubscriber),
	}
}

func (l *Local) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	subs := make([]*localSubscriber, len(l.subscribers[channel]))
	copy(subs, l.subscribers[channel])
	l.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range subs {
		if !sub.send(msg) {
			logrus.WithFields(logrus.Fields{
				"channel": channel,
			}).Warnf("pubsub: subscriber full, dropping message")
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	sub := &localSubscriber{
		ch: make(chan Message, subscriberBuffer),
	}

	l.mu.Lock()
	l.subscribers[channel] = append(l.subscribers[channel], sub)
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.unsubscribe(channel, sub)
	}()

	return sub.ch, nil
}

func (l *Local) unsubscribe(channel string, sub *localSubscriber) {
	l.mu.Lock()
	subs := l.subscribers[channel]
	for i, s := range subs {
		if s == sub {
			l.subscribers[channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(l.subscribers[channel]) == 0 {
		delete(l.subscribers, channel)
	}
	l.mu.Unlock()

	sub.close()
}

func (l *Local) Close() error {
	l.mu.Lock()
	var all []*localSubscriber
	for _, subs := range l.subscribers {
		all = append(all, subs...)
	}
	l.subscribers = make(map[string][]*localSubscriber)
	l.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
	return nil
}
