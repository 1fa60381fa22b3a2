package client

import (
	"context"

	"github.com/ConorRoberts/ticket-marketplace-sub000/envelope"
	"github.com/sirupsen/logrus"
)

// Handler receives every envelope a Subscriber accepts.
type Handler func(envelope.Envelope)

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// SuppressSelf drops envelopes whose publisher is this session.
	// By default they are delivered and the handler decides.
	SuppressSelf bool
}

// Subscriber decodes inbound frames and routes valid envelopes to handlers.
type Subscriber struct {
	conn        *Conn
	publisherID string
}

// NewSubscriber returns a Subscriber reading from conn on behalf of the
// session identified by publisherID.
func NewSubscriber(conn *Conn, publisherID string) *Subscriber {
	return &Subscriber{conn: conn, publisherID: publisherID}
}

// Subscribe connects if needed and calls handler for every envelope that
// decodes. Frames that fail to decode are logged and dropped. The returned
// function ends the subscription.
func (s *Subscriber) Subscribe(ctx context.Context, handler Handler, opts SubscribeOptions) (func(), error) {
	remove := s.conn.OnMessage(func(raw []byte) {
		env, err := envelope.Decode(raw)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"room": s.conn.Room(),
			}).Warnf("client: dropping undecodable message")
			return
		}
		if opts.SuppressSelf && env.PublisherID != "" && env.PublisherID == s.publisherID {
			return
		}
		handler(env)
	})
	if err := s.conn.Connect(ctx); err != nil {
		remove()
		return nil, err
	}
	return remove, nil
}
