package client

import (
	"fmt"

	"github.com/ConorRoberts/ticket-marketplace-sub000/envelope"
	"github.com/sirupsen/logrus"
)

// Publisher sends envelopes tagged with one session's publisher identity.
type Publisher struct {
	conn        *Conn
	publisherID string
}

// NewPublisher returns a Publisher sending over conn.
func NewPublisher(conn *Conn, publisherID string) *Publisher {
	return &Publisher{conn: conn, publisherID: publisherID}
}

// PublisherID returns the identity attached to every envelope.
func (p *Publisher) PublisherID() string {
	return p.publisherID
}

// Publish wraps data in an envelope and sends it. It returns ErrNotConnected
// when the connection is not open; nothing is queued.
func (p *Publisher) Publish(data envelope.Variant) error {
	env := envelope.New(p.publisherID, data)
	payload, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", env.Type(), err)
	}
	if err := p.conn.Send(payload); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room":         p.conn.Room(),
			"type":         env.Type(),
			"publisher_id": p.publisherID,
		}).Debugf("client: publish failed")
		return err
	}
	return nil
}
