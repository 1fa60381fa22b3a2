// Package pubsub carries room broadcasts between relay instances so that
// peers connected to different processes still see each other's messages.
package pubsub

import "context"

// Message is one payload received from a channel.
type Message struct {
	Channel string
	Payload []byte
}

// PubSub is a fan-out backend. Implementations are safe for concurrent use.
type PubSub interface {
	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel of messages published to channel. The
	// returned channel is closed when ctx is cancelled or Close is called.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	// Close releases every subscription.
	Close() error
}

// BroadcastChannel is the channel every relay instance publishes room
// broadcasts to.
const BroadcastChannel = "relay:broadcast"

// subscriberBuffer bounds how far a subscriber may fall behind before
// messages to it are dropped.
const subscriberBuffer = 256
