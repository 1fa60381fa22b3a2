package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis fans messages out through Redis (or a wire-compatible server such
// as Valkey or Dragonfly). Messages are not persisted.
type Redis struct {
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Compile time verification that *Redis implements PubSub.
var _ PubSub = (*Redis)(nil)

// ParseRedisURL validates url without connecting.
// url has the form redis://[user:password@]host:port[/db].
func ParseRedisURL(url string) (*redis.Options, error) {
	return redis.ParseURL(url)
}

// NewRedis connects to url and checks the connection with a PING.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := ParseRedisURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"addr": opts.Addr,
	}).Infof("pubsub: connected to redis")

	rctx, cancel := context.WithCancel(context.Background())
	return &Redis{
		client: client,
		ctx:    rctx,
		cancel: cancel,
	}, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	sub := r.client.Subscribe(r.ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	ch := make(chan Message, subscriberBuffer)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(ch)
		defer sub.Close()

		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					logrus.WithFields(logrus.Fields{
						"channel": channel,
					}).Warnf("pubsub: subscriber full, dropping message")
				}
			}
		}
	}()

	return ch, nil
}

func (r *Redis) Close() error {
	r.cancel()
	r.wg.Wait()
	return r.client.Close()
}
