package backplane

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisTransport implements Transport on top of a redis.UniversalClient's
// native PUBLISH/SUBSCRIBE commands, the same client type the L2 remote
// store talks to — one connection pool serves both roles.
type RedisTransport struct {
	client redis.UniversalClient
}

// NewRedisTransport wraps an existing client. The caller owns the client's
// lifecycle; Close on the returned Transport does not close it.
func NewRedisTransport(client redis.UniversalClient) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := t.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op: the underlying client is owned by the caller. It exists
// to satisfy Transport.
func (t *RedisTransport) Close() error { return nil }
