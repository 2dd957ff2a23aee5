package sink

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisBroker publishes over redis pub/sub.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker connects and pings the server once.
func NewRedisBroker(ctx context.Context, c RedisConfig) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisBroker{rdb: rdb}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ps := b.rdb.Subscribe(ctx, topics...)
	// wait for the subscription confirmation so no publish is missed after return
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	out := make(chan Message, 4096)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }
