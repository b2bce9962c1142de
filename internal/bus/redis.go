package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis implements Bus with github.com/redis/go-redis/v9: PUBLISH and
// SUBSCRIBE for channels, hashes for the per-user connection registry,
// and sets for the per-instance subscription registry.
type Redis struct {
	client *redis.Client
	log    zerolog.Logger

	mu      sync.Mutex
	pubsub  *redis.PubSub
	subbed  map[string]bool
}

// RedisConfig holds the connection parameters for NewRedis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedis(cfg RedisConfig, log zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:        25,
		MinIdleConns:    5,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{client: client, log: log, subbed: make(map[string]bool)}, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := r.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", channel, err)
	}
	return n, nil
}

func (r *Redis) Subscribe(ctx context.Context, instanceID string, channels ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.client.SAdd(ctx, subscriptionsKey(instanceID), toAny(channels)...).Err(); err != nil {
		return fmt.Errorf("track subscriptions: %w", err)
	}

	if r.pubsub == nil {
		r.pubsub = r.client.Subscribe(ctx, channels...)
		for _, c := range channels {
			r.subbed[c] = true
		}
		return nil
	}

	var fresh []string
	for _, c := range channels {
		if !r.subbed[c] {
			fresh = append(fresh, c)
			r.subbed[c] = true
		}
	}
	if len(fresh) > 0 {
		return r.pubsub.Subscribe(ctx, fresh...)
	}
	return nil
}

func (r *Redis) Unsubscribe(ctx context.Context, instanceID string, channels ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.client.SRem(ctx, subscriptionsKey(instanceID), toAny(channels)...).Err(); err != nil {
		return fmt.Errorf("untrack subscriptions: %w", err)
	}
	if r.pubsub == nil {
		return nil
	}
	for _, c := range channels {
		delete(r.subbed, c)
	}
	return r.pubsub.Unsubscribe(ctx, channels...)
}

// RegisterConnection writes the connection hash entry and (re)arms the
// whole key's TTL, so a crashed instance's entries don't leak forever
// without an explicit UnregisterConnection. RefreshConnection renews
// the TTL on every client heartbeat for as long as the connection
// lives.
func (r *Redis) RegisterConnection(ctx context.Context, userID, connectionID, instanceID string, meta ConnectionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	key := connectionsKey(userID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, connectionID, data)
	pipe.Expire(ctx, key, ConnectionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) UnregisterConnection(ctx context.Context, userID, connectionID string) error {
	return r.client.HDel(ctx, connectionsKey(userID), connectionID).Err()
}

func (r *Redis) RefreshConnection(ctx context.Context, userID, connectionID string) error {
	key := connectionsKey(userID)
	ok, err := r.client.HExists(ctx, key, connectionID).Result()
	if err != nil {
		return fmt.Errorf("refresh connection for %s: %w", userID, err)
	}
	if !ok {
		return nil
	}
	return r.client.Expire(ctx, key, ConnectionTTL).Err()
}

func (r *Redis) ConnectionCount(ctx context.Context, userID string) (int, error) {
	n, err := r.client.HLen(ctx, connectionsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("connection count for %s: %w", userID, err)
	}
	return int(n), nil
}

// ListenerLoop receives from the shared subscription and invokes
// handler, reconnecting with BackoffSchedule delays on failure.
func (r *Redis) ListenerLoop(ctx context.Context, instanceID string, handler Handler) {
	attempt := 0
outer:
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.mu.Lock()
		ps := r.pubsub
		r.mu.Unlock()
		if ps == nil {
			r.mu.Lock()
			r.pubsub = r.client.Subscribe(ctx)
			ps = r.pubsub
			r.mu.Unlock()
		}

		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					attempt++
					delay := BackoffSchedule(attempt)
					r.log.Warn().Dur("backoff", delay).Msg("bus listener detached, reconnecting")
					r.mu.Lock()
					r.pubsub = nil
					r.mu.Unlock()
					select {
					case <-ctx.Done():
						return
					case <-time.After(delay):
					}
					continue outer
				}
				attempt = 0
				handler(ctx, msg.Channel, []byte(msg.Payload))
			}
		}
	}
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		_ = r.pubsub.Close()
	}
	return r.client.Close()
}

func connectionsKey(userID string) string     { return "connections:" + userID }
func subscriptionsKey(instanceID string) string { return "subscriptions:" + instanceID }

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
