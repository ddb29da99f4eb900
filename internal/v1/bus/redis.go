package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/synccore/synccore/internal/v1/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// relayFrame is the wire envelope used to move an Event between server
// processes over Redis Pub/Sub.
type relayFrame struct {
	PodID     string          `json:"podId"` // originating pod, used to suppress self-echo
	ScopeKind string          `json:"scopeKind"`
	ScopeID   string          `json:"scopeId"`
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Client wraps a pooled Redis connection behind a circuit breaker so Redis
// outages degrade the sync engine to single-pod behavior instead of failing
// every publish/session lookup.
type Client struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Raw returns the underlying Redis client, for callers (session store,
// health checks) that need direct access.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// NewClient dials Redis, verifies connectivity, and wraps the connection in
// a circuit breaker that reports its state via Prometheus.
func NewClient(addr, password string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("connected to Redis", "addr", addr)
	return &Client{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	_, err := c.cb.Execute(func() (interface{}, error) { return nil, c.client.Ping(ctx).Err() })
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// SetAdd/SetRem/SetMembers back the session store's cross-pod "which
// sessions exist" index (C5) with graceful degradation when Redis is down.

func (c *Client) SetAdd(ctx context.Context, key, member string) error {
	if c == nil || c.client == nil {
		return nil
	}
	_, err := c.cb.Execute(func() (interface{}, error) { return nil, c.client.SAdd(ctx, key, member).Err() })
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("redis setadd: %w", err)
	}
	return nil
}

func (c *Client) SetRem(ctx context.Context, key, member string) error {
	if c == nil || c.client == nil {
		return nil
	}
	_, err := c.cb.Execute(func() (interface{}, error) { return nil, c.client.SRem(ctx, key, member).Err() })
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("redis setrem: %w", err)
	}
	return nil
}

func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	res, err := c.cb.Execute(func() (interface{}, error) { return c.client.SMembers(ctx, key).Result() })
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return res.([]string), nil
}

// RedisRelay mirrors local Topic publishes onto Redis Pub/Sub so that every
// pod subscribed to the same Scope observes the same event stream, and
// subscribes incoming frames from other pods back into local Topics.
type RedisRelay struct {
	client *Client
	podID  string
}

// NewRedisRelay creates a relay bound to client. Each process gets a random
// podID so it can recognize and drop its own echoed publishes.
func NewRedisRelay(client *Client) *RedisRelay {
	return &RedisRelay{client: client, podID: uuid.NewString()}
}

func channelFor(scope Scope) string {
	return fmt.Sprintf("synccore:%s:%s", scope.Kind, scope.ID)
}

// Publish mirrors a locally-produced event to Redis for other pods.
func (r *RedisRelay) Publish(ctx context.Context, evt Event) {
	if r == nil || r.client == nil || r.client.client == nil {
		return
	}

	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		slog.Error("bus relay: marshal payload failed", "error", err)
		return
	}
	frame := relayFrame{
		PodID:     r.podID,
		ScopeKind: evt.Scope.Kind,
		ScopeID:   evt.Scope.ID,
		Seq:       evt.Seq,
		Type:      evt.Type,
		Payload:   payload,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("bus relay: marshal frame failed", "error", err)
		return
	}

	_, err = r.client.cb.Execute(func() (interface{}, error) {
		return nil, r.client.client.Publish(ctx, channelFor(evt.Scope), data).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("bus relay: circuit open, dropping publish", "scope", evt.Scope)
			return
		}
		slog.Error("bus relay: publish failed", "scope", evt.Scope, "error", err)
	}
}

// Attach subscribes to scope's Redis channel and forwards any frame that
// didn't originate from this pod into the local Topic, so a single logical
// event published on one pod fans out to connections on every pod.
func (r *RedisRelay) Attach(scope Scope, topic *Topic) {
	if r == nil || r.client == nil || r.client.client == nil {
		return
	}

	pubsub := r.client.client.Subscribe(context.Background(), channelFor(scope))
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for msg := range ch {
			var frame relayFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				slog.Error("bus relay: unmarshal frame failed", "error", err)
				continue
			}
			if frame.PodID == r.podID {
				continue // suppress self-echo
			}
			var payload any
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				slog.Error("bus relay: unmarshal payload failed", "error", err)
				continue
			}
			topic.Publish(scope, frame.Type, payload)
		}
	}()
}
