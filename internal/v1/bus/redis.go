package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/metrics"
)

// RedisBus fans signaling events out across instances via Redis pub/sub and
// keeps shared presence sets there. All methods tolerate a nil receiver so a
// single-instance deployment can run without Redis at all.
type RedisBus struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, for callers that need raw
// access (the rate limiter store shares this connection pool).
func (s *RedisBus) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewRedisBus connects to Redis and verifies the connection before returning.
func NewRedisBus(addr, password string, db int) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
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
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
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

	logging.Info(context.Background(), "connected to Redis bus", zap.String("addr", addr), zap.Int("db", db))
	return &RedisBus{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish broadcasts an event to every instance subscribed to the channel.
// Roles narrows delivery to clients holding one of the listed roles
// (nil/empty = all roles).
func (s *RedisBus) Publish(ctx context.Context, channelID string, event string, payload any, senderID string, roles []string) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := encodeEnvelope(channelID, event, payload, senderID, roles)
		if err != nil {
			return nil, err
		}
		return nil, s.client.Publish(ctx, RoomSubject(channelID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.BusPublishes.WithLabelValues("redis", "dropped").Inc()
			logging.Warn(ctx, "redis circuit breaker open, dropping publish", zap.String("channelId", channelID), zap.String("event", event))
			return nil // graceful degradation: drop message, don't crash caller
		}
		metrics.BusPublishes.WithLabelValues("redis", "error").Inc()
		logging.Error(ctx, "redis publish failed", zap.String("channelId", channelID), zap.String("event", event), zap.Error(err))
		return err
	}

	metrics.BusPublishes.WithLabelValues("redis", "ok").Inc()
	return nil
}

// PublishDirect sends an event to a single session, wherever it is connected.
func (s *RedisBus) PublishDirect(ctx context.Context, targetUserID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		// ChannelID and Roles stay empty for direct messages.
		data, err := encodeEnvelope("", event, payload, senderID, nil)
		if err != nil {
			return nil, err
		}
		return nil, s.client.Publish(ctx, UserSubject(targetUserID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.BusPublishes.WithLabelValues("redis", "dropped").Inc()
			logging.Warn(ctx, "redis circuit breaker open, dropping direct message", zap.String("targetUserId", targetUserID))
			return nil // graceful degradation
		}
		metrics.BusPublishes.WithLabelValues("redis", "error").Inc()
		logging.Error(ctx, "redis direct publish failed", zap.String("targetUserId", targetUserID), zap.String("event", event), zap.Error(err))
		return err
	}

	metrics.BusPublishes.WithLabelValues("redis", "ok").Inc()
	return nil
}

// Subscribe starts a background goroutine delivering envelopes published by
// OTHER instances to handler. The goroutine exits when ctx is cancelled; wg,
// if non-nil, tracks its lifetime.
func (s *RedisBus) Subscribe(ctx context.Context, channelID string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return // single-instance mode
	}

	// Long-lived subscriptions don't fit the request/response circuit
	// breaker; the go-redis pubsub reconnects on its own.
	subject := RoomSubject(channelID)
	pubsub := s.client.Subscribe(ctx, subject)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "subscribed to redis subject", zap.String("subject", subject))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return // room closed
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "redis subscription channel closed", zap.String("subject", subject))
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(ctx, "failed to unmarshal redis envelope", zap.Error(err), zap.String("raw", msg.Payload))
					continue
				}

				handler(env)
			}
		}
	}()
}

// Ping verifies Redis is reachable. Used by health checks.
func (s *RedisBus) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close shuts down the Redis connection.
func (s *RedisBus) Close() error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}
	return s.client.Close()
}

// SetAdd adds a member to a shared set. Used for cross-instance presence.
func (s *RedisBus) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open, skipping SetAdd", zap.String("key", key))
			return nil // graceful degradation
		}
		logging.Error(ctx, "redis SetAdd failed", zap.String("key", key), zap.String("member", member), zap.Error(err))
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a shared set.
func (s *RedisBus) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open, skipping SetRem", zap.String("key", key))
			return nil // graceful degradation
		}
		logging.Error(ctx, "redis SetRem failed", zap.String("key", key), zap.String("member", member), zap.Error(err))
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers lists a shared set. When the breaker is open it returns an empty
// list so rooms keep functioning on local state alone.
func (s *RedisBus) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil // single-instance mode
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open, returning empty set members", zap.String("key", key))
			return nil, nil // graceful degradation
		}
		logging.Error(ctx, "redis SetMembers failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}
