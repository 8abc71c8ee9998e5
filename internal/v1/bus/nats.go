package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/metrics"
)

// NATSBus fans signaling events out across instances via core NATS pub/sub.
//
// NATS carries no shared key/value state, so the Set* methods track presence
// in process-local memory only. Deployments that need cross-instance
// presence (reconnect-target lookup across pods) should use the Redis
// backend instead.
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

// NewNATSBus connects to a NATS server and verifies the connection.
func NewNATSBus(url string) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("voxhall-signaling"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn(context.Background(), "nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info(context.Background(), "nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logging.Info(context.Background(), "connected to NATS bus", zap.String("url", url))
	return &NATSBus{
		conn: nc,
		sets: make(map[string]map[string]struct{}),
	}, nil
}

// natsSubject maps a bus subject to a NATS-safe one. NATS reserves '.', '*'
// and '>' as subject syntax, and channel ids contain '/', so all four are
// folded to '_'.
func natsSubject(subject string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", "/", "_", " ", "_").Replace(subject)
}

// Publish broadcasts an event to every instance subscribed to the channel.
func (s *NATSBus) Publish(ctx context.Context, channelID string, event string, payload any, senderID string, roles []string) error {
	if s == nil || s.conn == nil {
		return nil // single-instance mode
	}

	data, err := encodeEnvelope(channelID, event, payload, senderID, roles)
	if err != nil {
		metrics.BusPublishes.WithLabelValues("nats", "error").Inc()
		return err
	}

	if err := s.conn.Publish(natsSubject(RoomSubject(channelID)), data); err != nil {
		metrics.BusPublishes.WithLabelValues("nats", "error").Inc()
		logging.Error(ctx, "nats publish failed", zap.String("channelId", channelID), zap.String("event", event), zap.Error(err))
		return err
	}

	metrics.BusPublishes.WithLabelValues("nats", "ok").Inc()
	return nil
}

// PublishDirect sends an event to a single session, wherever it is connected.
func (s *NATSBus) PublishDirect(ctx context.Context, targetUserID string, event string, payload any, senderID string) error {
	if s == nil || s.conn == nil {
		return nil // single-instance mode
	}

	data, err := encodeEnvelope("", event, payload, senderID, nil)
	if err != nil {
		metrics.BusPublishes.WithLabelValues("nats", "error").Inc()
		return err
	}

	if err := s.conn.Publish(natsSubject(UserSubject(targetUserID)), data); err != nil {
		metrics.BusPublishes.WithLabelValues("nats", "error").Inc()
		logging.Error(ctx, "nats direct publish failed", zap.String("targetUserId", targetUserID), zap.String("event", event), zap.Error(err))
		return err
	}

	metrics.BusPublishes.WithLabelValues("nats", "ok").Inc()
	return nil
}

// Subscribe delivers envelopes published by other instances to handler until
// ctx is cancelled. wg, if non-nil, tracks the watcher goroutine.
func (s *NATSBus) Subscribe(ctx context.Context, channelID string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.conn == nil {
		return // single-instance mode
	}

	subject := natsSubject(RoomSubject(channelID))
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			logging.Error(ctx, "failed to unmarshal nats envelope", zap.Error(err), zap.String("subject", subject))
			return
		}
		handler(env)
	})
	if err != nil {
		logging.Error(ctx, "nats subscribe failed", zap.String("subject", subject), zap.Error(err))
		return
	}

	logging.Info(ctx, "subscribed to nats subject", zap.String("subject", subject))

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			logging.Warn(ctx, "nats unsubscribe failed", zap.String("subject", subject), zap.Error(err))
		}
	}()
}

// Ping verifies the NATS connection is alive. Used by health checks.
func (s *NATSBus) Ping(ctx context.Context) error {
	if s == nil || s.conn == nil {
		return nil // single-instance mode
	}
	if !s.conn.IsConnected() {
		return fmt.Errorf("nats connection status: %s", s.conn.Status())
	}
	return s.conn.FlushTimeout(2 * time.Second)
}

// Close drains in-flight messages and shuts the connection down.
func (s *NATSBus) Close() error {
	if s == nil || s.conn == nil {
		return nil // single-instance mode
	}
	return s.conn.Drain()
}

// SetAdd records a member in a process-local set.
func (s *NATSBus) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[key] == nil {
		s.sets[key] = make(map[string]struct{})
	}
	s.sets[key][member] = struct{}{}
	return nil
}

// SetRem removes a member from a process-local set.
func (s *NATSBus) SetRem(ctx context.Context, key string, member string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets[key], member)
	if len(s.sets[key]) == 0 {
		delete(s.sets, key)
	}
	return nil
}

// SetMembers lists a process-local set.
func (s *NATSBus) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	return members, nil
}
