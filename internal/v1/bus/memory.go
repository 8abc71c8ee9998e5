package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/voxhall/voxhall/internal/v1/metrics"
)

// MemoryBus is a process-local bus for single-instance deployments and
// tests. Envelopes are delivered synchronously to subscribers in the same
// process; the Set* methods keep presence in a plain map.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]func(Envelope)
	sets   map[string]map[string]struct{}
	nextID int
	closed bool
}

// NewMemoryBus builds an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string]map[int]func(Envelope)),
		sets: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryBus) deliver(subject string, env Envelope) {
	s.mu.RLock()
	handlers := make([]func(Envelope), 0, len(s.subs[subject]))
	for _, h := range s.subs[subject] {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

// Publish delivers an event to local subscribers of the channel.
func (s *MemoryBus) Publish(ctx context.Context, channelID string, event string, payload any, senderID string, roles []string) error {
	if s == nil {
		return nil
	}

	data, err := encodeEnvelope(channelID, event, payload, senderID, roles)
	if err != nil {
		metrics.BusPublishes.WithLabelValues("memory", "error").Inc()
		return err
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.BusPublishes.WithLabelValues("memory", "error").Inc()
		return err
	}

	s.deliver(RoomSubject(channelID), env)
	metrics.BusPublishes.WithLabelValues("memory", "ok").Inc()
	return nil
}

// PublishDirect delivers an event to local subscribers of one session.
func (s *MemoryBus) PublishDirect(ctx context.Context, targetUserID string, event string, payload any, senderID string) error {
	if s == nil {
		return nil
	}

	data, err := encodeEnvelope("", event, payload, senderID, nil)
	if err != nil {
		metrics.BusPublishes.WithLabelValues("memory", "error").Inc()
		return err
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.BusPublishes.WithLabelValues("memory", "error").Inc()
		return err
	}

	s.deliver(UserSubject(targetUserID), env)
	metrics.BusPublishes.WithLabelValues("memory", "ok").Inc()
	return nil
}

// Subscribe registers handler for the channel until ctx is cancelled.
func (s *MemoryBus) Subscribe(ctx context.Context, channelID string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil {
		return
	}

	subject := RoomSubject(channelID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	id := s.nextID
	s.nextID++
	if s.subs[subject] == nil {
		s.subs[subject] = make(map[int]func(Envelope))
	}
	s.subs[subject][id] = handler
	s.mu.Unlock()

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		<-ctx.Done()

		s.mu.Lock()
		delete(s.subs[subject], id)
		if len(s.subs[subject]) == 0 {
			delete(s.subs, subject)
		}
		s.mu.Unlock()
	}()
}

// Ping always succeeds; the bus lives in-process.
func (s *MemoryBus) Ping(ctx context.Context) error {
	return nil
}

// Close drops all subscriptions.
func (s *MemoryBus) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subs = make(map[string]map[int]func(Envelope))
	return nil
}

// SetAdd records a member in a process-local set.
func (s *MemoryBus) SetAdd(ctx context.Context, key string, member string) error {
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
func (s *MemoryBus) SetRem(ctx context.Context, key string, member string) error {
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
func (s *MemoryBus) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	return members, nil
}
