package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/voxhall/voxhall/pkg/signal"
)

// reconnectHarness wires a reconnector to recording hooks and a fake clock.
// Timers only fire when the test steps the clock.
type reconnectHarness struct {
	clk *testingclock.FakeClock
	rec *reconnector

	mu       sync.Mutex
	iceCalls []signal.TransportDirection
	iceErr   error
	rejoins  []int
	rejoinFn func(attempt int) error
	gaveUp   []error
	fg       bool
}

func newReconnectHarness(t *testing.T, base time.Duration, maxAttempts int, grace time.Duration) *reconnectHarness {
	t.Helper()
	h := &reconnectHarness{
		clk: testingclock.NewFakeClock(time.Now()),
		fg:  true,
	}
	h.rec = newReconnector(reconnectConfig{
		base:        base,
		maxAttempts: maxAttempts,
		grace:       grace,
		clk:         h.clk,
		log:         zap.NewNop(),
	}, reconnectHooks{
		restartICE: func(_ context.Context, dir signal.TransportDirection) error {
			h.mu.Lock()
			h.iceCalls = append(h.iceCalls, dir)
			err := h.iceErr
			h.mu.Unlock()
			return err
		},
		rejoin: func(_ context.Context, attempt int) error {
			h.mu.Lock()
			h.rejoins = append(h.rejoins, attempt)
			fn := h.rejoinFn
			h.mu.Unlock()
			if fn != nil {
				return fn(attempt)
			}
			return nil
		},
		giveUp: func(err error) {
			h.mu.Lock()
			h.gaveUp = append(h.gaveUp, err)
			h.mu.Unlock()
		},
		foreground: func() bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.fg
		},
	})
	t.Cleanup(func() {
		h.rec.disarm()
		h.rec.wait()
	})
	return h
}

func (h *reconnectHarness) iceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.iceCalls)
}

func (h *reconnectHarness) rejoinAttempts() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, len(h.rejoins))
	copy(out, h.rejoins)
	return out
}

func (h *reconnectHarness) gaveUpCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.gaveUp)
}

// stepWhenWaiting advances the fake clock once a timer is registered against
// it; stepping earlier would miss the waiter.
func (h *reconnectHarness) stepWhenWaiting(t *testing.T, d time.Duration) {
	t.Helper()
	waitFor(t, h.clk.HasWaiters)
	h.clk.Step(d)
}

func TestReconnectFlapAbsorbedInsideGrace(t *testing.T) {
	h := newReconnectHarness(t, time.Second, 3, 5*time.Second)
	h.rec.arm()

	h.rec.transportState(signal.TransportProducer, transportDisconnected)
	waitFor(t, h.clk.HasWaiters)

	// The transport comes back before the grace window lapses.
	h.rec.transportState(signal.TransportProducer, transportConnected)

	stays(t, func() bool { return h.iceCount() == 0 }, 50*time.Millisecond)
	assert.Empty(t, h.rejoinAttempts())
}

func TestReconnectICERestartAfterGrace(t *testing.T) {
	h := newReconnectHarness(t, time.Second, 3, 5*time.Second)
	h.rec.arm()

	h.rec.transportState(signal.TransportConsumer, transportFailed)
	h.stepWhenWaiting(t, 5*time.Second)

	waitFor(t, func() bool { return h.iceCount() == 1 })
	h.mu.Lock()
	dir := h.iceCalls[0]
	h.mu.Unlock()
	assert.Equal(t, signal.TransportConsumer, dir)

	// A successful restart ends recovery; the ladder never starts.
	stays(t, func() bool { return len(h.rejoinAttempts()) == 0 }, 50*time.Millisecond)
}

func TestReconnectICEFailureStartsLadder(t *testing.T) {
	h := newReconnectHarness(t, time.Second, 3, 5*time.Second)
	h.iceErr = errors.New("ice wedged")
	h.rec.arm()

	h.rec.transportState(signal.TransportProducer, transportFailed)
	h.stepWhenWaiting(t, 5*time.Second)
	waitFor(t, func() bool { return h.iceCount() == 1 })

	// First ladder attempt waits out the base delay.
	h.stepWhenWaiting(t, time.Second)
	waitFor(t, func() bool { return len(h.rejoinAttempts()) == 1 })
	assert.Equal(t, []int{1}, h.rejoinAttempts())
}

func TestReconnectBackoffLadderAndGiveUp(t *testing.T) {
	h := newReconnectHarness(t, time.Second, 3, 5*time.Second)
	h.rejoinFn = func(int) error { return errors.New("still down") }
	h.rec.arm()

	h.rec.socketLost()

	// Half the delay must not fire the attempt.
	waitFor(t, h.clk.HasWaiters)
	h.clk.Step(500 * time.Millisecond)
	stays(t, func() bool { return len(h.rejoinAttempts()) == 0 }, 30*time.Millisecond)

	h.clk.Step(500 * time.Millisecond)
	waitFor(t, func() bool { return len(h.rejoinAttempts()) == 1 })

	h.stepWhenWaiting(t, 2*time.Second)
	waitFor(t, func() bool { return len(h.rejoinAttempts()) == 2 })

	h.stepWhenWaiting(t, 4*time.Second)
	waitFor(t, func() bool { return len(h.rejoinAttempts()) == 3 })

	// The fourth trigger exceeds the budget and gives up without a timer.
	waitFor(t, func() bool { return h.gaveUpCount() == 1 })
	assert.Equal(t, []int{1, 2, 3}, h.rejoinAttempts())

	h.mu.Lock()
	err := h.gaveUp[0]
	h.mu.Unlock()
	assert.Equal(t, signal.KindConnectionFailed, signal.AsError(err).Kind)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestReconnectImmediateSkipsDelay(t *testing.T) {
	h := newReconnectHarness(t, time.Hour, 3, 5*time.Second)
	h.rec.arm()

	h.rec.setImmediate()
	h.rec.socketLost()

	// No clock step: the redirected attempt runs straight away.
	waitFor(t, func() bool { return len(h.rejoinAttempts()) == 1 })
}

func TestReconnectDeferredUntilForeground(t *testing.T) {
	h := newReconnectHarness(t, time.Second, 3, 5*time.Second)
	h.mu.Lock()
	h.fg = false
	h.mu.Unlock()
	h.rec.arm()

	h.rec.socketLost()
	h.stepWhenWaiting(t, time.Second)

	// The attempt fires but defers itself while backgrounded.
	waitFor(t, func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return h.rec.deferred
	})
	assert.Empty(t, h.rejoinAttempts())

	h.mu.Lock()
	h.fg = true
	h.mu.Unlock()
	h.rec.setForeground(true)

	waitFor(t, func() bool { return len(h.rejoinAttempts()) == 1 })
	assert.Equal(t, []int{1}, h.rejoinAttempts(), "the deferred attempt keeps its ladder position")
}

func TestReconnectCoalescesConcurrentTriggers(t *testing.T) {
	h := newReconnectHarness(t, time.Second, 3, 5*time.Second)
	h.rec.arm()

	h.rec.socketLost()
	h.rec.socketLost()

	h.stepWhenWaiting(t, time.Second)
	waitFor(t, func() bool { return len(h.rejoinAttempts()) == 1 })
	stays(t, func() bool { return len(h.rejoinAttempts()) == 1 }, 50*time.Millisecond)
}

func TestReconnectSuccessResetsLadder(t *testing.T) {
	h := newReconnectHarness(t, time.Second, 5, 5*time.Second)
	h.rejoinFn = func(attempt int) error {
		if attempt == 1 && len(h.rejoinAttempts()) == 1 {
			return errors.New("first try fails")
		}
		return nil
	}
	h.rec.arm()

	h.rec.socketLost()
	h.stepWhenWaiting(t, time.Second)
	waitFor(t, func() bool { return len(h.rejoinAttempts()) == 1 })

	h.stepWhenWaiting(t, 2*time.Second)
	waitFor(t, func() bool { return len(h.rejoinAttempts()) == 2 })

	// Recovery resets the counter: a later loss starts back at the base.
	h.rec.socketLost()
	h.stepWhenWaiting(t, time.Second)
	waitFor(t, func() bool { return len(h.rejoinAttempts()) == 3 })
	assert.Equal(t, []int{1, 2, 1}, h.rejoinAttempts())
}

func TestReconnectDisarmCancelsPendingRetry(t *testing.T) {
	h := newReconnectHarness(t, time.Second, 3, 5*time.Second)
	h.rec.arm()

	h.rec.socketLost()
	waitFor(t, h.clk.HasWaiters)

	h.rec.disarm()
	h.rec.wait()

	h.clk.Step(time.Second)
	stays(t, func() bool { return len(h.rejoinAttempts()) == 0 }, 50*time.Millisecond)
}

func TestAwaitRecoveryReturnsOnConnect(t *testing.T) {
	h := newReconnectHarness(t, time.Second, 3, 5*time.Second)
	h.rec.arm()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.rec.awaitRecovery(context.Background(), signal.TransportProducer)
	}()
	waitFor(t, h.clk.HasWaiters)

	h.rec.transportState(signal.TransportProducer, transportConnected)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("awaitRecovery did not observe the recovery")
	}
}

func TestAwaitRecoveryTimesOut(t *testing.T) {
	h := newReconnectHarness(t, time.Second, 3, 5*time.Second)
	h.rec.arm()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.rec.awaitRecovery(context.Background(), signal.TransportProducer)
	}()
	waitFor(t, h.clk.HasWaiters)

	h.clk.Step(5 * time.Second)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, signal.KindTransportError, signal.AsError(err).Kind)
		assert.Contains(t, err.Error(), "did not recover")
	case <-time.After(2 * time.Second):
		t.Fatal("awaitRecovery never timed out")
	}
}

func TestAwaitRecoveryEndsWithSession(t *testing.T) {
	h := newReconnectHarness(t, time.Second, 3, 5*time.Second)
	h.rec.arm()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.rec.awaitRecovery(context.Background(), signal.TransportProducer)
	}()
	waitFor(t, h.clk.HasWaiters)

	h.rec.disarm()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session ended")
	case <-time.After(2 * time.Second):
		t.Fatal("awaitRecovery outlived the session")
	}
}
