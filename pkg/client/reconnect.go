package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/voxhall/voxhall/pkg/signal"
)

// Defaults for the recovery policy.
const (
	DefaultReconnectBase        = 2 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultTransportGrace       = 3 * time.Second
)

const (
	iceRestartBudget       = 30 * time.Second
	reconnectAttemptBudget = 45 * time.Second
)

// WebRTC transport connection states the embedder reports.
const (
	transportConnected    = "connected"
	transportDisconnected = "disconnected"
	transportFailed       = "failed"
)

type reconnectConfig struct {
	base        time.Duration
	maxAttempts int
	grace       time.Duration
	clk         clock.Clock
	log         *zap.Logger
}

type reconnectHooks struct {
	// restartICE requests and applies fresh ICE params for one transport and
	// waits for it to recover.
	restartICE func(ctx context.Context, dir signal.TransportDirection) error
	// rejoin tears down and rebuilds the whole call.
	rejoin func(ctx context.Context, attempt int) error
	// giveUp fires after the attempt budget is spent.
	giveUp func(err error)
	// foreground gates attempts: a backgrounded app defers them.
	foreground func() bool
}

// reconnector decides how a session recovers from trouble: transport flaps
// are absorbed inside a grace window, a still-unhealthy transport gets an ICE
// restart first, and only when that fails does the full reconnect ladder run,
// with delay base*2^(n-1) per attempt.
type reconnector struct {
	cfg   reconnectConfig
	hooks reconnectHooks

	mu           sync.Mutex
	armed        bool
	attempts     int
	immediate    bool
	deferred     bool
	transport    map[signal.TransportDirection]string
	stateChanged chan struct{}
	graceWatch   map[signal.TransportDirection]chan struct{}
	retryCancel  chan struct{}

	wg sync.WaitGroup
}

func newReconnector(cfg reconnectConfig, hooks reconnectHooks) *reconnector {
	return &reconnector{
		cfg:          cfg,
		hooks:        hooks,
		transport:    make(map[signal.TransportDirection]string),
		stateChanged: make(chan struct{}),
		graceWatch:   make(map[signal.TransportDirection]chan struct{}),
	}
}

// arm resets the recovery state for a fresh session.
func (r *reconnector) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = true
	r.attempts = 0
	r.immediate = false
	r.deferred = false
	r.transport = make(map[signal.TransportDirection]string)
}

// disarm cancels pending grace watches and retries. The struct stays usable
// for the next arm.
func (r *reconnector) disarm() {
	r.mu.Lock()
	r.armed = false
	r.attempts = 0
	r.immediate = false
	r.deferred = false
	for dir, cancel := range r.graceWatch {
		delete(r.graceWatch, dir)
		close(cancel)
	}
	if r.retryCancel != nil {
		close(r.retryCancel)
		r.retryCancel = nil
	}
	close(r.stateChanged)
	r.stateChanged = make(chan struct{})
	r.mu.Unlock()
}

// wait blocks until every recovery goroutine has exited. Disarm first.
func (r *reconnector) wait() {
	r.wg.Wait()
}

// setImmediate makes the next scheduled attempt skip its backoff delay. Used
// when the server redirects the session elsewhere.
func (r *reconnector) setImmediate() {
	r.mu.Lock()
	r.immediate = true
	r.mu.Unlock()
}

// transportState ingests a WebRTC transport connection-state transition.
// Unhealthy states arm a grace watch; a recovery cancels it and resets the
// attempt counter.
func (r *reconnector) transportState(dir signal.TransportDirection, state string) {
	r.mu.Lock()
	if !r.armed {
		r.mu.Unlock()
		return
	}
	r.transport[dir] = state
	close(r.stateChanged)
	r.stateChanged = make(chan struct{})

	switch state {
	case transportConnected:
		if cancel, ok := r.graceWatch[dir]; ok {
			delete(r.graceWatch, dir)
			close(cancel)
		}
		r.attempts = 0
		r.mu.Unlock()
	case transportDisconnected, transportFailed:
		if _, ok := r.graceWatch[dir]; ok {
			r.mu.Unlock()
			return
		}
		cancel := make(chan struct{})
		r.graceWatch[dir] = cancel
		r.wg.Add(1)
		go r.watchGrace(dir, cancel)
		r.mu.Unlock()
	default:
		r.mu.Unlock()
	}
}

// watchGrace waits out the flap-absorber window, then tries an ICE restart.
// A recovery in the meantime closes cancel and nothing happens.
func (r *reconnector) watchGrace(dir signal.TransportDirection, cancel chan struct{}) {
	defer r.wg.Done()
	timer := r.cfg.clk.NewTimer(r.cfg.grace)
	defer timer.Stop()
	select {
	case <-timer.C():
	case <-cancel:
		return
	}

	r.mu.Lock()
	if r.graceWatch[dir] != cancel {
		// Recovered between the timer firing and this check.
		r.mu.Unlock()
		return
	}
	delete(r.graceWatch, dir)
	armed := r.armed
	r.mu.Unlock()
	if !armed {
		return
	}

	r.cfg.log.Info("Transport unhealthy past grace, attempting ICE restart",
		zap.String("transport", string(dir)))
	ctx, cancelCtx := context.WithTimeout(context.Background(), iceRestartBudget)
	err := r.hooks.restartICE(ctx, dir)
	cancelCtx()
	if err == nil {
		r.cfg.log.Info("ICE restart recovered the transport",
			zap.String("transport", string(dir)))
		r.mu.Lock()
		r.attempts = 0
		r.mu.Unlock()
		return
	}
	r.cfg.log.Warn("ICE restart failed, scheduling reconnect",
		zap.String("transport", string(dir)), zap.Error(err))
	r.scheduleRetry()
}

// awaitRecovery blocks until the transport reports connected, the grace
// window lapses, or the context ends.
func (r *reconnector) awaitRecovery(ctx context.Context, dir signal.TransportDirection) error {
	timer := r.cfg.clk.NewTimer(r.cfg.grace)
	defer timer.Stop()
	for {
		r.mu.Lock()
		armed := r.armed
		state := r.transport[dir]
		changed := r.stateChanged
		r.mu.Unlock()
		if !armed {
			return signal.Errorf(signal.KindTransportError, "session ended")
		}
		if state == transportConnected {
			return nil
		}
		select {
		case <-changed:
		case <-timer.C():
			return signal.Errorf(signal.KindTransportError, "transport did not recover after ICE restart")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// socketLost starts the full reconnect ladder after the signaling socket
// dies under an active session.
func (r *reconnector) socketLost() {
	r.scheduleRetry()
}

func (r *reconnector) scheduleRetry() {
	r.mu.Lock()
	if !r.armed || r.retryCancel != nil {
		r.mu.Unlock()
		return
	}
	r.attempts++
	attempt := r.attempts
	if attempt > r.cfg.maxAttempts {
		r.mu.Unlock()
		r.hooks.giveUp(signal.Errorf(signal.KindConnectionFailed,
			"could not reconnect after %d attempts", r.cfg.maxAttempts))
		return
	}
	delay := r.cfg.base << (attempt - 1)
	if r.immediate {
		r.immediate = false
		delay = 0
	}
	cancel := make(chan struct{})
	r.retryCancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if delay > 0 {
			timer := r.cfg.clk.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C():
			case <-cancel:
				return
			}
		}
		r.runAttempt(attempt, cancel)
	}()
}

func (r *reconnector) runAttempt(attempt int, cancel chan struct{}) {
	select {
	case <-cancel:
		return
	default:
	}
	if !r.hooks.foreground() {
		// Attempts wait for the app to come back; the counter keeps its
		// place in the backoff ladder.
		r.mu.Lock()
		if r.retryCancel == cancel {
			r.retryCancel = nil
		}
		r.deferred = true
		r.mu.Unlock()
		return
	}
	r.mu.Lock()
	if r.retryCancel == cancel {
		r.retryCancel = nil
	}
	armed := r.armed
	r.mu.Unlock()
	if !armed {
		return
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), reconnectAttemptBudget)
	err := r.hooks.rejoin(ctx, attempt)
	cancelCtx()
	if err == nil {
		r.mu.Lock()
		r.attempts = 0
		r.mu.Unlock()
		return
	}
	r.cfg.log.Warn("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	r.scheduleRetry()
}

// setForeground releases a deferred attempt when the app becomes visible.
func (r *reconnector) setForeground(fg bool) {
	r.mu.Lock()
	resume := fg && r.deferred && r.armed
	var attempt int
	if resume {
		r.deferred = false
		attempt = r.attempts
	}
	r.mu.Unlock()
	if !resume {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runAttempt(attempt, make(chan struct{}))
	}()
}
