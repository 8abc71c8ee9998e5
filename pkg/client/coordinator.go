package client

import (
	"context"
	"fmt"
	"sync"
)

// RelinquishTakeover is the reason passed to Relinquish when another session
// claims call ownership. Sessions standing down for this reason tear down
// silently.
const RelinquishTakeover = "takeover"

// SessionSnapshot is the coordinator's view of one session at decision time.
type SessionSnapshot struct {
	State         ConnectionState
	HasActiveCall bool
}

// CallSession is one registered controller. Snapshot must not call back into
// the Coordinator; Relinquish returns only when teardown is complete.
type CallSession interface {
	Snapshot() SessionSnapshot
	Relinquish(ctx context.Context, reason string) error
}

// ClaimOptions tunes one Claim call.
type ClaimOptions struct {
	// ConfirmTakeover is consulted before an engaged session is displaced.
	// Nil takes over without asking.
	ConfirmTakeover func() bool
}

// Coordinator arbitrates call ownership between the sessions of one process
// (tabs, windows, embedded views). At most one registered session owns the
// call at a time; a claim against an engaged owner relinquishes it first.
//
// Ownership decisions — claims, the implicit first-registration assignment,
// and the fallback after an owner unregisters — all run on a single FIFO
// queue, so no two of them ever interleave.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]CallSession
	order    []string
	owner    string

	ops      []func()
	draining bool
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{sessions: make(map[string]CallSession)}
}

// Register adds a session and returns its unregister function. The first
// session to register while no owner exists becomes the owner.
func (c *Coordinator) Register(sessionID string, session CallSession) func() {
	c.mu.Lock()
	c.sessions[sessionID] = session
	c.order = append(c.order, sessionID)
	c.mu.Unlock()

	c.enqueue(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.owner != "" {
			return
		}
		if _, ok := c.sessions[sessionID]; ok {
			c.owner = sessionID
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() { c.unregister(sessionID) })
	}
}

// Claim requests call ownership for sessionID. When another session is
// engaged, the caller is optionally prompted via opts.ConfirmTakeover; on
// approval the current owner's Relinquish("takeover") runs to completion
// before ownership moves. Returns false without error when the user declines.
func (c *Coordinator) Claim(ctx context.Context, sessionID string, opts ClaimOptions) (bool, error) {
	var (
		granted bool
		claimed error
	)
	done := c.enqueue(func() {
		granted, claimed = c.claim(ctx, sessionID, opts)
	})
	select {
	case <-done:
		return granted, claimed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Owner returns the session currently holding ownership, "" when none.
func (c *Coordinator) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

func (c *Coordinator) claim(ctx context.Context, sessionID string, opts ClaimOptions) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	_, known := c.sessions[sessionID]
	owner := c.owner
	var holder CallSession
	if owner != "" && owner != sessionID {
		holder = c.sessions[owner]
	}
	c.mu.Unlock()

	if !known {
		return false, fmt.Errorf("claim: session %q is not registered", sessionID)
	}
	if owner == sessionID {
		return true, nil
	}
	if holder != nil && engaged(holder.Snapshot()) {
		if opts.ConfirmTakeover != nil && !opts.ConfirmTakeover() {
			return false, nil
		}
		if err := holder.Relinquish(ctx, RelinquishTakeover); err != nil {
			return false, fmt.Errorf("takeover: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, still := c.sessions[sessionID]; !still {
		return false, fmt.Errorf("claim: session %q unregistered mid-claim", sessionID)
	}
	c.owner = sessionID
	return true, nil
}

// unregister removes the session immediately; when it owned the call, the
// ownership fallback runs on the queue behind any in-flight claim.
func (c *Coordinator) unregister(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	for i, id := range c.order {
		if id == sessionID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	wasOwner := c.owner == sessionID
	c.mu.Unlock()
	if !wasOwner {
		return
	}
	c.enqueue(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.owner != sessionID {
			// A claim got there first.
			return
		}
		c.owner = c.nextOwnerLocked()
	})
}

// nextOwnerLocked prefers the earliest engaged session, then the earliest
// remaining one.
func (c *Coordinator) nextOwnerLocked() string {
	for _, id := range c.order {
		if s, ok := c.sessions[id]; ok && engaged(s.Snapshot()) {
			return id
		}
	}
	if len(c.order) > 0 {
		return c.order[0]
	}
	return ""
}

// enqueue appends an operation to the FIFO queue and returns a channel closed
// when it has run. The queue drains on a single goroutine that exits when
// empty, so an idle coordinator holds no goroutine.
func (c *Coordinator) enqueue(fn func()) <-chan struct{} {
	done := make(chan struct{})
	c.mu.Lock()
	c.ops = append(c.ops, func() {
		defer close(done)
		fn()
	})
	if !c.draining {
		c.draining = true
		go c.drain()
	}
	c.mu.Unlock()
	return done
}

func (c *Coordinator) drain() {
	for {
		c.mu.Lock()
		if len(c.ops) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		op := c.ops[0]
		c.ops = c.ops[1:]
		c.mu.Unlock()
		op()
	}
}

// engaged reports whether displacing this session needs a takeover.
func engaged(s SessionSnapshot) bool {
	if s.HasActiveCall {
		return true
	}
	switch s.State {
	case StateConnecting, StateConnected, StateJoining, StateJoined, StateWaiting, StateReconnecting:
		return true
	}
	return false
}
