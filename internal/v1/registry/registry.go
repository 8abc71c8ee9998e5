// Package registry owns room lifetime on this instance: serialized
// get-or-create, removal once a room empties out, a janitor sweeping leaked
// entries, drain mode for rolling deploys, and graceful shutdown.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voxhall/voxhall/internal/v1/identity"
	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/room"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/internal/v1/webinar"
)

// DrainError is returned for joins that would create a room while the
// instance is draining. RedirectURL, when configured, names a healthy
// instance for the client to retry against.
type DrainError struct {
	RedirectURL string
}

func (e *DrainError) Error() string {
	return "instance is draining, not creating rooms"
}

// Options wires a Registry to its collaborators. Room tuning knobs are passed
// through to every room it creates.
type Options struct {
	Bus      types.BusService
	SFU      types.SFUProvider
	Links    *webinar.LinkSigner
	Policies *identity.PolicyResolver

	// DrainRedirectURL is handed to clients bounced during a drain.
	DrainRedirectURL string

	DisconnectGrace            time.Duration
	EmptyRoomGrace             time.Duration
	QualityLowThreshold        int
	MaxDisplayNameLength       int
	WebinarDefaultMaxAttendees int

	// JanitorSpec overrides the sweep cadence (cron syntax). Empty means
	// every minute; "off" disables the janitor entirely.
	JanitorSpec string
}

// Registry maps channel ids to live rooms. Rooms destroy themselves when
// their own grace timers decide nobody is coming back; the registry's job is
// the map, the janitor, and drain/shutdown orchestration.
type Registry struct {
	opts Options

	mu    sync.Mutex
	rooms map[types.ChannelID]*room.Room
	// emptySeen marks rooms observed empty by one sweep; a room still empty
	// on the next sweep is reclaimed. Two observations keep the janitor from
	// racing a room created moments before its first join.
	emptySeen map[types.ChannelID]bool
	draining  bool
	closed    bool

	janitor *cron.Cron
}

func New(opts Options) *Registry {
	g := &Registry{
		opts:      opts,
		rooms:     make(map[types.ChannelID]*room.Room),
		emptySeen: make(map[types.ChannelID]bool),
	}

	spec := opts.JanitorSpec
	if spec == "" {
		spec = "@every 1m"
	}
	if spec != "off" {
		g.janitor = cron.New()
		if _, err := g.janitor.AddFunc(spec, g.sweep); err != nil {
			logging.Error(context.Background(), "Janitor schedule invalid, janitor disabled",
				zap.String("spec", spec), zap.Error(err))
			g.janitor = nil
		} else {
			g.janitor.Start()
		}
	}
	return g
}

// GetOrCreateRoom returns the live room for (clientID, roomID), creating it
// when absent. Creation is serialized under the registry lock so two racing
// first joins build exactly one room. A drained instance serves existing
// rooms but refuses to create new ones.
func (g *Registry) GetOrCreateRoom(ctx context.Context, clientID string, roomID types.RoomID) (*room.Room, error) {
	if clientID == "" {
		clientID = "default"
	}
	channelID := types.NewChannelID(clientID, roomID)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, fmt.Errorf("registry is shut down")
	}

	if r, ok := g.rooms[channelID]; ok && !r.Closed() {
		delete(g.emptySeen, channelID)
		return r, nil
	}

	if g.draining {
		return nil, &DrainError{RedirectURL: g.opts.DrainRedirectURL}
	}

	var router types.SFURouter
	if g.opts.SFU != nil {
		var err error
		router, err = g.opts.SFU.RouterFor(ctx, channelID)
		if err != nil {
			return nil, fmt.Errorf("sfu router for %s: %w", channelID, err)
		}
	}

	r := room.NewRoom(room.Options{
		ChannelID: channelID,
		ClientID:  clientID,
		Policy:    g.opts.Policies.Resolve(clientID),
		Bus:       g.opts.Bus,
		SFU:       router,
		Links:     g.opts.Links,
		OnEmpty:   g.removeRoom,

		DisconnectGrace:            g.opts.DisconnectGrace,
		EmptyRoomGrace:             g.opts.EmptyRoomGrace,
		QualityLowThreshold:        g.opts.QualityLowThreshold,
		MaxDisplayNameLength:       g.opts.MaxDisplayNameLength,
		WebinarDefaultMaxAttendees: g.opts.WebinarDefaultMaxAttendees,
	})
	g.rooms[channelID] = r
	delete(g.emptySeen, channelID)
	return r, nil
}

// Resolve adapts GetOrCreateRoom to the interface the transport consumes.
func (g *Registry) Resolve(ctx context.Context, clientID string, roomID types.RoomID) (types.Roomer, error) {
	r, err := g.GetOrCreateRoom(ctx, clientID, roomID)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// removeRoom is the OnEmpty callback: the room has already closed itself;
// drop the mapping and release the provider-side router. If the entry was
// replaced by a newer live room in the meantime, leave it alone.
func (g *Registry) removeRoom(channelID types.ChannelID) {
	g.mu.Lock()
	r, ok := g.rooms[channelID]
	removable := ok && r.Closed()
	if removable {
		delete(g.rooms, channelID)
		delete(g.emptySeen, channelID)
	}
	g.mu.Unlock()

	if !removable {
		return
	}
	g.releaseRouter(channelID)
	logging.Info(context.Background(), "Room removed from registry",
		zap.String("channelId", string(channelID)))
}

// CleanupRoom force-closes a room that is empty (or already closed) and drops
// it from the map. Returns false when the room is absent or still occupied.
func (g *Registry) CleanupRoom(channelID types.ChannelID) bool {
	g.mu.Lock()
	r, ok := g.rooms[channelID]
	if !ok || (!r.Closed() && !r.Empty()) {
		g.mu.Unlock()
		return false
	}
	delete(g.rooms, channelID)
	delete(g.emptySeen, channelID)
	g.mu.Unlock()

	r.Close("room expired")
	g.releaseRouter(channelID)
	return true
}

// sweep reclaims leaked entries: rooms that closed without their OnEmpty
// callback landing, and rooms that have sat empty across two consecutive
// sweeps without cleaning themselves up.
func (g *Registry) sweep() {
	g.mu.Lock()
	var stale []types.ChannelID
	for id, r := range g.rooms {
		switch {
		case r.Closed():
			stale = append(stale, id)
		case r.Empty():
			if g.emptySeen[id] {
				stale = append(stale, id)
			} else {
				g.emptySeen[id] = true
			}
		default:
			delete(g.emptySeen, id)
		}
	}
	g.mu.Unlock()

	for _, id := range stale {
		if g.CleanupRoom(id) {
			logging.Info(context.Background(), "Janitor reclaimed stale room",
				zap.String("channelId", string(id)))
		}
	}
}

func (g *Registry) releaseRouter(channelID types.ChannelID) {
	if g.opts.SFU == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The room already closed its router handle; this drops the provider's
	// own record and is expected to be a no-op remotely.
	if err := g.opts.SFU.CloseRouter(ctx, channelID); err != nil {
		logging.GetLogger().Debug("Router release after room close",
			zap.String("channelId", string(channelID)), zap.Error(err))
	}
}

// Drain flips the instance into drain mode: existing rooms keep running and
// reconnects into them still resolve, but no new room is created. Idempotent.
func (g *Registry) Drain() {
	g.mu.Lock()
	already := g.draining
	g.draining = true
	live := len(g.rooms)
	g.mu.Unlock()

	if !already {
		logging.Info(context.Background(), "Registry draining",
			zap.Int("liveRooms", live),
			zap.String("redirectUrl", g.opts.DrainRedirectURL))
	}
}

// Draining reports drain mode; readiness checks use it to pull the instance
// out of the load balancer.
func (g *Registry) Draining() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.draining
}

// RoomCount reports the number of mapped rooms.
func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Room returns the mapped room for a channel id, or nil.
func (g *Registry) Room(channelID types.ChannelID) *room.Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[channelID]
}

// Shutdown closes every room and waits, bounded by ctx, for their in-flight
// bus publishes to finish. The registry refuses all resolution afterwards.
func (g *Registry) Shutdown(ctx context.Context) error {
	if g.janitor != nil {
		g.janitor.Stop()
	}

	g.mu.Lock()
	g.closed = true
	g.draining = true
	rooms := make([]*room.Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.rooms = make(map[types.ChannelID]*room.Room)
	g.emptySeen = make(map[types.ChannelID]bool)
	g.mu.Unlock()

	for _, r := range rooms {
		r.Close(types.DisconnectReasonShutdown)
	}

	var eg errgroup.Group
	for _, r := range rooms {
		eg.Go(func() error {
			return r.Shutdown(ctx)
		})
	}
	err := eg.Wait()

	logging.Info(ctx, "Registry shut down", zap.Int("roomsClosed", len(rooms)))
	return err
}
