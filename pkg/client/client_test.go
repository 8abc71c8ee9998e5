package client

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/voxhall/voxhall/pkg/signal"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustJoin(t *testing.T, tc *testClient, join JoinOptions) {
	t.Helper()
	require.NoError(t, tc.ctrl.Join(testCtx(t), join))
	waitFor(t, func() bool { return tc.ctrl.ConnectionState() == StateJoined })
}

func TestJoinLifecycle(t *testing.T) {
	st := startStack(t, "")
	alice := newTestClient(t, st, nil)

	require.NoError(t, alice.ctrl.Join(testCtx(t), JoinOptions{
		RoomID:      "standup",
		DisplayName: "Alice",
		IsHost:      true,
		Video:       true,
	}))
	waitFor(t, func() bool { return alice.ctrl.ConnectionState() == StateJoined })

	states := alice.rec.snapshotStates()
	require.GreaterOrEqual(t, len(states), 4)
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateJoining, StateJoined}, states[:4])

	require.Equal(t, 1, alice.rec.joinedCount())
	snapshot := alice.rec.lastJoined()
	assert.Equal(t, "standup", snapshot.RoomID)
	assert.True(t, strings.HasSuffix(snapshot.HostUserID, "#"+alice.ctrl.SessionID()),
		"the creating host is the host of the room")
	assert.Equal(t, "standup", alice.ctrl.RoomID())

	// Both capture tracks went through the produce path.
	waitFor(t, func() bool { return len(alice.rtc.producedList()) == 2 })
	assert.Equal(t, []string{"audio/webcam", "video/webcam"}, alice.rtc.producedList())
	assert.True(t, alice.ctrl.HasActiveCall())
	assert.False(t, alice.ctrl.MicMuted())
	assert.False(t, alice.ctrl.CameraOff())

	// The server hides the caller's own producers from getProducers.
	var producers signal.GetProducersResult
	require.NoError(t, alice.ctrl.Do(testCtx(t), signal.RequestGetProducers, nil, &producers))
	assert.Empty(t, producers.Producers)

	alice.ctrl.Leave()
	assert.Equal(t, StateDisconnected, alice.ctrl.ConnectionState())
	assert.Equal(t, 1, alice.notes.countCue(CueUserLeft))
	assert.False(t, alice.ctrl.HasActiveCall())
}

func TestJoinFallsBackToAudioOnly(t *testing.T) {
	st := startStack(t, "")
	alice := newTestClient(t, st, nil)
	alice.devices.failVideo = true

	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", IsHost: true, Video: true})

	waitFor(t, func() bool { return len(alice.rtc.producedList()) == 1 })
	assert.Equal(t, []string{"audio/webcam"}, alice.rtc.producedList())
}

func TestJoinSurvivesDeadCapture(t *testing.T) {
	st := startStack(t, "")
	alice := newTestClient(t, st, nil)
	alice.devices.setFailAll(true)

	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", IsHost: true, Video: true})

	// Receive-only: joined, nothing published.
	assert.Empty(t, alice.rtc.producedList())
	assert.False(t, alice.ctrl.HasActiveCall())
}

func TestGhostJoinPublishesNothing(t *testing.T) {
	st := startStack(t, "")
	alice := newTestClient(t, st, nil)

	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", IsHost: true, Ghost: true, Video: true})

	assert.Empty(t, alice.rtc.producedList())
	assert.Equal(t, 0, alice.devices.acquireCount(), "observers do not touch capture devices")
}

func TestWaitingRoomAdmission(t *testing.T) {
	st := startStack(t, `{"default": {"useWaitingRoom": true}}`)

	host := newTestClient(t, st, nil)
	mustJoin(t, host, JoinOptions{RoomID: "board", DisplayName: "Host", User: "host", IsHost: true})

	guest := newTestClient(t, st, nil)
	require.NoError(t, guest.ctrl.Join(testCtx(t), JoinOptions{RoomID: "board", DisplayName: "Guest", User: "guest"}))

	waitFor(t, func() bool { return guest.ctrl.ConnectionState() == StateWaiting })
	assert.Equal(t, []string{signal.WaitingReasonApproval}, guest.rec.waitingUpdates())
	assert.Equal(t, 1, guest.notes.countCue(CueWaiting))
	assert.Zero(t, guest.rec.joinedCount(), "waiting is not joined")

	// The host is told who is knocking and admits by userKey.
	waitFor(t, func() bool { return host.rec.requestedCount() == 1 })
	pending := host.rec.firstRequested()
	assert.Equal(t, "Guest", pending.DisplayName)
	require.NoError(t, host.ctrl.Do(testCtx(t), signal.RequestAdmitUser,
		signal.TargetUserRequest{UserID: pending.UserKey}, &signal.SuccessResult{}))

	waitFor(t, func() bool { return guest.ctrl.ConnectionState() == StateJoined })
	assert.Equal(t, 1, guest.rec.joinedCount())

	waitFor(t, func() bool { return host.rec.userJoinCount() == 1 })
	assert.Equal(t, "Guest", host.rec.firstUserJoin().DisplayName)
}

func TestWaitingRoomRejection(t *testing.T) {
	st := startStack(t, `{"default": {"useWaitingRoom": true}}`)

	host := newTestClient(t, st, nil)
	mustJoin(t, host, JoinOptions{RoomID: "board", DisplayName: "Host", User: "host", IsHost: true})

	guest := newTestClient(t, st, nil)
	require.NoError(t, guest.ctrl.Join(testCtx(t), JoinOptions{RoomID: "board", DisplayName: "Guest", User: "guest"}))
	waitFor(t, func() bool { return guest.ctrl.ConnectionState() == StateWaiting })

	waitFor(t, func() bool { return host.rec.requestedCount() == 1 })
	require.NoError(t, host.ctrl.Do(testCtx(t), signal.RequestRejectUser,
		signal.TargetUserRequest{UserID: host.rec.firstRequested().UserKey}, &signal.SuccessResult{}))

	waitFor(t, func() bool { return guest.ctrl.ConnectionState() == StateErrored })
	waitFor(t, func() bool { return guest.rec.terminalCount() == 1 })
	require.Error(t, guest.ctrl.LastError())
	assert.Equal(t, signal.KindPermissionDenied, signal.AsError(guest.ctrl.LastError()).Kind)
}

func TestChatAndSlashCommands(t *testing.T) {
	st := startStack(t, "")

	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true, Video: true})

	bob := newTestClient(t, st, nil)
	mustJoin(t, bob, JoinOptions{RoomID: "standup", DisplayName: "Bob", User: "bob"})

	require.NoError(t, bob.ctrl.SendChat(testCtx(t), "hello room"))
	waitFor(t, func() bool { return len(alice.rec.chatMessages()) == 1 })
	assert.Equal(t, []string{"hello room"}, alice.rec.chatMessages())
	waitFor(t, func() bool { return len(bob.rec.chatMessages()) == 1 })

	// Slash commands act locally instead of posting.
	require.NoError(t, alice.ctrl.SendChat(testCtx(t), "/mute"))
	assert.True(t, alice.ctrl.MicMuted())
	waitFor(t, func() bool { return len(bob.rec.pausesOf(signal.EventParticipantMuted)) == 1 })
	assert.Equal(t, []bool{true}, bob.rec.pausesOf(signal.EventParticipantMuted))

	require.NoError(t, alice.ctrl.SendChat(testCtx(t), "/hand"))
	assert.True(t, alice.ctrl.HandRaised())
	waitFor(t, func() bool { return bob.rec.sawEvent(signal.EventHandRaised) })

	require.NoError(t, alice.ctrl.SendChat(testCtx(t), "/tts Hello everyone"))
	waitFor(t, func() bool { return len(bob.rec.ttsTexts()) == 1 })
	assert.Equal(t, []string{"Hello everyone"}, bob.rec.ttsTexts())

	// Unknown commands are just chat.
	require.NoError(t, alice.ctrl.SendChat(testCtx(t), "/shrug"))
	waitFor(t, func() bool { return len(bob.rec.chatMessages()) == 2 })
	assert.Equal(t, "/shrug", bob.rec.chatMessages()[1])

	assert.Equal(t, 1, len(alice.rec.chatMessages()), "slash commands never reach the room as text")
}

func TestToggleMuteRoundTrip(t *testing.T) {
	st := startStack(t, "")
	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", IsHost: true})

	muted, err := alice.ctrl.ToggleMute(testCtx(t))
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, alice.ctrl.MicMuted())

	muted, err = alice.ctrl.ToggleMute(testCtx(t))
	require.NoError(t, err)
	assert.False(t, muted)
	assert.False(t, alice.ctrl.MicMuted())
}

func TestRemoteProducersAdoptedAndDropped(t *testing.T) {
	st := startStack(t, "")

	bob := newTestClient(t, st, func(o *Options) { o.Media = nil })
	mustJoin(t, bob, JoinOptions{RoomID: "standup", DisplayName: "Bob", User: "bob", IsHost: true})

	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", Video: true})

	// Bob discovers both of Alice's tracks and consumes them.
	waitFor(t, func() bool { return bob.rec.addedCount() == 2 })
	waitFor(t, func() bool { return bob.rtc.consumedCount() == 2 })
	waitFor(t, func() bool { return bob.ctrl.HasActiveCall() })

	var producers signal.GetProducersResult
	require.NoError(t, bob.ctrl.Do(testCtx(t), signal.RequestGetProducers, nil, &producers))
	assert.Len(t, producers.Producers, 2)

	// A clean leave retracts them.
	alice.ctrl.Leave()
	waitFor(t, func() bool { return bob.rec.removedCount() == 2 })
	waitFor(t, func() bool { return !bob.ctrl.HasActiveCall() })
}

func TestExistingProducersConsumedOnJoin(t *testing.T) {
	st := startStack(t, "")

	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true, Video: true})
	waitFor(t, func() bool { return len(alice.rtc.producedList()) == 2 })

	bob := newTestClient(t, st, func(o *Options) { o.Media = nil })
	mustJoin(t, bob, JoinOptions{RoomID: "standup", DisplayName: "Bob", User: "bob"})

	// Snapshot producers are consumed without OnProducerAdded churn.
	require.Len(t, bob.rec.lastJoined().ExistingProducers, 2)
	waitFor(t, func() bool { return bob.rtc.consumedCount() == 2 })
	assert.Zero(t, bob.rec.addedCount(), "the join snapshot is not an event")
}

func TestScreenShareDrivesKeepAlive(t *testing.T) {
	st := startStack(t, "")

	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true})

	bob := newTestClient(t, st, func(o *Options) { o.Media = nil })
	mustJoin(t, bob, JoinOptions{RoomID: "standup", DisplayName: "Bob", User: "bob"})

	require.NoError(t, alice.ctrl.StartScreenShare(testCtx(t)))
	waitFor(t, func() bool {
		for _, p := range alice.rtc.producedList() {
			if p == "video/screen" {
				return true
			}
		}
		return false
	})
	waitFor(t, func() bool { return bob.rec.addedCount() == 1 })

	// Backgrounding with live screen media starts the keep-alive tone on
	// both ends: the sharer holds a producer, the viewer a feed.
	alice.ctrl.SetForeground(false)
	waitFor(t, func() bool { return len(alice.notes.keepAliveLog()) == 1 })
	assert.Equal(t, []bool{true}, alice.notes.keepAliveLog())

	bob.ctrl.SetForeground(false)
	waitFor(t, func() bool { return len(bob.notes.keepAliveLog()) == 1 })
	assert.Equal(t, []bool{true}, bob.notes.keepAliveLog())

	alice.ctrl.SetForeground(true)
	waitFor(t, func() bool { return len(alice.notes.keepAliveLog()) == 2 })
	assert.Equal(t, []bool{true, false}, alice.notes.keepAliveLog())

	// Ending the share releases the viewer's keep-alive without any
	// foreground change on the viewer's side.
	require.NoError(t, alice.ctrl.StopScreenShare(testCtx(t)))
	waitFor(t, func() bool { return len(bob.notes.keepAliveLog()) == 2 })
	assert.Equal(t, []bool{true, false}, bob.notes.keepAliveLog())
}

func TestBackgroundAutoBlanksCamera(t *testing.T) {
	st := startStack(t, "")

	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true, Video: true})
	waitFor(t, func() bool { return len(alice.rtc.producedList()) == 2 })

	bob := newTestClient(t, st, func(o *Options) { o.Media = nil })
	mustJoin(t, bob, JoinOptions{RoomID: "standup", DisplayName: "Bob", User: "bob"})

	alice.ctrl.SetForeground(false)
	waitFor(t, func() bool { return len(bob.rec.pausesOf(signal.EventParticipantCameraOff)) == 1 })
	assert.Equal(t, []bool{true}, bob.rec.pausesOf(signal.EventParticipantCameraOff))
	assert.False(t, alice.ctrl.CameraOff(), "auto-blank is not the user's choice")

	alice.ctrl.SetForeground(true)
	waitFor(t, func() bool { return len(bob.rec.pausesOf(signal.EventParticipantCameraOff)) == 2 })
	assert.Equal(t, []bool{true, false}, bob.rec.pausesOf(signal.EventParticipantCameraOff))
	assert.False(t, alice.ctrl.CameraOff())
}

func TestToggleCameraReacquiresTrack(t *testing.T) {
	st := startStack(t, "")

	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true, Video: true})
	waitFor(t, func() bool { return len(alice.rtc.producedList()) == 2 })

	off, err := alice.ctrl.ToggleCamera(testCtx(t))
	require.NoError(t, err)
	assert.True(t, off)
	assert.True(t, alice.ctrl.CameraOff())

	// Turning back on grabs a fresh track and swaps it into the producer.
	off, err = alice.ctrl.ToggleCamera(testCtx(t))
	require.NoError(t, err)
	assert.False(t, off)
	assert.False(t, alice.ctrl.CameraOff())
	assert.GreaterOrEqual(t, alice.devices.acquireCount(), 2)
	assert.GreaterOrEqual(t, alice.rtc.replacedCount(), 1)
}

func TestReconnectAfterSocketLoss(t *testing.T) {
	st := startStack(t, "")

	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true})

	st.srv.CloseClientConnections()

	waitFor(t, func() bool { return alice.rec.sawState(StateReconnecting) })
	waitFor(t, func() bool { return alice.ctrl.ConnectionState() == StateJoined })

	assert.Equal(t, 2, alice.rec.joinedCount(), "the rejoin lands a fresh snapshot")
	assert.Zero(t, alice.rec.terminalCount())
	assert.Equal(t, "standup", alice.ctrl.RoomID())
}

func TestCrossTabTakeover(t *testing.T) {
	st := startStack(t, "")
	coord := NewCoordinator()

	tab1 := newTestClient(t, st, func(o *Options) { o.Coordinator = coord })
	mustJoin(t, tab1, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true})
	waitFor(t, func() bool { return coord.Owner() == tab1.ctrl.SessionID() })

	// A declined takeover leaves the first tab untouched.
	declined := newTestClient(t, st, func(o *Options) {
		o.Coordinator = coord
		o.ConfirmTakeover = func() bool { return false }
	})
	err := declined.ctrl.Join(testCtx(t), JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice"})
	require.ErrorIs(t, err, ErrOwnershipDeclined)
	assert.Equal(t, StateJoined, tab1.ctrl.ConnectionState())
	assert.Equal(t, tab1.ctrl.SessionID(), coord.Owner())

	// An approved takeover stands the first tab down silently.
	tab2 := newTestClient(t, st, func(o *Options) {
		o.Coordinator = coord
		o.ConfirmTakeover = func() bool { return true }
	})
	mustJoin(t, tab2, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true})

	assert.Equal(t, StateDisconnected, tab1.ctrl.ConnectionState())
	assert.Zero(t, tab1.notes.countCue(CueUserLeft), "takeovers do not play the leave cue")
	assert.Zero(t, tab1.rec.terminalCount())
	assert.Equal(t, tab2.ctrl.SessionID(), coord.Owner())
}

func TestKickedSessionTerminates(t *testing.T) {
	st := startStack(t, "")

	host := newTestClient(t, st, nil)
	mustJoin(t, host, JoinOptions{RoomID: "standup", DisplayName: "Host", User: "host", IsHost: true})

	guest := newTestClient(t, st, nil)
	mustJoin(t, guest, JoinOptions{RoomID: "standup", DisplayName: "Guest", User: "guest"})

	waitFor(t, func() bool { return host.rec.userJoinCount() == 1 })
	guestUserID := host.rec.firstUserJoin().UserID

	require.NoError(t, host.ctrl.Do(testCtx(t), signal.RequestKickUser,
		signal.TargetUserRequest{UserID: guestUserID}, &signal.SuccessResult{}))

	waitFor(t, func() bool { return guest.ctrl.ConnectionState() == StateErrored })
	waitFor(t, func() bool { return guest.rec.terminalCount() == 1 })
	require.Error(t, guest.ctrl.LastError())
	assert.Contains(t, guest.ctrl.LastError().Error(), "removed by host")
	assert.False(t, guest.ctrl.HasActiveCall())
}

func TestAdminOpsRequireHost(t *testing.T) {
	st := startStack(t, "")

	host := newTestClient(t, st, nil)
	mustJoin(t, host, JoinOptions{RoomID: "standup", DisplayName: "Host", User: "host", IsHost: true})

	guest := newTestClient(t, st, nil)
	mustJoin(t, guest, JoinOptions{RoomID: "standup", DisplayName: "Guest", User: "guest"})

	err := guest.ctrl.Do(testCtx(t), signal.RequestLockRoom, signal.BoolRequest{Value: true}, &signal.SuccessResult{})
	require.Error(t, err)
	assert.Equal(t, signal.KindPermissionDenied, signal.AsError(err).Kind)

	require.NoError(t, host.ctrl.Do(testCtx(t), signal.RequestLockRoom, signal.BoolRequest{Value: true}, &signal.SuccessResult{}))
	waitFor(t, func() bool { return guest.rec.sawEvent(signal.EventRoomLockChanged) })
}

func TestWebinarAttendeeWatchesFeed(t *testing.T) {
	st := startStack(t, "")

	host := newTestClient(t, st, nil)
	mustJoin(t, host, JoinOptions{RoomID: "allhands", DisplayName: "Host", User: "host", IsHost: true})

	enabled := true
	var cfg signal.WebinarConfig
	require.NoError(t, host.ctrl.Do(testCtx(t), signal.RequestWebinarUpdateConfig,
		signal.WebinarUpdateConfigRequest{Enabled: &enabled}, &cfg))
	require.True(t, cfg.Enabled)

	var link signal.WebinarLinkResult
	require.NoError(t, host.ctrl.Do(testCtx(t), signal.RequestWebinarGenerateLink, nil, &link))
	watchURL, err := url.Parse(link.Link)
	require.NoError(t, err)
	watchToken := watchURL.Query().Get("wt")
	require.NotEmpty(t, watchToken)

	viewer := newTestClient(t, st, nil)
	require.NoError(t, viewer.ctrl.Join(testCtx(t), JoinOptions{
		RoomID:       "allhands",
		DisplayName:  "Viewer",
		JoinMode:     JoinModeWebinarAttendee,
		WebinarToken: watchToken,
		Video:        true,
	}))
	waitFor(t, func() bool { return viewer.ctrl.ConnectionState() == StateJoined })

	snapshot := viewer.rec.lastJoined()
	assert.Equal(t, "webinar_attendee", snapshot.WebinarRole)
	assert.NotEmpty(t, snapshot.WebinarFeedMode)

	// Attendees watch; they never capture or publish.
	assert.Zero(t, viewer.devices.acquireCount())
	assert.Empty(t, viewer.rtc.producedList())

	// A screen share enters the attendee feed.
	require.NoError(t, host.ctrl.StartScreenShare(testCtx(t)))
	waitFor(t, func() bool { return viewer.rec.addedCount() >= 1 })
	waitFor(t, func() bool { return viewer.rtc.consumedCount() >= 1 })
}

func TestCrossRoomEventsIgnored(t *testing.T) {
	c := New(Options{})
	t.Cleanup(c.Close)
	c.mu.Lock()
	c.roomID = "room-a"
	c.mu.Unlock()

	foreign, err := signal.NewEvent(signal.EventUserJoined, signal.UserJoinedEvent{
		RoomEvent: signal.RoomEvent{RoomID: "room-b"},
		UserKey:   "mallory",
	})
	require.NoError(t, err)
	c.handleEvent(foreign)

	local, err := signal.NewEvent(signal.EventUserJoined, signal.UserJoinedEvent{
		RoomEvent:   signal.RoomEvent{RoomID: "room-a"},
		UserKey:     "bob",
		DisplayName: "Bob",
	})
	require.NoError(t, err)
	c.handleEvent(local)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.NotContains(t, c.roster, "mallory")
	assert.Equal(t, "Bob", c.roster["bob"])
}

func TestRedirectArmsImmediateRejoin(t *testing.T) {
	c := New(Options{})
	t.Cleanup(c.Close)

	ev, err := signal.NewEvent(signal.EventRedirect, signal.RedirectEvent{URL: "wss://other-sfu.example.com"})
	require.NoError(t, err)
	c.handleEvent(ev)

	c.mu.Lock()
	assert.Equal(t, "wss://other-sfu.example.com", c.redirectURL)
	c.mu.Unlock()
	c.rec.mu.Lock()
	assert.True(t, c.rec.immediate)
	c.rec.mu.Unlock()
}

func TestTrackLossRecovery(t *testing.T) {
	st := startStack(t, "")

	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true, Video: true})
	waitFor(t, func() bool { return len(alice.rtc.producedList()) == 2 })
	require.Equal(t, 1, alice.devices.acquireCount())

	// The camera dies out from under us; the SDK re-acquires and swaps the
	// fresh tracks into the existing producers.
	alice.devices.lastStream().trackOfKind(signal.MediaKindVideo).end()

	waitFor(t, func() bool { return alice.devices.acquireCount() == 2 })
	waitFor(t, func() bool { return alice.rtc.replacedCount() >= 1 })
	assert.False(t, alice.ctrl.CameraOff())
	assert.False(t, alice.ctrl.MicMuted())
}

func TestTrackLossGivesUpWhenDevicesGone(t *testing.T) {
	st := startStack(t, "")

	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true})
	waitFor(t, func() bool { return len(alice.rtc.producedList()) == 1 })

	// The microphone dies and cannot be re-acquired.
	alice.devices.setFailAll(true)
	alice.devices.lastStream().trackOfKind(signal.MediaKindAudio).end()

	waitFor(t, func() bool { return alice.ctrl.MicMuted() })
}

func TestReconcileRepairsDrift(t *testing.T) {
	st := startStack(t, "")

	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true, Video: true})
	waitFor(t, func() bool { return len(alice.rtc.producedList()) == 2 })

	bob := newTestClient(t, st, func(o *Options) { o.Media = nil })
	mustJoin(t, bob, JoinOptions{RoomID: "standup", DisplayName: "Bob", User: "bob"})
	waitFor(t, func() bool { return bob.rtc.consumedCount() == 2 })

	// Simulate drift: forget one real producer, remember a phantom one.
	bob.ctrl.mu.Lock()
	var forgotten string
	for id := range bob.ctrl.producers {
		forgotten = id
		break
	}
	delete(bob.ctrl.producers, forgotten)
	delete(bob.ctrl.consumers, forgotten)
	bob.ctrl.producers["phantom-1"] = signal.ProducerInfo{ProducerID: "phantom-1", Kind: signal.MediaKindVideo}
	bob.ctrl.mu.Unlock()

	bob.ctrl.reconcileProducers(testCtx(t))

	waitFor(t, func() bool { return bob.rec.addedCount() == 1 })
	waitFor(t, func() bool { return bob.rec.removedCount() == 1 })
	bob.ctrl.mu.Lock()
	_, phantom := bob.ctrl.producers["phantom-1"]
	_, restored := bob.ctrl.producers[forgotten]
	bob.ctrl.mu.Unlock()
	assert.False(t, phantom)
	assert.True(t, restored)
}

func TestReconcileLoopRunsOnInterval(t *testing.T) {
	st := startStack(t, "")

	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true, Video: true})
	waitFor(t, func() bool { return len(alice.rtc.producedList()) == 2 })

	clk := testingclock.NewFakeClock(time.Now())
	bob := newTestClient(t, st, func(o *Options) {
		o.Media = nil
		o.Clock = clk
		o.ReconcileInterval = DefaultReconcileInterval
	})
	mustJoin(t, bob, JoinOptions{RoomID: "standup", DisplayName: "Bob", User: "bob"})
	waitFor(t, func() bool { return bob.rtc.consumedCount() == 2 })

	bob.ctrl.mu.Lock()
	var forgotten string
	for id := range bob.ctrl.producers {
		forgotten = id
		break
	}
	delete(bob.ctrl.producers, forgotten)
	delete(bob.ctrl.consumers, forgotten)
	bob.ctrl.mu.Unlock()

	// Nothing is repaired until the interval elapses.
	waitFor(t, clk.HasWaiters)
	assert.Zero(t, bob.rec.addedCount())

	clk.Step(DefaultReconcileInterval)
	waitFor(t, func() bool { return bob.rec.addedCount() == 1 })
	bob.ctrl.mu.Lock()
	_, restored := bob.ctrl.producers[forgotten]
	bob.ctrl.mu.Unlock()
	assert.True(t, restored)
}

func TestJoinCueSuppressedInLargeRooms(t *testing.T) {
	st := startStack(t, "")

	host := newTestClient(t, st, func(o *Options) { o.SoundSuppressThreshold = 2 })
	mustJoin(t, host, JoinOptions{RoomID: "town-hall", DisplayName: "Host", User: "host", IsHost: true})

	first := newTestClient(t, st, nil)
	mustJoin(t, first, JoinOptions{RoomID: "town-hall", DisplayName: "One", User: "one"})
	waitFor(t, func() bool { return host.rec.userJoinCount() == 1 })

	second := newTestClient(t, st, nil)
	mustJoin(t, second, JoinOptions{RoomID: "town-hall", DisplayName: "Two", User: "two"})
	waitFor(t, func() bool { return host.rec.userJoinCount() == 2 })

	// The first arrival chimes; past the threshold the room stays quiet.
	assert.Equal(t, 1, host.notes.countCue(CueUserJoined))
}

func TestUpdateDisplayNameSticksForRejoin(t *testing.T) {
	st := startStack(t, "")

	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true})

	bob := newTestClient(t, st, func(o *Options) { o.Media = nil })
	mustJoin(t, bob, JoinOptions{RoomID: "standup", DisplayName: "Bob", User: "bob"})

	require.NoError(t, bob.ctrl.UpdateDisplayName(testCtx(t), "Robert"))
	waitFor(t, func() bool { return alice.rec.sawEvent(signal.EventDisplayNameUpdated) })

	bob.ctrl.mu.Lock()
	name := bob.ctrl.join.DisplayName
	bob.ctrl.mu.Unlock()
	assert.Equal(t, "Robert", name, "a rename must survive a rejoin")
}

func TestReactionsFanOut(t *testing.T) {
	st := startStack(t, "")

	alice := newTestClient(t, st, nil)
	mustJoin(t, alice, JoinOptions{RoomID: "standup", DisplayName: "Alice", User: "alice", IsHost: true})

	bob := newTestClient(t, st, func(o *Options) { o.Media = nil })
	mustJoin(t, bob, JoinOptions{RoomID: "standup", DisplayName: "Bob", User: "bob"})

	require.NoError(t, bob.ctrl.SendReaction(testCtx(t), "emoji", "👏", "clap"))
	waitFor(t, func() bool { return alice.rec.sawEvent(signal.EventReaction) })
}
