package room

import (
	"context"
	"testing"
	"time"

	"github.com/abdelmounim-dev/voicesync/broker"
	"github.com/abdelmounim-dev/voicesync/playback"
	"github.com/abdelmounim-dev/voicesync/playback/playbacktest"
	"github.com/abdelmounim-dev/voicesync/spotify"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinStartsSessionsForLinkedListeners(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice", "bob", "carol"}, "alice", "bob")
	h.join(t)

	assert.Equal(t, []string{"alice", "bob"}, h.room.MemberIDs())
	assert.Equal(t, []string{voiceID}, h.voice.Connects())
	assert.Equal(t, 40, h.player().Volume())
	assert.Equal(t, 2, h.registry.Owned())
	assert.False(t, h.room.HasHost())
}

func TestJoinSkipsUsersListeningElsewhere(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice", "bob"}, "alice", "bob")
	other := New("guild-2", "voice-9", "text-9", Deps{})
	require.True(t, h.registry.Claim("bob", other))

	h.join(t)

	assert.Equal(t, []string{"alice"}, h.room.MemberIDs())
}

func TestJoinReleasesUserWhenConnectFails(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice"}, "alice")
	h.sessions.FailConnect("alice", errors.New("dealer unreachable"))

	h.join(t)

	assert.Empty(t, h.room.MemberIDs())
	assert.Equal(t, 0, h.registry.Owned())
	assert.Equal(t, 1, h.member(t, "alice").Destroyed())
}

func TestFirstActiveMemberBecomesHost(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice", "bob"}, "alice", "bob")
	h.join(t)
	alice, bob := h.member(t, "alice"), h.member(t, "bob")

	bob.Activate()
	assert.True(t, h.room.IsHost("bob"))

	alice.Activate()
	assert.True(t, h.room.IsHost("bob"), "an existing host keeps the room")
}

func TestHostFailoverFollowsJoinOrder(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice", "bob", "carol"}, "alice", "bob", "carol")
	h.join(t)
	alice, bob, carol := h.member(t, "alice"), h.member(t, "bob"), h.member(t, "carol")

	carol.Activate()
	bob.Activate()
	alice.Activate()
	require.True(t, h.room.IsHost("carol"))

	carol.Lose()
	assert.True(t, h.room.IsHost("alice"))

	alice.Lose()
	assert.True(t, h.room.IsHost("bob"))
}

func TestLosingLastHostPausesAndStops(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice", "bob"}, "alice", "bob")
	h.provider.AddResult("Artist - Song", songResult(180000))
	h.join(t)
	alice, bob := h.member(t, "alice"), h.member(t, "bob")

	alice.Activate()
	alice.Emit(spotify.TrackChanged{Track: track("Song", 200000)})
	require.False(t, h.room.Snapshot().Paused)

	alice.Lose()

	assert.False(t, h.room.HasHost())
	assert.True(t, h.room.Snapshot().Paused)
	assert.Contains(t, h.player().Ops(), "stop")
	assert.NotContains(t, bob.Calls(), "pause", "idle listeners are left alone")
}

func TestHostTrackIsMirrored(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice", "bob"}, "alice", "bob")
	h.provider.AddResult("Artist - Song", songResult(180000))
	h.join(t)
	alice, bob := h.member(t, "alice"), h.member(t, "bob")
	alice.Activate()
	bob.Activate()

	pos, ok := alice.Emit(spotify.TrackChanged{Track: track("Song", 200000), PositionMs: 50000})
	require.True(t, ok)
	assert.Equal(t, int64(50000), pos)

	calls := h.player().Calls()
	assert.Equal(t, playbacktest.Call{Op: "play", ResultID: "yt-song", Ms: 45000}, calls[len(calls)-1])
	assert.Equal(t, []string{"play:spotify:track:song:50000"}, bob.Calls())
	assert.Empty(t, alice.Calls(), "the host is not told to follow itself")

	snap := h.room.Snapshot()
	assert.Equal(t, "alice", snap.HostID)
	require.NotNil(t, snap.Track)
	assert.Equal(t, "Song", snap.Track.Metadata.Name)
}

func TestNonHostEventsAreNotMirrored(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice", "bob"}, "alice", "bob")
	h.provider.AddResult("Artist - Other", songResult(180000))
	h.join(t)
	alice, bob := h.member(t, "alice"), h.member(t, "bob")
	alice.Activate()
	bob.Activate()
	before := h.player().Ops()

	bob.Emit(spotify.TrackChanged{Track: track("Other", 200000)})
	bob.Emit(spotify.PauseChanged{Paused: true})
	bob.Emit(spotify.Sought{PositionMs: 1000})
	bob.Emit(spotify.VolumeChanged{Volume: 65535})

	assert.Equal(t, before, h.player().Ops())
	assert.Empty(t, alice.Calls())
	assert.Empty(t, h.provider.Searches())
}

func TestPauseSeekAndVolumeAreMirrored(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice", "bob"}, "alice", "bob")
	h.provider.AddResult("Artist - Song", songResult(100000))
	h.join(t)
	alice, bob := h.member(t, "alice"), h.member(t, "bob")
	alice.Activate()
	bob.Activate()
	alice.Emit(spotify.TrackChanged{Track: track("Song", 200000)})

	alice.Emit(spotify.PauseChanged{Paused: true})
	assert.True(t, h.player().Paused())
	assert.True(t, h.room.Snapshot().Paused)

	alice.Emit(spotify.PauseChanged{Paused: false})
	assert.False(t, h.player().Paused())

	h.player().SetPosition(15000)
	previous, ok := alice.Emit(spotify.Sought{PositionMs: 120000})
	require.True(t, ok)
	assert.Equal(t, int64(30000), previous, "the position before the seek is reported")
	snap := h.room.Snapshot()
	require.True(t, snap.KnownPos)
	assert.Equal(t, int64(120000), snap.PositionMs)

	alice.Emit(spotify.VolumeChanged{Volume: 65535})
	assert.Equal(t, 40, h.player().Volume())

	calls := h.player().Calls()
	assert.Contains(t, calls, playbacktest.Call{Op: "seek", Ms: 60000})
	assert.Equal(t, []string{"play:spotify:track:song:0", "pause", "resume", "seek:120000"}, bob.Calls())
}

func TestModifiedReportsRoomPosition(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice"}, "alice")
	h.provider.AddResult("Artist - Song", songResult(100000))
	h.join(t)
	alice := h.member(t, "alice")
	alice.Activate()
	alice.Emit(spotify.TrackChanged{Track: track("Song", 200000)})

	h.player().SetPosition(30000)
	pos, ok := alice.Emit(spotify.Modified{})
	require.True(t, ok)
	assert.Equal(t, int64(60000), pos)
}

func TestNoResultsNotifiesAndAdvancesOnce(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice"}, "alice")
	h.join(t)
	alice := h.member(t, "alice")
	alice.Activate()

	alice.Emit(spotify.TrackChanged{Track: track("Song", 200000)})

	assert.Len(t, h.provider.Searches(), 3)
	assert.Equal(t, []string{textID + ": No track found for Artist - Song"}, h.messenger.Messages())
	assert.Eventually(t, func() bool { return alice.Advances() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, alice.Advances())
	assert.NotContains(t, h.player().Ops(), "play")
}

func TestNaturalTrackEndAdvancesHost(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice"}, "alice")
	h.provider.AddResult("Artist - Song", songResult(180000))
	h.join(t)
	alice := h.member(t, "alice")
	alice.Activate()
	alice.Emit(spotify.TrackChanged{Track: track("Song", 200000)})

	h.player().End(playback.EndFinished)

	assert.Eventually(t, func() bool { return alice.Advances() == 1 }, time.Second, 5*time.Millisecond)
}

func TestUserLeftHandsHostOver(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice", "bob"}, "alice", "bob")
	h.join(t)
	alice, bob := h.member(t, "alice"), h.member(t, "bob")
	alice.Activate()
	bob.Activate()

	h.room.UserLeft("alice")

	assert.Equal(t, 1, alice.Destroyed())
	assert.True(t, h.room.IsHost("bob"))
	assert.Equal(t, []string{"bob"}, h.room.MemberIDs())
	assert.Equal(t, 1, h.registry.Owned())
}

func TestUserJoinedStartsSession(t *testing.T) {
	h := newHarness(t, testConfig(), nil, "alice")
	h.join(t)
	require.Empty(t, h.room.MemberIDs())

	assert.True(t, h.room.UserJoined(context.Background(), "alice"))
	assert.False(t, h.room.UserJoined(context.Background(), "dave"), "unlinked users get no session")

	assert.Equal(t, []string{"alice"}, h.room.MemberIDs())
}

func TestDisconnectedSessionIsDropped(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice", "bob"}, "alice", "bob")
	h.join(t)
	alice, bob := h.member(t, "alice"), h.member(t, "bob")
	alice.Activate()
	bob.Activate()

	alice.SetState(spotify.StateDisconnected)
	alice.Emit(spotify.Disconnected{Err: errors.New("gave up")})

	assert.False(t, h.room.HasMember("alice"))
	assert.True(t, h.room.IsHost("bob"))
}

func TestMoveRestartsSessionsInNewChannel(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice"}, "alice", "bob")
	h.voice.SetMembers("voice-2", "bob")
	h.join(t)
	alice := h.member(t, "alice")
	alice.Activate()

	h.room.Move(context.Background(), "voice-2")

	assert.Equal(t, "voice-2", h.room.VoiceChannel())
	assert.Equal(t, 1, alice.Destroyed())
	assert.Equal(t, []string{"bob"}, h.room.MemberIDs())
	assert.False(t, h.room.HasHost())
}

func TestHostIsAlwaysAnActiveMember(t *testing.T) {
	users := []string{"u1", "u2", "u3", "u4"}
	h := newHarness(t, testConfig(), users, users...)
	h.join(t)

	steps := []func(){
		func() { h.member(t, "u2").Activate() },
		func() { h.member(t, "u3").Activate() },
		func() { h.member(t, "u2").Lose() },
		func() { h.room.UserLeft("u3") },
		func() { h.member(t, "u1").Activate() },
		func() { h.member(t, "u4").Activate() },
		func() { h.member(t, "u1").Lose() },
		func() { h.member(t, "u4").Lose() },
		func() { h.room.UserJoined(context.Background(), "u3") },
	}
	for i, step := range steps {
		step()
		host, ok := h.room.Host()
		if !ok {
			continue
		}
		assert.Equal(t, spotify.StateActive, host.State(), "step %d", i)
		assert.True(t, h.room.HasMember(host.UserID()), "step %d", i)
	}
	assert.False(t, h.room.HasHost())
}

func TestIdleRoomIsTornDownOnce(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.join(t)

	assert.Eventually(t, h.room.Destroyed, time.Second, 5*time.Millisecond)
	time.Sleep(5 * cfg.IdleTimeout)
	assert.Equal(t, []Reason{ReasonInactivity}, h.registry.Teardowns())
	assert.Equal(t, 1, h.voice.Disconnects())
}

func TestStayPreventsIdleTeardown(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.join(t)

	assert.True(t, h.room.ToggleStay())
	time.Sleep(3 * cfg.IdleTimeout)
	assert.Empty(t, h.registry.Teardowns())

	assert.False(t, h.room.ToggleStay())
	assert.Eventually(t, h.room.Destroyed, time.Second, 5*time.Millisecond)
}

func TestPlayingRoomIsNotIdle(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, []string{"alice"}, "alice")
	h.provider.AddResult("Artist - Song", songResult(180000))
	h.join(t)
	alice := h.member(t, "alice")
	alice.Activate()
	alice.Emit(spotify.TrackChanged{Track: track("Song", 200000)})

	time.Sleep(3 * cfg.IdleTimeout)
	assert.Empty(t, h.registry.Teardowns())

	alice.Emit(spotify.PauseChanged{Paused: true})
	assert.Eventually(t, h.room.Destroyed, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Reason{ReasonInactivity}, h.registry.Teardowns())
}

func TestDestroyIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice"}, "alice")
	h.join(t)
	alice := h.member(t, "alice")

	h.room.Destroy(context.Background())
	h.room.Destroy(context.Background())

	assert.Equal(t, 1, h.voice.Disconnects())
	assert.Equal(t, 1, h.player().Destroyed())
	assert.Equal(t, 1, alice.Destroyed())
	assert.Equal(t, 0, h.registry.Owned())

	// events from a destroyed room's sessions are ignored
	pos, ok := alice.Emit(spotify.Activated{})
	assert.False(t, ok)
	assert.Zero(t, pos)
}

func TestReasonNotice(t *testing.T) {
	assert.Equal(t, "I left the voice channel because of inactivity", ReasonInactivity.Notice())
	assert.Empty(t, ReasonLeave.Notice())
	assert.Equal(t, "shutdown", ReasonShutdown.String())
}

func TestRoomEventsArePublished(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"alice"}, "alice")
	h.provider.AddResult("Artist - Song", songResult(180000))
	h.join(t)
	alice := h.member(t, "alice")
	alice.Activate()
	alice.Emit(spotify.TrackChanged{Track: track("Song", 200000)})
	h.room.Close(context.Background(), ReasonLeave)

	expect := func(typ broker.EventType) broker.Event {
		t.Helper()
		var ev broker.Event
		require.Eventually(t, func() bool {
			var ok bool
			ev, ok = h.events.Find(typ)
			return ok
		}, time.Second, 5*time.Millisecond, "no %s event", typ)
		assert.Equal(t, guildID, ev.RoomID)
		return ev
	}

	expect(broker.RoomOpened)
	assert.Equal(t, "alice", expect(broker.MemberJoined).UserID)
	assert.Equal(t, "alice", expect(broker.HostChanged).UserID)
	assert.Equal(t, "spotify:track:song", expect(broker.TrackStarted).TrackURI)
	assert.Equal(t, "leave", expect(broker.RoomClosed).Reason)
}
