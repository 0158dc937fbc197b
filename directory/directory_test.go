package directory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/abdelmounim-dev/voicesync/playback"
	"github.com/abdelmounim-dev/voicesync/playback/playbacktest"
	"github.com/abdelmounim-dev/voicesync/room"
	"github.com/abdelmounim-dev/voicesync/room/roomtest"
	"github.com/abdelmounim-dev/voicesync/session"
	"github.com/abdelmounim-dev/voicesync/spotify"
	"github.com/abdelmounim-dev/voicesync/store"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	guildID  = "guild-1"
	serverID = "srv-1"
)

type fixture struct {
	dir       *Directory
	provider  *playbacktest.Provider
	voice     *roomtest.Voice
	messenger *roomtest.Messenger
	sessions  *roomtest.Sessions
	presence  *session.MemoryStore
}

func newFixture(t *testing.T, idle time.Duration, linked ...string) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	st, err := store.OpenSQL("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	for _, id := range linked {
		require.NoError(t, st.SaveCredential(context.Background(), store.Credential{
			UserID: id, AccessToken: "at-" + id, RefreshToken: "rt-" + id,
		}))
	}

	f := &fixture{
		provider:  playbacktest.NewProvider(),
		voice:     roomtest.NewVoice(),
		messenger: &roomtest.Messenger{},
		sessions:  roomtest.NewSessions(),
		presence:  session.NewMemoryStore(),
	}
	f.dir = New(room.Deps{
		Provider:  f.provider,
		Voice:     f.voice,
		Messenger: f.messenger,
		NewMember: func(userID string, h spotify.EventHandler) room.Member {
			return f.sessions.New(userID, h)
		},
		Store:  st,
		Config: room.Config{IdleTimeout: idle, DefaultVolume: 40, MaxVolume: 150},
	}, f.presence, Config{ServerID: serverID, RejoinDelay: time.Millisecond})
	t.Cleanup(f.dir.Shutdown)
	return f
}

func (f *fixture) member(t *testing.T, userID string) *roomtest.Member {
	t.Helper()
	m, ok := f.sessions.Get(userID)
	require.True(t, ok, "no session for %s", userID)
	return m
}

func join(userID, voiceID string) JoinRequest {
	return JoinRequest{GuildID: guildID, UserID: userID, VoiceID: voiceID, TextID: "text-1"}
}

func TestJoinPreconditions(t *testing.T) {
	f := newFixture(t, time.Minute, "alice")
	f.voice.SetMembers("voice-1", "alice", "bob")

	tests := []struct {
		name string
		req  JoinRequest
		err  error
	}{
		{name: "not in voice", req: join("alice", ""), err: ErrNotInVoice},
		{name: "not linked", req: join("bob", "voice-1"), err: ErrNotLinked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.dir.Join(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.Nil(t, f.dir.Room(guildID), "rejected joins create nothing")
	assert.Empty(t, f.voice.Connects())
}

func TestJoinOpensRoom(t *testing.T) {
	f := newFixture(t, time.Minute, "alice")
	f.voice.SetMembers("voice-1", "alice")

	res, err := f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)

	assert.Equal(t, Opened, res)
	assert.Equal(t, Stats{Rooms: 1, Users: 1}, f.dir.Stats())
	assert.Equal(t, []string{"voice-1"}, f.voice.Connects())

	rec, err := f.presence.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, guildID, rec.RoomID)
	assert.Equal(t, serverID, rec.ServerID)
}

func TestJoinSameChannelAddsUser(t *testing.T) {
	f := newFixture(t, time.Minute, "alice", "bob")
	f.voice.SetMembers("voice-1", "alice")
	_, err := f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)

	f.voice.SetMembers("voice-1", "alice", "bob")
	res, err := f.dir.Join(context.Background(), join("bob", "voice-1"))
	require.NoError(t, err)

	assert.Equal(t, Joined, res)
	assert.Equal(t, []string{"alice", "bob"}, f.dir.Room(guildID).MemberIDs())
}

func TestJoinRejectsBusyUser(t *testing.T) {
	f := newFixture(t, time.Minute, "alice", "carol")
	f.voice.SetMembers("voice-1", "alice")
	_, err := f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)

	other := JoinRequest{GuildID: "guild-2", UserID: "alice", VoiceID: "voice-9", TextID: "text-9"}
	_, err = f.dir.Join(context.Background(), other)
	assert.ErrorIs(t, err, ErrUserBusy)

	require.NoError(t, f.presence.Create(context.Background(), &session.Session{UserID: "carol", ServerID: "srv-2"}))
	other.UserID = "carol"
	_, err = f.dir.Join(context.Background(), other)
	assert.ErrorIs(t, err, ErrUserBusy, "sessions held by another instance count")
}

func TestJoinRelocatesHostlessRoom(t *testing.T) {
	f := newFixture(t, time.Minute, "alice", "bob")
	f.voice.SetMembers("voice-1", "alice")
	f.voice.SetMembers("voice-2", "bob")
	_, err := f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)
	old := f.dir.Room(guildID)

	res, err := f.dir.Join(context.Background(), join("bob", "voice-2"))
	require.NoError(t, err)

	assert.Equal(t, Relocated, res)
	assert.True(t, old.Destroyed())
	assert.Equal(t, "voice-2", f.dir.Room(guildID).VoiceChannel())
	assert.Nil(t, f.dir.UserRoom("alice"))
	assert.Equal(t, Stats{Rooms: 1, Users: 1}, f.dir.Stats())
	assert.Empty(t, f.messenger.Messages())
}

func TestJoinRejectsWhileHostedElsewhere(t *testing.T) {
	f := newFixture(t, time.Minute, "alice", "bob")
	f.voice.SetMembers("voice-1", "alice")
	f.voice.SetMembers("voice-2", "bob")
	_, err := f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)
	f.member(t, "alice").Activate()

	_, err = f.dir.Join(context.Background(), join("bob", "voice-2"))
	assert.ErrorIs(t, err, ErrRoomBusy)
	assert.Equal(t, "voice-1", f.dir.Room(guildID).VoiceChannel())
}

func TestSecondRoomCannotClaimListener(t *testing.T) {
	f := newFixture(t, time.Minute, "alice", "bob")
	f.voice.SetMembers("voice-1", "alice")
	f.voice.SetMembers("voice-9", "alice", "bob")
	_, err := f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)

	_, err = f.dir.Join(context.Background(), JoinRequest{GuildID: "guild-2", UserID: "bob", VoiceID: "voice-9", TextID: "text-9"})
	require.NoError(t, err)

	assert.Equal(t, []string{"bob"}, f.dir.Room("guild-2").MemberIDs())
	assert.Equal(t, f.dir.Room(guildID), f.dir.UserRoom("alice"))
}

func TestLeave(t *testing.T) {
	f := newFixture(t, time.Minute, "alice", "bob")
	assert.ErrorIs(t, f.dir.Leave(guildID, "alice"), ErrNotConnected)

	f.voice.SetMembers("voice-1", "alice", "bob")
	_, err := f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)
	f.member(t, "alice").Activate()

	assert.ErrorIs(t, f.dir.Leave(guildID, "bob"), ErrNotHost)
	require.NoError(t, f.dir.Leave(guildID, "alice"))

	assert.Equal(t, Stats{}, f.dir.Stats())
	assert.Equal(t, 0, f.presence.Len())
	assert.Equal(t, 1, f.voice.Disconnects())
	assert.Empty(t, f.messenger.Messages())
}

func TestTeardownAfterLeavePostsNothing(t *testing.T) {
	f := newFixture(t, time.Minute, "alice")
	f.voice.SetMembers("voice-1", "alice")
	_, err := f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)
	r := f.dir.Room(guildID)

	require.NoError(t, f.dir.Leave(guildID, "alice"))
	f.dir.Teardown(r, room.ReasonInactivity)

	assert.Empty(t, f.messenger.Messages())
	assert.Equal(t, 1, f.voice.Disconnects())
	assert.True(t, r.Destroyed())
}

func TestJoinFailsWhenSessionCannotStart(t *testing.T) {
	f := newFixture(t, time.Minute, "alice", "bob")
	f.voice.SetMembers("voice-1", "alice")
	_, err := f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)

	f.sessions.FailConnect("bob", errors.New("dealer unreachable"))
	f.voice.SetMembers("voice-1", "alice", "bob")
	_, err = f.dir.Join(context.Background(), join("bob", "voice-1"))

	assert.ErrorIs(t, err, ErrJoinFailed)
	assert.Equal(t, []string{"alice"}, f.dir.Room(guildID).MemberIDs())
	assert.Nil(t, f.dir.UserRoom("bob"))
}

func TestLeaveHostlessRoomByAnyone(t *testing.T) {
	f := newFixture(t, time.Minute, "alice")
	f.voice.SetMembers("voice-1", "alice")
	_, err := f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)

	require.NoError(t, f.dir.Leave(guildID, "bob"))
	assert.Nil(t, f.dir.Room(guildID))
}

func TestIdleTeardownPostsNotice(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, "alice")
	f.voice.SetMembers("voice-1", "alice")
	_, err := f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return f.dir.Room(guildID) == nil }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(f.messenger.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"text-1: I left the voice channel because of inactivity"}, f.messenger.Messages())
	assert.Equal(t, 0, f.presence.Len())
}

func TestStayToggle(t *testing.T) {
	f := newFixture(t, time.Minute, "alice")
	_, err := f.dir.ToggleStay(guildID)
	assert.ErrorIs(t, err, ErrNotConnected)

	f.voice.SetMembers("voice-1", "alice")
	_, err = f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)

	on, err := f.dir.ToggleStay(guildID)
	require.NoError(t, err)
	assert.True(t, on)
	on, err = f.dir.ToggleStay(guildID)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestNowPlaying(t *testing.T) {
	f := newFixture(t, time.Minute, "alice")
	_, err := f.dir.NowPlaying(guildID)
	assert.ErrorIs(t, err, ErrNotConnected)

	f.voice.SetMembers("voice-1", "alice")
	f.provider.AddResult("Artist - Song", playback.Result{ID: "yt-1", DurationMs: 180000})
	_, err = f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)

	_, err = f.dir.NowPlaying(guildID)
	assert.ErrorIs(t, err, ErrNotPlaying)

	alice := f.member(t, "alice")
	alice.Activate()
	alice.Emit(spotify.TrackChanged{Track: spotify.Track{Metadata: spotify.TrackMetadata{
		Authors:  []spotify.Author{{Name: "Artist"}},
		Duration: 200000,
		Name:     "Song",
		URI:      "spotify:track:song",
	}}})

	snap, err := f.dir.NowPlaying(guildID)
	require.NoError(t, err)
	assert.Equal(t, "alice", snap.HostID)
	assert.Equal(t, "Song", snap.Track.Metadata.Name)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "yt-1", snap.Result.ID)
	assert.False(t, snap.Paused)
}

func TestSwitchDevice(t *testing.T) {
	f := newFixture(t, time.Minute, "alice", "bob")
	ctx := context.Background()
	assert.ErrorIs(t, f.dir.SwitchDevice(ctx, guildID, "alice"), ErrNotConnected)

	f.voice.SetMembers("voice-1", "alice")
	_, err := f.dir.Join(ctx, join("alice", "voice-1"))
	require.NoError(t, err)

	assert.ErrorIs(t, f.dir.SwitchDevice(ctx, guildID, "bob"), ErrNotListening)
	require.NoError(t, f.dir.SwitchDevice(ctx, guildID, "alice"))
	assert.Equal(t, []string{"transfer"}, f.member(t, "alice").Calls())

	f.sessions.RefuseTransfer()
	f.voice.SetMembers("voice-1", "alice", "bob")
	f.dir.OnVoiceStateChanged(ctx, VoiceState{GuildID: guildID, UserID: "bob", After: "voice-1"})
	assert.ErrorIs(t, f.dir.SwitchDevice(ctx, guildID, "bob"), ErrSwitchFailed)
}

func TestVoiceStateRouting(t *testing.T) {
	f := newFixture(t, time.Minute, "alice", "bob", "carol")
	ctx := context.Background()
	f.voice.SetMembers("voice-1", "alice")
	_, err := f.dir.Join(ctx, join("alice", "voice-1"))
	require.NoError(t, err)
	r := f.dir.Room(guildID)

	f.dir.OnVoiceStateChanged(ctx, VoiceState{GuildID: guildID, UserID: "bob", After: "voice-1"})
	assert.Equal(t, []string{"alice", "bob"}, r.MemberIDs())

	f.dir.OnVoiceStateChanged(ctx, VoiceState{GuildID: guildID, UserID: "alice", Before: "voice-1", After: "voice-3"})
	assert.Equal(t, []string{"bob"}, r.MemberIDs())
	assert.Nil(t, f.dir.UserRoom("alice"))

	// unrelated channels are ignored
	f.dir.OnVoiceStateChanged(ctx, VoiceState{GuildID: guildID, UserID: "carol", After: "voice-3"})
	assert.Equal(t, []string{"bob"}, r.MemberIDs())

	// other bots are not listeners
	f.dir.OnVoiceStateChanged(ctx, VoiceState{GuildID: guildID, UserID: "carol", After: "voice-1", Bot: true})
	assert.Equal(t, []string{"bob"}, r.MemberIDs())

	f.voice.SetMembers("voice-2", "carol")
	f.dir.OnVoiceStateChanged(ctx, VoiceState{GuildID: guildID, UserID: "bot", Before: "voice-1", After: "voice-2", Self: true})
	assert.Equal(t, "voice-2", r.VoiceChannel())
	assert.Equal(t, []string{"carol"}, r.MemberIDs())

	// a stale disconnect of the previous channel does not close the room
	f.dir.OnVoiceStateChanged(ctx, VoiceState{GuildID: guildID, UserID: "bot", Before: "voice-1", Self: true})
	assert.Equal(t, r, f.dir.Room(guildID))

	f.dir.OnVoiceStateChanged(ctx, VoiceState{GuildID: guildID, UserID: "bot", Before: "voice-2", Self: true})
	assert.Nil(t, f.dir.Room(guildID))
	assert.True(t, r.Destroyed())
	assert.Empty(t, f.messenger.Messages())
}

func TestForgetClosesSession(t *testing.T) {
	f := newFixture(t, time.Minute, "alice")
	f.voice.SetMembers("voice-1", "alice")
	_, err := f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)

	f.dir.Forget("alice")

	assert.Nil(t, f.dir.UserRoom("alice"))
	assert.Equal(t, 1, f.member(t, "alice").Destroyed())
	assert.NotNil(t, f.dir.Room(guildID), "the room stays open")
}

func TestShutdownClosesAllRooms(t *testing.T) {
	f := newFixture(t, time.Minute, "alice", "bob")
	f.voice.SetMembers("voice-1", "alice")
	f.voice.SetMembers("voice-9", "bob")
	_, err := f.dir.Join(context.Background(), join("alice", "voice-1"))
	require.NoError(t, err)
	_, err = f.dir.Join(context.Background(), JoinRequest{GuildID: "guild-2", UserID: "bob", VoiceID: "voice-9", TextID: "text-9"})
	require.NoError(t, err)
	require.Equal(t, 2, f.dir.Stats().Rooms)

	f.dir.Shutdown()

	assert.Equal(t, Stats{}, f.dir.Stats())
	assert.Equal(t, 2, f.voice.Disconnects())
}
