package room

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abdelmounim-dev/voicesync/broker"
	"github.com/abdelmounim-dev/voicesync/playback"
	"github.com/abdelmounim-dev/voicesync/playback/playbacktest"
	"github.com/abdelmounim-dev/voicesync/room/roomtest"
	"github.com/abdelmounim-dev/voicesync/spotify"
	"github.com/abdelmounim-dev/voicesync/store"
	"github.com/stretchr/testify/require"
)

const (
	guildID = "guild-1"
	voiceID = "voice-1"
	textID  = "text-1"
)

type fakeRegistry struct {
	mu        sync.Mutex
	owners    map[string]*Room
	teardowns []Reason
}

func (f *fakeRegistry) Claim(userID string, r *Room) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if owner, ok := f.owners[userID]; ok && owner != r {
		return false
	}
	f.owners[userID] = r
	return true
}

func (f *fakeRegistry) Release(userID string, r *Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners[userID] == r {
		delete(f.owners, userID)
	}
}

func (f *fakeRegistry) Teardown(r *Room, reason Reason) {
	f.mu.Lock()
	f.teardowns = append(f.teardowns, reason)
	f.mu.Unlock()
	r.Destroy(context.Background())
}

func (f *fakeRegistry) Teardowns() []Reason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Reason(nil), f.teardowns...)
}

func (f *fakeRegistry) Owned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.owners)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []broker.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev broker.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// Find returns the first published event of typ.
func (p *recordingPublisher) Find(typ broker.EventType) (broker.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return broker.Event{}, false
}

type harness struct {
	room      *Room
	provider  *playbacktest.Provider
	voice     *roomtest.Voice
	messenger *roomtest.Messenger
	registry  *fakeRegistry
	sessions  *roomtest.Sessions
	events    *recordingPublisher
}

func testConfig() Config {
	return Config{IdleTimeout: time.Minute, DefaultVolume: 40, MaxVolume: 150}
}

// newHarness prepares a room whose voice channel holds listeners; only the
// linked ones have a stored credential.
func newHarness(t *testing.T, cfg Config, listeners []string, linked ...string) *harness {
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

	h := &harness{
		provider:  playbacktest.NewProvider(),
		voice:     roomtest.NewVoice(),
		messenger: &roomtest.Messenger{},
		registry:  &fakeRegistry{owners: map[string]*Room{}},
		sessions:  roomtest.NewSessions(),
		events:    &recordingPublisher{},
	}
	h.voice.SetMembers(voiceID, listeners...)
	h.room = New(guildID, voiceID, textID, Deps{
		Provider:  h.provider,
		Voice:     h.voice,
		Messenger: h.messenger,
		Registry:  h.registry,
		NewMember: func(userID string, eh spotify.EventHandler) Member {
			return h.sessions.New(userID, eh)
		},
		Store:     st,
		Publisher: h.events,
		Config:    cfg,
	})
	t.Cleanup(func() { h.room.Destroy(context.Background()) })
	return h
}

func (h *harness) join(t *testing.T) {
	t.Helper()
	require.NoError(t, h.room.Join(context.Background()))
}

func (h *harness) member(t *testing.T, userID string) *roomtest.Member {
	t.Helper()
	m, ok := h.sessions.Get(userID)
	require.True(t, ok, "no session for %s", userID)
	return m
}

func (h *harness) player() *playbacktest.Player {
	return h.provider.Player(guildID)
}

func track(name string, durationMs int64) spotify.Track {
	return spotify.Track{Metadata: spotify.TrackMetadata{
		Authors:  []spotify.Author{{Name: "Artist"}},
		Duration: durationMs,
		Name:     name,
		URI:      "spotify:track:" + strings.ToLower(name),
	}}
}

func songResult(durationMs int64) playback.Result {
	return playback.Result{ID: "yt-song", DurationMs: durationMs}
}
