// Package room mirrors the host's playback in one voice channel: it keeps
// a remote session per listener, arbitrates a single host among them and
// drives the playback adapter and the other listeners from the host's
// events.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/abdelmounim-dev/voicesync/broker"
	"github.com/abdelmounim-dev/voicesync/playback"
	"github.com/abdelmounim-dev/voicesync/spotify"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

const (
	publishTimeout = 5 * time.Second
	noticeTimeout  = 10 * time.Second
)

// Snapshot is what the room is currently playing.
type Snapshot struct {
	HostID     string
	Track      *spotify.Track
	Result     *playback.Result
	PositionMs int64
	KnownPos   bool
	Paused     bool
	Stay       bool
	Members    int
}

// Room is the playback session of one guild.
type Room struct {
	id     string
	textID string
	deps   Deps
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	voiceID   string
	adapter   *playback.Adapter
	members   map[string]Member
	order     []string
	humans    map[string]struct{}
	host      Member
	track     *spotify.Track
	paused    bool
	stay      bool
	idle      idleTimer
	destroyed bool
}

// New creates a room for the voice and text channels of a guild. Join
// starts it.
func New(guildID, voiceID, textID string, deps Deps) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	if deps.Publisher == nil {
		deps.Publisher = broker.Nop{}
	}
	return &Room{
		id:      guildID,
		voiceID: voiceID,
		textID:  textID,
		deps:    deps,
		log:     zlog.With().Str("room", guildID).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		members: map[string]Member{},
		humans:  map[string]struct{}{},
		paused:  true,
	}
}

func (r *Room) ID() string          { return r.id }
func (r *Room) TextChannel() string { return r.textID }

func (r *Room) VoiceChannel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.voiceID
}

// Join connects the bot to the voice channel, creates the player and
// starts a session for every linked listener already in the channel.
func (r *Room) Join(ctx context.Context) error {
	voiceID := r.VoiceChannel()
	if err := r.deps.Voice.Connect(ctx, r.id, voiceID); err != nil {
		return errors.Wrap(err, "connect to voice channel")
	}

	adapter, err := playback.NewAdapter(r.ctx, r.deps.Provider, r.id, r.onTrackEnd)
	if err != nil {
		if derr := r.deps.Voice.Disconnect(ctx, r.id); derr != nil {
			r.log.Warn().Err(derr).Msg("disconnect after failed player creation")
		}
		return err
	}
	if err := adapter.SetVolume(ctx, r.deps.Config.DefaultVolume); err != nil {
		r.log.Warn().Err(err).Msg("failed to set default volume")
	}

	r.mu.Lock()
	r.adapter = adapter
	r.mu.Unlock()

	r.publish(broker.NewEvent(broker.RoomOpened, r.id))
	r.populate(ctx, voiceID)
	r.log.Info().Str("voice", voiceID).Msg("joined voice channel")
	return nil
}

// populate starts sessions for the listeners of voiceID.
func (r *Room) populate(ctx context.Context, voiceID string) {
	users, err := r.deps.Voice.Members(ctx, r.id, voiceID)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to list voice members")
	}

	r.mu.Lock()
	for _, u := range users {
		r.humans[u] = struct{}{}
	}
	r.mu.Unlock()

	for _, u := range users {
		r.addMember(ctx, u)
	}
	r.evaluateIdle()
}

// addMember starts a session for a linked user the registry lets this room
// claim. Unlinked and busy users only count as listeners. It reports
// whether userID has a session in the room afterwards.
func (r *Room) addMember(ctx context.Context, userID string) bool {
	r.mu.Lock()
	_, exists := r.members[userID]
	gone := r.destroyed
	r.mu.Unlock()
	if exists || gone {
		return exists && !gone
	}

	cred, err := r.deps.Store.GetCredential(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Str("user", userID).Msg("failed to load credential")
		return false
	}
	if cred == nil {
		return false
	}
	if !r.deps.Registry.Claim(userID, r) {
		r.log.Debug().Str("user", userID).Msg("user listens elsewhere")
		return false
	}

	m := r.deps.NewMember(userID, r)
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		r.deps.Registry.Release(userID, r)
		return false
	}
	r.members[userID] = m
	r.order = append(r.order, userID)
	r.mu.Unlock()

	if err := m.Connect(ctx); err != nil {
		r.log.Warn().Err(err).Str("user", userID).Msg("failed to connect remote session")
		r.dropMember(userID)
		return false
	}

	ev := broker.NewEvent(broker.MemberJoined, r.id)
	ev.UserID = userID
	r.publish(ev)
	return true
}

// dropMember removes and destroys the session of userID, if any.
func (r *Room) dropMember(userID string) bool {
	r.mu.Lock()
	m, ok := r.members[userID]
	if ok {
		delete(r.members, userID)
		for i, id := range r.order {
			if id == userID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	m.Destroy()
	r.deps.Registry.Release(userID, r)

	ev := broker.NewEvent(broker.MemberLeft, r.id)
	ev.UserID = userID
	r.publish(ev)
	return true
}

// UserJoined starts a session for a user who entered the room's channel
// and reports whether the user has one now.
func (r *Room) UserJoined(ctx context.Context, userID string) bool {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return false
	}
	r.humans[userID] = struct{}{}
	r.mu.Unlock()

	added := r.addMember(ctx, userID)
	r.evaluateIdle()
	return added
}

// UserLeft closes the session of a user who left the room's channel.
func (r *Room) UserLeft(userID string) {
	r.mu.Lock()
	delete(r.humans, userID)
	r.mu.Unlock()

	r.dropMember(userID)
	r.validateHost()
}

// RemoveMember closes the session of userID. The user still counts as a
// listener.
func (r *Room) RemoveMember(userID string) bool {
	if !r.dropMember(userID) {
		return false
	}
	r.validateHost()
	return true
}

// Move follows the bot into another voice channel of the guild. Every
// session is closed and the listeners of the new channel are picked up.
func (r *Room) Move(ctx context.Context, voiceID string) {
	r.mu.Lock()
	if r.destroyed || r.voiceID == voiceID {
		r.mu.Unlock()
		return
	}
	r.voiceID = voiceID
	ids := append([]string(nil), r.order...)
	r.humans = map[string]struct{}{}
	r.mu.Unlock()

	r.log.Info().Str("voice", voiceID).Msg("moved to another voice channel")
	for _, id := range ids {
		r.dropMember(id)
	}
	r.validateHost()
	r.populate(ctx, voiceID)
}

// HasMember reports whether userID has a session in this room.
func (r *Room) HasMember(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[userID]
	return ok
}

// Member returns the session of userID.
func (r *Room) Member(userID string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[userID]
	return m, ok
}

// MemberIDs returns the users with a session, in join order.
func (r *Room) MemberIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Snapshot reports the room's current playback for display.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	snap := Snapshot{
		Paused:  r.paused,
		Stay:    r.stay,
		Members: len(r.members),
		Track:   r.track,
	}
	if r.host != nil {
		snap.HostID = r.host.UserID()
	}
	adapter := r.adapter
	r.mu.Unlock()

	if adapter != nil {
		if _, res, ok := adapter.Current(); ok {
			snap.Result = &res
		}
		snap.PositionMs, snap.KnownPos = adapter.Position()
	}
	return snap
}

// ToggleStay flips whether the room ignores inactivity and returns the new
// setting.
func (r *Room) ToggleStay() bool {
	r.mu.Lock()
	r.stay = !r.stay
	stay := r.stay
	r.mu.Unlock()

	r.evaluateIdle()
	return stay
}

func (r *Room) Stay() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stay
}

// Destroyed reports whether Destroy ran.
func (r *Room) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// Destroy closes the player and every session and leaves the voice
// channel. Calling it again is a no-op.
func (r *Room) Destroy(ctx context.Context) {
	r.destroy(ctx, "")
}

// Close is Destroy with the reason reported in the room.closed event.
func (r *Room) Close(ctx context.Context, reason Reason) {
	r.destroy(ctx, reason.String())
}

func (r *Room) destroy(ctx context.Context, reason string) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	r.idle.cancel()
	ids := append([]string(nil), r.order...)
	adapter := r.adapter
	r.host = nil
	r.mu.Unlock()

	r.cancel()
	if adapter != nil {
		if err := adapter.Destroy(ctx); err != nil {
			r.log.Warn().Err(err).Msg("failed to destroy player")
		}
	}
	for _, id := range ids {
		r.dropMember(id)
	}
	if err := r.deps.Voice.Disconnect(ctx, r.id); err != nil {
		r.log.Warn().Err(err).Msg("failed to leave voice channel")
	}

	ev := broker.NewEvent(broker.RoomClosed, r.id)
	ev.Reason = reason
	r.publish(ev)
	r.log.Info().Str("reason", reason).Msg("room destroyed")
}

// Notify posts content in the room's text channel.
func (r *Room) Notify(content string) {
	ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
	defer cancel()
	if err := r.deps.Messenger.SendMessage(ctx, r.textID, content); err != nil {
		r.log.Debug().Err(err).Msg("failed to send notice")
	}
}

func (r *Room) publish(ev broker.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := r.deps.Publisher.Publish(ctx, ev); err != nil {
			r.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to publish room event")
		}
	}()
}
