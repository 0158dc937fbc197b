// Package directory is the process-wide registry of rooms and listeners.
// It enforces one room per guild and one room per user, owns the join
// preconditions and routes voice state changes to the rooms.
package directory

import (
	"context"
	"sync"
	"time"

	"github.com/abdelmounim-dev/voicesync/metrics"
	"github.com/abdelmounim-dev/voicesync/room"
	"github.com/abdelmounim-dev/voicesync/session"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

const (
	presenceTimeout = 5 * time.Second
	noticeTimeout   = 10 * time.Second
)

var (
	ErrNotInVoice   = errors.New("user is not in a voice channel")
	ErrNotLinked    = errors.New("user has no linked account")
	ErrUserBusy     = errors.New("user already listens in another room")
	ErrRoomBusy     = errors.New("bot is used in another voice channel")
	ErrNotHost      = errors.New("room is managed by someone else")
	ErrNotConnected = errors.New("bot is not connected to a voice channel")
	ErrNotPlaying   = errors.New("nothing is playing")
	ErrNotListening = errors.New("user has no active session")
	ErrSwitchFailed = errors.New("playback transfer failed")
	ErrJoinFailed   = errors.New("remote session could not be started")
)

// JoinResult tells how a join request was satisfied.
type JoinResult int

const (
	// Opened means a new room was created in the user's channel.
	Opened JoinResult = iota
	// Joined means the user was added to the room already in their channel.
	Joined
	// Relocated means a hostless room elsewhere was closed and reopened in
	// the user's channel.
	Relocated
)

// JoinRequest is a user asking the bot into their voice channel.
type JoinRequest struct {
	GuildID string
	UserID  string
	// VoiceID is the user's current voice channel, empty when none.
	VoiceID string
	TextID  string
}

// VoiceState is a voice channel change of one user. Before and After are
// channel ids, empty when not connected.
type VoiceState struct {
	GuildID string
	UserID  string
	Before  string
	After   string
	// Self is set when the state belongs to the bot.
	Self bool
	// Bot is set for other bot accounts, which never count as listeners.
	Bot bool
}

type Config struct {
	ServerID    string
	RejoinDelay time.Duration
}

// Stats is a point-in-time count for the status endpoint.
type Stats struct {
	Rooms int `json:"rooms"`
	Users int `json:"users"`
}

// Directory maps guilds to rooms and users to the room holding their
// session. Map updates and session creation happen in the same locked step.
type Directory struct {
	deps     room.Deps
	presence session.Store
	cfg      Config

	mu    sync.Mutex
	rooms map[string]*room.Room
	users map[string]*room.Room
}

// New creates a directory. deps.Registry is replaced by the directory.
func New(deps room.Deps, presence session.Store, cfg Config) *Directory {
	if presence == nil {
		presence = session.NewMemoryStore()
	}
	d := &Directory{
		deps:     deps,
		presence: presence,
		cfg:      cfg,
		rooms:    map[string]*room.Room{},
		users:    map[string]*room.Room{},
	}
	d.deps.Registry = d
	return d
}

// Join checks the preconditions and brings the bot into the user's voice
// channel, or the user into the existing room there.
func (d *Directory) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	if req.VoiceID == "" {
		return 0, ErrNotInVoice
	}
	cred, err := d.deps.Store.GetCredential(ctx, req.UserID)
	if err != nil {
		return 0, errors.Wrap(err, "load credential")
	}
	if cred == nil {
		return 0, ErrNotLinked
	}
	if d.UserBusy(ctx, req.UserID) {
		return 0, ErrUserBusy
	}

	existing := d.Room(req.GuildID)
	switch {
	case existing == nil:
		return Opened, d.open(ctx, req)
	case existing.VoiceChannel() == req.VoiceID:
		if !existing.UserJoined(ctx, req.UserID) {
			return 0, ErrJoinFailed
		}
		return Joined, nil
	case !existing.HasHost():
		d.Teardown(existing, room.ReasonRelocated)
		select {
		case <-time.After(d.cfg.RejoinDelay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return Relocated, d.open(ctx, req)
	default:
		return 0, ErrRoomBusy
	}
}

// UserBusy reports whether userID already has a session here or, per the
// presence store, on another instance.
func (d *Directory) UserBusy(ctx context.Context, userID string) bool {
	d.mu.Lock()
	_, local := d.users[userID]
	d.mu.Unlock()
	if local {
		return true
	}

	rec, err := d.getPresence(ctx, userID)
	return err == nil && rec != nil && rec.ServerID != d.cfg.ServerID
}

func (d *Directory) open(ctx context.Context, req JoinRequest) error {
	d.mu.Lock()
	if _, ok := d.rooms[req.GuildID]; ok {
		d.mu.Unlock()
		return ErrRoomBusy
	}
	r := room.New(req.GuildID, req.VoiceID, req.TextID, d.deps)
	d.rooms[req.GuildID] = r
	metrics.ActiveRooms.Set(float64(len(d.rooms)))
	d.mu.Unlock()

	if err := r.Join(ctx); err != nil {
		d.Teardown(r, room.ReasonLeave)
		return errors.Wrap(err, "join voice channel")
	}
	zlog.Info().Str("room", req.GuildID).Str("voice", req.VoiceID).Str("user", req.UserID).Msg("room opened")
	return nil
}

// Room returns the room of a guild, or nil.
func (d *Directory) Room(guildID string) *room.Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rooms[guildID]
}

// UserRoom returns the room holding the session of userID, or nil.
func (d *Directory) UserRoom(userID string) *room.Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users[userID]
}

// Claim implements room.Registry.
func (d *Directory) Claim(userID string, r *room.Room) bool {
	d.mu.Lock()
	if owner, ok := d.users[userID]; ok && owner != r {
		d.mu.Unlock()
		return false
	}
	d.users[userID] = r
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	rec, err := d.getPresence(ctx, userID)
	if err == nil && rec != nil && rec.ServerID != d.cfg.ServerID {
		d.mu.Lock()
		if d.users[userID] == r {
			delete(d.users, userID)
		}
		d.mu.Unlock()
		return false
	}

	err = d.presence.Create(ctx, &session.Session{
		UserID:      userID,
		RoomID:      r.ID(),
		ServerID:    d.cfg.ServerID,
		ConnectedAt: time.Now(),
	})
	if err != nil {
		metrics.PresenceErrors.WithLabelValues("create").Inc()
		zlog.Warn().Err(err).Str("user", userID).Msg("failed to record presence")
	}
	return true
}

// Release implements room.Registry.
func (d *Directory) Release(userID string, r *room.Room) {
	d.mu.Lock()
	if d.users[userID] != r {
		d.mu.Unlock()
		return
	}
	delete(d.users, userID)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := d.presence.Delete(ctx, userID); err != nil {
		metrics.PresenceErrors.WithLabelValues("delete").Inc()
		zlog.Warn().Err(err).Str("user", userID).Msg("failed to delete presence")
	}
}

// Touch extends the presence record of userID. It runs on every
// keep-alive of the user's session.
func (d *Directory) Touch(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := d.presence.RefreshTTL(ctx, userID); err != nil {
		metrics.PresenceErrors.WithLabelValues("refresh").Inc()
		zlog.Debug().Err(err).Str("user", userID).Msg("failed to refresh presence")
	}
}

func (d *Directory) getPresence(ctx context.Context, userID string) (*session.Session, error) {
	rec, err := d.presence.Get(ctx, userID)
	if err != nil {
		metrics.PresenceErrors.WithLabelValues("get").Inc()
		zlog.Debug().Err(err).Str("user", userID).Msg("failed to read presence")
	}
	return rec, err
}

// Teardown implements room.Registry: the room leaves the directory, is
// destroyed and, when the reason carries one, a notice is posted. A room
// that already left the directory is not torn down again.
func (d *Directory) Teardown(r *room.Room, reason room.Reason) {
	d.mu.Lock()
	owned := d.rooms[r.ID()] == r
	if owned {
		delete(d.rooms, r.ID())
	}
	metrics.ActiveRooms.Set(float64(len(d.rooms)))
	d.mu.Unlock()
	if !owned {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
	defer cancel()

	r.Close(ctx, reason)

	if notice := reason.Notice(); notice != "" {
		if err := d.deps.Messenger.SendMessage(ctx, r.TextChannel(), notice); err != nil {
			zlog.Debug().Err(err).Str("room", r.ID()).Msg("failed to send notice")
		}
	}
}

// Leave disconnects the bot from a guild. Only the host may do so while
// the room has one.
func (d *Directory) Leave(guildID, userID string) error {
	r := d.Room(guildID)
	if r == nil {
		return ErrNotConnected
	}
	if r.HasHost() && !r.IsHost(userID) {
		return ErrNotHost
	}
	d.Teardown(r, room.ReasonLeave)
	return nil
}

// ToggleStay flips the stay setting of a guild's room.
func (d *Directory) ToggleStay(guildID string) (bool, error) {
	r := d.Room(guildID)
	if r == nil {
		return false, ErrNotConnected
	}
	return r.ToggleStay(), nil
}

// NowPlaying describes the playback of a guild's room.
func (d *Directory) NowPlaying(guildID string) (room.Snapshot, error) {
	r := d.Room(guildID)
	if r == nil {
		return room.Snapshot{}, ErrNotConnected
	}
	snap := r.Snapshot()
	if snap.HostID == "" || snap.Track == nil {
		return snap, ErrNotPlaying
	}
	return snap, nil
}

// SwitchDevice makes the relay device the account's playback target.
func (d *Directory) SwitchDevice(ctx context.Context, guildID, userID string) error {
	if d.Room(guildID) == nil {
		return ErrNotConnected
	}
	r := d.UserRoom(userID)
	if r == nil {
		return ErrNotListening
	}
	m, ok := r.Member(userID)
	if !ok {
		return ErrNotListening
	}
	if !m.TransferPlayback(ctx) {
		return ErrSwitchFailed
	}
	return nil
}

// Forget closes the session of userID wherever it runs, for instance
// after the account was unlinked.
func (d *Directory) Forget(userID string) {
	if r := d.UserRoom(userID); r != nil {
		r.RemoveMember(userID)
	}
}

// OnVoiceStateChanged routes a voice state update to the affected room.
func (d *Directory) OnVoiceStateChanged(ctx context.Context, vs VoiceState) {
	r := d.Room(vs.GuildID)
	if r == nil || vs.Before == vs.After {
		return
	}
	current := r.VoiceChannel()

	if vs.Self {
		switch {
		case vs.Before == current && vs.After == "":
			zlog.Info().Str("room", vs.GuildID).Msg("bot was disconnected from voice")
			d.Teardown(r, room.ReasonDisconnected)
		case vs.Before == current && vs.After != "":
			r.Move(ctx, vs.After)
		}
		return
	}
	if vs.Bot {
		return
	}

	if vs.Before == current {
		r.UserLeft(vs.UserID)
	}
	if vs.After == current {
		r.UserJoined(ctx, vs.UserID)
	}
}

// Stats counts the rooms and sessions of this instance.
func (d *Directory) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Rooms: len(d.rooms), Users: len(d.users)}
}

// Shutdown closes every room.
func (d *Directory) Shutdown() {
	d.mu.Lock()
	rooms := make([]*room.Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	d.mu.Unlock()

	for _, r := range rooms {
		d.Teardown(r, room.ReasonShutdown)
	}
}
