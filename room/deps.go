package room

import (
	"context"
	"time"

	"github.com/abdelmounim-dev/voicesync/broker"
	"github.com/abdelmounim-dev/voicesync/config"
	"github.com/abdelmounim-dev/voicesync/playback"
	"github.com/abdelmounim-dev/voicesync/spotify"
	"github.com/abdelmounim-dev/voicesync/store"
)

// Member is the remote session of one listener. *spotify.Session
// implements it.
type Member interface {
	UserID() string
	State() spotify.LifecycleState
	Connect(ctx context.Context) error
	RequestPlay(ctx context.Context, uri string, positionMs int64) bool
	RequestPause(ctx context.Context) bool
	RequestResume(ctx context.Context) bool
	RequestSeek(ctx context.Context, positionMs int64) bool
	TransferPlayback(ctx context.Context) bool
	AdvanceTrack(ctx context.Context) bool
	Destroy()
}

// MemberFactory creates the session of userID, delivering its events to h.
type MemberFactory func(userID string, h spotify.EventHandler) Member

// SessionFactory returns a MemberFactory backed by spotify sessions.
func SessionFactory(opts spotify.Options) MemberFactory {
	return func(userID string, h spotify.EventHandler) Member {
		return spotify.NewSession(userID, h, opts)
	}
}

// Voice controls the bot's presence in voice channels.
type Voice interface {
	// Members lists the human users in a voice channel.
	Members(ctx context.Context, guildID, channelID string) ([]string, error)
	Connect(ctx context.Context, guildID, channelID string) error
	Disconnect(ctx context.Context, guildID string) error
}

// Messenger posts informational notices. Failures are not fatal.
type Messenger interface {
	SendMessage(ctx context.Context, channelID, content string) error
}

// Registry owns the process-wide user to room assignment.
type Registry interface {
	// Claim reserves userID for r. It fails when the user already listens
	// in another room.
	Claim(userID string, r *Room) bool
	Release(userID string, r *Room)
	// Teardown removes r from the registry and destroys it.
	Teardown(r *Room, reason Reason)
}

type Config struct {
	IdleTimeout   time.Duration
	DefaultVolume int
	MaxVolume     int
}

// NewConfig reads the room settings from the application config.
func NewConfig(cfg config.RoomConfig) Config {
	return Config{
		IdleTimeout:   time.Duration(cfg.IdleTimeout) * time.Second,
		DefaultVolume: cfg.DefaultVolume,
		MaxVolume:     cfg.MaxVolume,
	}
}

// Deps are the collaborators shared by every room.
type Deps struct {
	Provider  playback.Provider
	Voice     Voice
	Messenger Messenger
	Registry  Registry
	NewMember MemberFactory
	Store     store.Store
	Publisher broker.Publisher
	Config    Config
}

// Reason explains why a room was torn down.
type Reason int

const (
	ReasonLeave Reason = iota
	ReasonInactivity
	ReasonDisconnected
	ReasonRelocated
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonInactivity:
		return "inactivity"
	case ReasonDisconnected:
		return "disconnected"
	case ReasonRelocated:
		return "relocated"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "leave"
	}
}

// Notice is the message posted in the text channel after the teardown, or
// "" when none is due.
func (r Reason) Notice() string {
	if r == ReasonInactivity {
		return "I left the voice channel because of inactivity"
	}
	return ""
}
