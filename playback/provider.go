// Package playback drives the audio provider that plays a substitute track
// for the host's current song, translating positions between the two
// timelines.
package playback

import (
	"context"
	"strings"
)

// Track is the source track as known by the music service.
type Track struct {
	Title      string
	Artists    []string
	DurationMs int64
	URI        string
}

// Query is the provider search string, "artist, artist - title".
func (t Track) Query() string {
	return strings.Join(t.Artists, ", ") + " - " + t.Title
}

// Result is a playable match returned by a provider search.
type Result struct {
	ID         string // provider handle used to play the result
	Title      string
	Author     string
	URI        string
	DurationMs int64
}

// EndReason is why the provider stopped playing a track.
type EndReason string

const (
	EndFinished   EndReason = "finished"
	EndLoadFailed EndReason = "loadFailed"
	EndStopped    EndReason = "stopped"
	EndReplaced   EndReason = "replaced"
	EndCleanup    EndReason = "cleanup"
)

// Provider searches for playable audio and creates per-room players.
type Provider interface {
	Search(ctx context.Context, query string) ([]Result, error)
	// NewPlayer creates the player of a room. onEnd is called whenever the
	// provider reports the end of a track.
	NewPlayer(ctx context.Context, roomID string, onEnd func(EndReason)) (Player, error)
}

// Player is the audio output of one room. Positions are in milliseconds of
// the playing result.
type Player interface {
	Play(ctx context.Context, r Result, startMs int64) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Seek(ctx context.Context, positionMs int64) error
	Stop(ctx context.Context) error
	SetVolume(ctx context.Context, volume int) error
	// Position is the last known playback position.
	Position() int64
	Destroy(ctx context.Context) error
}

// PausedStarter is implemented by players that can load a track already
// paused. Without it the adapter pauses shortly after starting.
type PausedStarter interface {
	PlayPaused(ctx context.Context, r Result, startMs int64) error
}

// ScaleVolume maps a remote volume on the 0-65535 scale onto the provider
// scale, where full remote volume equals full and the result is clamped
// to [0, max].
func ScaleVolume(remote, full, max int) int {
	v := int(int64(remote) * int64(full) / 65535)
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
