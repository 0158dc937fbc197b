package room

import (
	"context"
	"fmt"

	"github.com/abdelmounim-dev/voicesync/broker"
	"github.com/abdelmounim-dev/voicesync/metrics"
	"github.com/abdelmounim-dev/voicesync/playback"
	"github.com/abdelmounim-dev/voicesync/spotify"
	"github.com/cockroachdb/errors"
)

// HandleEvent receives the events of every session in the room. Only the
// host's playback changes are mirrored; the host is re-validated after
// each event. The returned position is the room's playback position in
// the source timeline.
func (r *Room) HandleEvent(src spotify.Source, ev spotify.Event) (int64, bool) {
	m, ok := r.Member(src.UserID())
	if !ok || r.Destroyed() {
		return 0, false
	}
	if sm, isMember := src.(Member); isMember && sm != m {
		// a replaced session of the same user
		return 0, false
	}
	defer r.validateHost()

	switch e := ev.(type) {
	case spotify.Activated:
		r.claimHost(m)
	case spotify.PlaybackLost:
		r.log.Debug().Str("user", m.UserID()).Msg("playback moved away")
	case spotify.Disconnected:
		r.log.Warn().Err(e.Err).Str("user", m.UserID()).Msg("remote session gave up")
		r.dropMember(m.UserID())
	case spotify.TrackChanged:
		r.onTrackChanged(m, e)
		return e.PositionMs, true
	case spotify.PauseChanged:
		r.onPauseChanged(m, e.Paused)
	case spotify.Sought:
		return r.onSought(m, e.PositionMs)
	case spotify.VolumeChanged:
		r.onVolumeChanged(m, e.Volume)
	case spotify.Modified:
	}
	return r.position()
}

func (r *Room) position() (int64, bool) {
	adapter := r.currentAdapter()
	if adapter == nil {
		return 0, false
	}
	return adapter.Position()
}

func (r *Room) currentAdapter() *playback.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapter
}

func playbackTrack(t spotify.Track) playback.Track {
	artists := make([]string, 0, len(t.Metadata.Authors))
	for _, a := range t.Metadata.Authors {
		artists = append(artists, a.Name)
	}
	return playback.Track{
		Title:      t.Metadata.Name,
		Artists:    artists,
		DurationMs: t.Metadata.Duration,
		URI:        t.Metadata.URI,
	}
}

func (r *Room) onTrackChanged(host Member, e spotify.TrackChanged) {
	adapter := r.currentAdapter()
	if adapter == nil || !r.isHost(host) {
		return
	}

	track := playbackTrack(e.Track)
	result, err := adapter.Resolve(r.ctx, track)
	if errors.Is(err, playback.ErrNoResults) {
		metrics.SearchMisses.Inc()
		r.Notify(fmt.Sprintf("No track found for %s", track.Query()))
		if r.isHost(host) {
			// the host's acknowledgments are still serialized behind this call
			go host.AdvanceTrack(r.ctx)
		}
		return
	}
	if err != nil {
		r.log.Warn().Err(err).Str("uri", track.URI).Msg("track lookup failed")
		return
	}

	// the lookup may have taken a while; the host could have changed
	if !r.isHost(host) {
		return
	}
	if err := adapter.Start(r.ctx, track, result, e.PositionMs, e.Paused); err != nil {
		r.log.Warn().Err(err).Str("uri", track.URI).Msg("failed to start track")
		return
	}

	r.mu.Lock()
	t := e.Track
	r.track = &t
	r.paused = e.Paused
	r.mu.Unlock()
	metrics.MirroredCommands.WithLabelValues("track").Inc()

	r.fanOut(host, func(ctx context.Context, m Member) bool {
		if !m.RequestPlay(ctx, track.URI, e.PositionMs) {
			return false
		}
		return !e.Paused || m.RequestPause(ctx)
	})

	out := broker.NewEvent(broker.TrackStarted, r.id)
	out.UserID = host.UserID()
	out.TrackURI = track.URI
	out.Paused = e.Paused
	r.publish(out)
}

func (r *Room) onPauseChanged(host Member, paused bool) {
	adapter := r.currentAdapter()
	if adapter == nil || !r.isHost(host) {
		return
	}

	var err error
	kind := "resume"
	if paused {
		kind = "pause"
		err = adapter.Pause(r.ctx)
	} else {
		err = adapter.Resume(r.ctx)
	}
	if err != nil {
		r.log.Warn().Err(err).Msgf("failed to %s player", kind)
	}

	r.mu.Lock()
	r.paused = paused
	r.mu.Unlock()
	metrics.MirroredCommands.WithLabelValues(kind).Inc()

	r.fanOut(host, func(ctx context.Context, m Member) bool {
		if paused {
			return m.RequestPause(ctx)
		}
		return m.RequestResume(ctx)
	})

	out := broker.NewEvent(broker.PauseToggled, r.id)
	out.UserID = host.UserID()
	out.Paused = paused
	r.publish(out)
}

// onSought returns the room's position from before the seek.
func (r *Room) onSought(host Member, positionMs int64) (int64, bool) {
	adapter := r.currentAdapter()
	if adapter == nil {
		return 0, false
	}
	previous, known := adapter.Position()
	if !r.isHost(host) {
		return previous, known
	}
	if err := adapter.Seek(r.ctx, positionMs); err != nil {
		r.log.Warn().Err(err).Int64("position", positionMs).Msg("failed to seek player")
	}
	metrics.MirroredCommands.WithLabelValues("seek").Inc()

	r.fanOut(host, func(ctx context.Context, m Member) bool {
		return m.RequestSeek(ctx, positionMs)
	})
	return previous, known
}

func (r *Room) onVolumeChanged(host Member, volume int) {
	adapter := r.currentAdapter()
	if adapter == nil || !r.isHost(host) {
		return
	}
	scaled := playback.ScaleVolume(volume, r.deps.Config.DefaultVolume, r.deps.Config.MaxVolume)
	if err := adapter.SetVolume(r.ctx, scaled); err != nil {
		r.log.Warn().Err(err).Int("volume", scaled).Msg("failed to set volume")
	}
	metrics.MirroredCommands.WithLabelValues("volume").Inc()
}

// onTrackEnd moves the host to its next track after the player finished
// the current one.
func (r *Room) onTrackEnd() {
	host, ok := r.Host()
	if !ok {
		return
	}
	go func() {
		if !host.AdvanceTrack(r.ctx) {
			r.log.Debug().Msg("host has no next track")
		}
	}()
}
