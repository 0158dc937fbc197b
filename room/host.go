package room

import (
	"context"

	"github.com/abdelmounim-dev/voicesync/broker"
	"github.com/abdelmounim-dev/voicesync/spotify"
	"golang.org/x/sync/errgroup"
)

// hostState is the arbitration state of a room. A room is hosted while one
// ACTIVE member drives playback and hostless otherwise.
type hostState int

const (
	hostless hostState = iota
	hosted
)

func (s hostState) String() string {
	if s == hosted {
		return "hosted"
	}
	return "hostless"
}

func (r *Room) hostStateLocked() hostState {
	if r.host == nil {
		return hostless
	}
	return hosted
}

func active(m Member) bool {
	return m.State() == spotify.StateActive
}

// validHostLocked reports whether the current host is still an ACTIVE
// member of the room.
func (r *Room) validHostLocked() bool {
	if r.host == nil {
		return false
	}
	m, ok := r.members[r.host.UserID()]
	return ok && m == r.host && active(m)
}

// electLocked returns the first ACTIVE member in join order, or nil.
func (r *Room) electLocked() Member {
	for _, id := range r.order {
		if m := r.members[id]; m != nil && active(m) {
			return m
		}
	}
	return nil
}

// claimHost makes m the host when the room is hostless and m is ACTIVE.
func (r *Room) claimHost(m Member) {
	r.mu.Lock()
	if r.destroyed || r.hostStateLocked() == hosted || !active(m) {
		r.mu.Unlock()
		return
	}
	if cur, ok := r.members[m.UserID()]; !ok || cur != m {
		r.mu.Unlock()
		return
	}
	r.host = m
	r.mu.Unlock()

	r.hostChanged(m)
}

// validateHost replaces a host that is gone or no longer ACTIVE with the
// next ACTIVE member. Without one the room goes hostless: listeners are
// paused and the player stops.
func (r *Room) validateHost() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	if r.validHostLocked() {
		r.mu.Unlock()
		r.evaluateIdle()
		return
	}
	prev := r.host
	next := r.electLocked()
	r.host = next
	r.mu.Unlock()

	if prev != next {
		r.hostChanged(next)
	}
	if next == nil && prev != nil {
		r.goHostless()
	}
	r.evaluateIdle()
}

func (r *Room) hostChanged(next Member) {
	ev := broker.NewEvent(broker.HostChanged, r.id)
	if next != nil {
		ev.UserID = next.UserID()
		r.log.Info().Str("host", next.UserID()).Msg("host changed")
	} else {
		r.log.Info().Msg("room has no host")
	}
	r.publish(ev)
}

func (r *Room) goHostless() {
	r.mu.Lock()
	r.paused = true
	adapter := r.adapter
	r.mu.Unlock()

	r.fanOut(nil, func(ctx context.Context, m Member) bool {
		return m.RequestPause(ctx)
	})
	if adapter != nil {
		if err := adapter.Stop(r.ctx); err != nil {
			r.log.Warn().Err(err).Msg("failed to stop player")
		}
	}
}

// Host returns the current host.
func (r *Room) Host() (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host, r.host != nil
}

func (r *Room) HasHost() bool {
	_, ok := r.Host()
	return ok
}

// IsHost reports whether userID hosts the room.
func (r *Room) IsHost(userID string) bool {
	h, ok := r.Host()
	return ok && h.UserID() == userID
}

func (r *Room) isHost(m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.destroyed && r.host == m
}

// fanOut runs fn concurrently for every ACTIVE member except skip.
func (r *Room) fanOut(skip Member, fn func(ctx context.Context, m Member) bool) {
	r.mu.Lock()
	targets := make([]Member, 0, len(r.order))
	for _, id := range r.order {
		m := r.members[id]
		if m != nil && m != skip && active(m) {
			targets = append(targets, m)
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, m := range targets {
		m := m
		g.Go(func() error {
			if !fn(r.ctx, m) {
				r.log.Debug().Str("user", m.UserID()).Msg("listener did not follow the host")
			}
			return nil
		})
	}
	_ = g.Wait()
}
