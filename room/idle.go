package room

import (
	"time"

	"github.com/abdelmounim-dev/voicesync/metrics"
)

// idleKey captures the inputs of the inactivity rule. The timer restarts
// whenever one of them changes while the room is still idle.
type idleKey struct {
	listeners bool
	hostID    string
	paused    bool
}

type idleTimer struct {
	timer *time.Timer
	gen   uint64
	key   idleKey
}

func (t *idleTimer) armed() bool {
	return t.timer != nil
}

func (t *idleTimer) cancel() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// idleLocked reports whether the room counts as inactive: stay is off and
// nobody listens, nobody hosts or playback is paused. The bot is never
// counted as a listener.
func (r *Room) idleLocked() bool {
	if r.stay || r.destroyed {
		return false
	}
	return len(r.humans) == 0 || r.host == nil || r.paused
}

func (r *Room) idleKeyLocked() idleKey {
	k := idleKey{listeners: len(r.humans) > 0, paused: r.paused}
	if r.host != nil {
		k.hostID = r.host.UserID()
	}
	return k
}

// evaluateIdle arms, restarts or cancels the inactivity timer to match the
// room's state.
func (r *Room) evaluateIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.idleLocked() {
		r.idle.cancel()
		return
	}
	key := r.idleKeyLocked()
	if r.idle.armed() && r.idle.key == key {
		return
	}

	r.idle.cancel()
	gen := r.idle.gen
	r.idle.key = key
	r.idle.timer = time.AfterFunc(r.deps.Config.IdleTimeout, func() { r.idleFired(gen) })
}

func (r *Room) idleFired(gen uint64) {
	r.mu.Lock()
	if gen != r.idle.gen || !r.idleLocked() {
		r.mu.Unlock()
		return
	}
	r.idle.timer = nil
	r.mu.Unlock()

	r.log.Info().Msg("leaving because of inactivity")
	metrics.IdleKicks.Inc()
	r.deps.Registry.Teardown(r, ReasonInactivity)
}
