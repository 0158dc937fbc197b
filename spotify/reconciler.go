package spotify

import (
	"context"
	"sync"

	"github.com/abdelmounim-dev/voicesync/metrics"
	"github.com/rs/zerolog"
)

const (
	sourceModify     = "modify_current_state"
	sourceSeek       = "position_changed"
	sourceBeforeLoad = "before_track_load"
	sourceClear      = "state_clear"
)

type ackStateRef struct {
	Paused         bool   `json:"paused"`
	StateID        string `json:"state_id"`
	StateMachineID string `json:"state_machine_id"`
}

type subState struct {
	StreamTime    int64 `json:"stream_time"`
	Position      int64 `json:"position"`
	PlaybackSpeed int   `json:"playback_speed"`
	Duration      int64 `json:"duration"`
}

type ack struct {
	SeqNum           int64        `json:"seq_num"`
	PreviousPosition *int64       `json:"previous_position,omitempty"`
	StateRef         *ackStateRef `json:"state_ref"`
	SubState         subState     `json:"sub_state"`
	DebugSource      string       `json:"debug_source"`
}

// emitFunc delivers an event to the session's consumer and returns the
// position it reported.
type emitFunc func(Event) (int64, bool)

// Reconciler diffs consecutive snapshots of one device, turns them into
// events and sends the acknowledgment the dealer expects for each of them.
// All acknowledgments of a device go through mu, so their sequence
// numbers reach the server strictly increasing.
type Reconciler struct {
	mu       sync.Mutex
	api      *API
	deviceID string
	seq      int64
	current  *State
	previous *State
	emit     emitFunc
	log      zerolog.Logger
}

func newReconciler(api *API, deviceID string, initialSeq int64, emit emitFunc, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		api:      api,
		deviceID: deviceID,
		seq:      initialSeq,
		emit:     emit,
		log:      log,
	}
}

// Active reports whether the latest snapshot selects this device.
func (r *Reconciler) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.active()
}

// Seq returns the last sequence number handed out.
func (r *Reconciler) Seq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Replace applies a new snapshot from the dealer.
func (r *Reconciler) Replace(ctx context.Context, next *State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.previous, r.current = r.current, next
	wasActive := r.previous.active()

	if !next.active() {
		if wasActive {
			r.emit(PlaybackLost{})
			r.sendClear(ctx)
		}
		return
	}

	if !wasActive {
		r.emit(Activated{})
	}

	if sameLogicalState(r.previous, next) {
		r.modify(ctx)
		return
	}
	r.loadTrack(ctx)
}

// AdvanceTrack follows the advance transition of the selected state and
// loads the resulting track. It returns false when there is none.
func (r *Reconciler) AdvanceTrack(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.current.selected()
	if !ok || st.Transitions.Advance == nil {
		r.log.Warn().Msg("no advance transition from the current state")
		return false
	}

	ref := *st.Transitions.Advance
	next := &State{StateMachine: r.current.StateMachine, StateRef: &ref}
	r.previous, r.current = r.current, next
	r.loadTrack(ctx)
	return true
}

func (r *Reconciler) modify(ctx context.Context) {
	cur := r.current
	paused := cur.StateRef.Paused
	handled := false

	if paused != r.previous.StateRef.Paused {
		handled = true
		pos := r.report(PauseChanged{Paused: paused}, 0)
		r.send(ctx, r.stateAck(pos, &pos, paused, sourceModify))
	}

	if cur.SeekTo != nil {
		handled = true
		target := *cur.SeekTo
		prev := r.report(Sought{PositionMs: target}, target)
		r.send(ctx, r.stateAck(target, &prev, r.current.StateRef.Paused, sourceSeek))
	}

	if !handled {
		pos := r.report(Modified{}, 0)
		r.send(ctx, r.stateAck(pos, &pos, paused, sourceModify))
	}
}

func (r *Reconciler) loadTrack(ctx context.Context) {
	cur := r.current
	track, ok := cur.track()
	if !ok {
		r.log.Warn().Int("state_index", cur.StateRef.StateIndex).Msg("snapshot selects an unknown state or track")
		return
	}
	paused := cur.StateRef.Paused

	var start int64
	if cur.SeekTo != nil {
		start = *cur.SeekTo
	}

	r.send(ctx, r.stateAck(0, nil, paused, sourceBeforeLoad))
	var zero int64
	r.send(ctx, r.stateAck(start, &zero, paused, sourceSeek))
	if paused {
		r.send(ctx, r.stateAck(start, &start, true, sourceModify))
	}

	r.emit(TrackChanged{Track: track, PositionMs: start, Paused: paused})
}

// report emits ev and falls back to def when the consumer has no position.
func (r *Reconciler) report(ev Event, def int64) int64 {
	pos, ok := r.emit(ev)
	if !ok {
		return def
	}
	return pos
}

func (r *Reconciler) stateAck(position int64, previous *int64, paused bool, source string) *ack {
	r.seq++
	speed := 1
	if paused {
		speed = 0
	}
	return &ack{
		SeqNum:           r.seq,
		PreviousPosition: previous,
		StateRef: &ackStateRef{
			Paused:         paused,
			StateID:        r.current.stateID(),
			StateMachineID: r.current.machineID(),
		},
		SubState: subState{
			Position:      position,
			PlaybackSpeed: speed,
			Duration:      r.current.duration(),
		},
		DebugSource: source,
	}
}

func (r *Reconciler) sendClear(ctx context.Context) bool {
	r.seq++
	return r.send(ctx, &ack{SeqNum: r.seq, DebugSource: sourceClear})
}

// send delivers one acknowledgment. A rejected acknowledgment leaves the
// remote state possibly desynced but is otherwise not fatal.
func (r *Reconciler) send(ctx context.Context, payload *ack) bool {
	update, ok := r.api.putState(ctx, r.deviceID, payload)
	if !ok {
		metrics.AckFailures.Inc()
		r.log.Warn().Int64("seq", payload.SeqNum).Str("source", payload.DebugSource).Msg("acknowledgment failed, remote state may lag")
		return false
	}

	if update != nil && update.StateMachine != nil && r.current != nil {
		r.current = &State{
			StateMachine: update.StateMachine,
			StateRef:     update.UpdatedStateRef,
		}
	}
	return true
}
