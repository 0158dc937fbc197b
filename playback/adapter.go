package playback

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

const (
	// StartPausedDelay is how long after starting a track the adapter waits
	// before pausing it, for players that cannot start paused.
	StartPausedDelay = 100 * time.Millisecond

	searchAttempts   = 3
	searchRetryDelay = 50 * time.Millisecond
)

var (
	// ErrNoResults is returned when every search attempt came back empty.
	ErrNoResults = errors.New("no track found")
	// ErrNoTrack is returned by positional commands when nothing is loaded.
	ErrNoTrack = errors.New("no track loaded")

	errEmptySearch = errors.New("empty search result")
)

// Adapter plays source tracks on a room's Player, converting positions
// between the source and the playing result.
type Adapter struct {
	provider Provider
	player   Player
	onEnd    func()
	log      zerolog.Logger

	mu        sync.Mutex
	source    *Track
	target    *Result
	override  int64
	pauseGen  uint64
	pauseTime *time.Timer
	destroyed bool
}

// NewAdapter creates the room's player. onNaturalEnd runs when a track
// finished on its own (or failed to load) and the room should move on.
func NewAdapter(ctx context.Context, provider Provider, roomID string, onNaturalEnd func()) (*Adapter, error) {
	a := &Adapter{
		provider: provider,
		onEnd:    onNaturalEnd,
		override: -1,
		log:      zlog.With().Str("room", roomID).Logger(),
	}

	player, err := provider.NewPlayer(ctx, roomID, a.handleEnd)
	if err != nil {
		return nil, errors.Wrap(err, "create player")
	}
	a.player = player
	return a, nil
}

// Resolve searches the provider for t, trying up to three times while the
// search comes back empty or fails.
func (a *Adapter) Resolve(ctx context.Context, t Track) (Result, error) {
	query := t.Query()
	var found Result

	operation := func() error {
		results, err := a.provider.Search(ctx, query)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return errEmptySearch
		}
		found = results[0]
		return nil
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(searchRetryDelay), searchAttempts-1),
		ctx,
	)
	err := backoff.RetryNotify(operation, strategy, func(err error, wait time.Duration) {
		a.log.Debug().Err(err).Str("query", query).Msg("retrying search")
	})
	if errors.Is(err, errEmptySearch) {
		return Result{}, errors.Wrapf(ErrNoResults, "%s", query)
	}
	if err != nil {
		return Result{}, errors.Wrapf(err, "search %q", query)
	}
	return found, nil
}

// Start plays r as the substitute for t from the source position. A paused
// start uses PlayPaused when the player supports it; otherwise the track is
// paused StartPausedDelay later and the next zero position read reports
// the start position instead.
func (a *Adapter) Start(ctx context.Context, t Track, r Result, positionMs int64, paused bool) error {
	mapping := Mapping{SourceMs: t.DurationMs, TargetMs: r.DurationMs}
	start, ok := mapping.ToTarget(positionMs)
	if !ok {
		start = 0
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return errors.New("adapter destroyed")
	}
	a.cancelPauseLocked()
	a.source = &t
	a.target = &r
	a.override = -1
	a.mu.Unlock()

	if paused {
		if starter, ok := a.player.(PausedStarter); ok {
			return starter.PlayPaused(ctx, r, start)
		}
	}

	if err := a.player.Play(ctx, r, start); err != nil {
		return errors.Wrap(err, "play")
	}

	if paused {
		a.mu.Lock()
		a.override = start
		gen := a.pauseGen
		a.pauseTime = time.AfterFunc(StartPausedDelay, func() { a.deferredPause(gen) })
		a.mu.Unlock()
	}
	return nil
}

// Play resolves t and starts it.
func (a *Adapter) Play(ctx context.Context, t Track, positionMs int64, paused bool) error {
	r, err := a.Resolve(ctx, t)
	if err != nil {
		return err
	}
	return a.Start(ctx, t, r, positionMs, paused)
}

func (a *Adapter) deferredPause(gen uint64) {
	a.mu.Lock()
	stale := gen != a.pauseGen || a.destroyed
	a.pauseTime = nil
	a.mu.Unlock()
	if stale {
		return
	}

	if err := a.player.Pause(context.Background()); err != nil {
		a.log.Warn().Err(err).Msg("deferred pause failed")
	}
}

func (a *Adapter) cancelPauseLocked() {
	a.pauseGen++
	if a.pauseTime != nil {
		a.pauseTime.Stop()
		a.pauseTime = nil
	}
}

func (a *Adapter) Pause(ctx context.Context) error {
	return a.player.Pause(ctx)
}

func (a *Adapter) Resume(ctx context.Context) error {
	a.mu.Lock()
	a.cancelPauseLocked()
	a.override = -1
	a.mu.Unlock()
	return a.player.Resume(ctx)
}

// Seek moves playback to a source position.
func (a *Adapter) Seek(ctx context.Context, positionMs int64) error {
	target, ok := a.mapping().ToTarget(positionMs)
	if !ok {
		return ErrNoTrack
	}
	a.mu.Lock()
	a.override = -1
	a.mu.Unlock()
	return a.player.Seek(ctx, target)
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.cancelPauseLocked()
	a.override = -1
	a.mu.Unlock()
	return a.player.Stop(ctx)
}

func (a *Adapter) SetVolume(ctx context.Context, volume int) error {
	return a.player.SetVolume(ctx, volume)
}

// Position returns the playback position in the source timeline, or false
// when no track with known durations is loaded.
func (a *Adapter) Position() (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.mappingLocked()
	if !m.known() {
		return 0, false
	}

	native := a.player.Position()
	if a.override >= 0 && native == 0 {
		native = a.override
		a.override = -1
	}
	return m.ToSource(native)
}

// Current returns the source track and the result playing for it.
func (a *Adapter) Current() (Track, Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.source == nil || a.target == nil {
		return Track{}, Result{}, false
	}
	return *a.source, *a.target, true
}

func (a *Adapter) mapping() Mapping {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mappingLocked()
}

func (a *Adapter) mappingLocked() Mapping {
	if a.source == nil || a.target == nil {
		return Mapping{}
	}
	return Mapping{SourceMs: a.source.DurationMs, TargetMs: a.target.DurationMs}
}

func (a *Adapter) handleEnd(reason EndReason) {
	switch reason {
	case EndReplaced, EndCleanup:
		return
	case EndStopped:
		a.mu.Lock()
		a.source = nil
		a.target = nil
		a.override = -1
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	destroyed := a.destroyed
	a.mu.Unlock()
	if destroyed || a.onEnd == nil {
		return
	}
	a.log.Debug().Str("reason", string(reason)).Msg("track ended")
	a.onEnd()
}

// Destroy releases the player. Calling it again is a no-op.
func (a *Adapter) Destroy(ctx context.Context) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	a.destroyed = true
	a.cancelPauseLocked()
	a.mu.Unlock()

	return a.player.Destroy(ctx)
}
