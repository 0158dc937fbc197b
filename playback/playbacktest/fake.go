// Package playbacktest provides an in-memory playback provider for tests.
package playbacktest

import (
	"context"
	"fmt"
	"sync"

	"github.com/abdelmounim-dev/voicesync/playback"
)

// Call is one command received by a Player.
type Call struct {
	Op       string
	ResultID string
	Ms       int64
}

// Provider answers searches from a fixed table and records created players.
type Provider struct {
	mu       sync.Mutex
	results  map[string][]playback.Result
	searches []string
	players  map[string]*Player
	failNew  error
	// StartPaused makes new players implement playback.PausedStarter.
	StartPaused bool
}

func NewProvider() *Provider {
	return &Provider{
		results: map[string][]playback.Result{},
		players: map[string]*Player{},
	}
}

// AddResult registers a match for query.
func (p *Provider) AddResult(query string, r playback.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[query] = append(p.results[query], r)
}

// FailNewPlayer makes NewPlayer return err.
func (p *Provider) FailNewPlayer(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNew = err
}

func (p *Provider) Search(_ context.Context, query string) ([]playback.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.searches = append(p.searches, query)
	return append([]playback.Result(nil), p.results[query]...), nil
}

// Searches returns every query seen so far.
func (p *Provider) Searches() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.searches...)
}

func (p *Provider) NewPlayer(_ context.Context, roomID string, onEnd func(playback.EndReason)) (playback.Player, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNew != nil {
		return nil, p.failNew
	}
	pl := &Player{onEnd: onEnd}
	p.players[roomID] = pl
	if p.StartPaused {
		return &pausedStarter{pl}, nil
	}
	return pl, nil
}

// Player returns the latest player created for roomID.
func (p *Provider) Player(roomID string) *Player {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.players[roomID]
}

// Player records commands and tracks a simple position and pause state.
type Player struct {
	mu        sync.Mutex
	calls     []Call
	position  int64
	paused    bool
	volume    int
	destroyed int
	onEnd     func(playback.EndReason)
}

func (pl *Player) record(c Call) {
	pl.calls = append(pl.calls, c)
}

func (pl *Player) Play(_ context.Context, r playback.Result, startMs int64) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.record(Call{Op: "play", ResultID: r.ID, Ms: startMs})
	pl.paused = false
	// A freshly started track reports zero until the first update arrives.
	pl.position = 0
	return nil
}

func (pl *Player) Pause(context.Context) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.record(Call{Op: "pause"})
	pl.paused = true
	return nil
}

func (pl *Player) Resume(context.Context) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.record(Call{Op: "resume"})
	pl.paused = false
	return nil
}

func (pl *Player) Seek(_ context.Context, positionMs int64) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.record(Call{Op: "seek", Ms: positionMs})
	pl.position = positionMs
	return nil
}

func (pl *Player) Stop(context.Context) error {
	pl.mu.Lock()
	pl.record(Call{Op: "stop"})
	onEnd := pl.onEnd
	pl.mu.Unlock()
	if onEnd != nil {
		onEnd(playback.EndStopped)
	}
	return nil
}

func (pl *Player) SetVolume(_ context.Context, volume int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.record(Call{Op: "volume", Ms: int64(volume)})
	pl.volume = volume
	return nil
}

func (pl *Player) Position() int64 {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.position
}

func (pl *Player) Destroy(context.Context) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.record(Call{Op: "destroy"})
	pl.destroyed++
	return nil
}

// SetPosition simulates a position update from the provider.
func (pl *Player) SetPosition(ms int64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.position = ms
}

// End simulates the provider reporting the end of the track.
func (pl *Player) End(reason playback.EndReason) {
	pl.mu.Lock()
	onEnd := pl.onEnd
	pl.mu.Unlock()
	onEnd(reason)
}

func (pl *Player) Calls() []Call {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return append([]Call(nil), pl.calls...)
}

// Ops returns the operation names of every call, in order.
func (pl *Player) Ops() []string {
	var ops []string
	for _, c := range pl.Calls() {
		ops = append(ops, c.Op)
	}
	return ops
}

func (pl *Player) Paused() bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.paused
}

func (pl *Player) Volume() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.volume
}

func (pl *Player) Destroyed() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.destroyed
}

func (pl *Player) String() string {
	return fmt.Sprintf("%v", pl.Ops())
}

type pausedStarter struct {
	*Player
}

func (p *pausedStarter) PlayPaused(_ context.Context, r playback.Result, startMs int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(Call{Op: "play-paused", ResultID: r.ID, Ms: startMs})
	p.paused = true
	p.position = startMs
	return nil
}
