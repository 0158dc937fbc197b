package lavalink

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/abdelmounim-dev/voicesync/playback"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

var errPlayerDestroyed = errors.New("player destroyed")

// voiceState is what Discord told the bot about its voice connection in a
// guild. The node needs all three values to join the channel.
type voiceState struct {
	token     string
	endpoint  string
	sessionID string
}

func (v *voiceState) complete() bool {
	return v != nil && v.token != "" && v.endpoint != "" && v.sessionID != ""
}

type voicePayload struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// playerUpdate is the body of a player PATCH. Nil fields are left
// unchanged by the node.
type playerUpdate struct {
	Track    *trackUpdate  `json:"track,omitempty"`
	Position *int64        `json:"position,omitempty"`
	Paused   *bool         `json:"paused,omitempty"`
	Volume   *int          `json:"volume,omitempty"`
	Voice    *voicePayload `json:"voice,omitempty"`
}

// trackUpdate with a nil Encoded sends an explicit null, which stops the
// current track.
type trackUpdate struct {
	Encoded *string `json:"encoded"`
}

// NewPlayer implements playback.Provider. The player exists on the node as
// soon as the first update is sent; voice updates forwarded for the guild
// connect it to the channel.
func (n *Node) NewPlayer(ctx context.Context, roomID string, onEnd func(playback.EndReason)) (playback.Player, error) {
	if _, err := n.waitReady(ctx); err != nil {
		return nil, err
	}

	p := &Player{
		node:    n,
		guildID: roomID,
		onEnd:   onEnd,
		paused:  true,
		log:     n.log.With().Str("room", roomID).Logger(),
	}

	n.mu.Lock()
	if old, ok := n.players[roomID]; ok {
		old.detach()
	}
	n.players[roomID] = p
	n.mu.Unlock()

	n.pushVoice(ctx, roomID)
	return p, nil
}

// UpdateVoiceServer records the voice server Discord assigned to the bot
// in a guild and forwards it to the guild's player.
func (n *Node) UpdateVoiceServer(ctx context.Context, guildID, token, endpoint string) {
	n.mu.Lock()
	vs := n.voiceLocked(guildID)
	vs.token = token
	vs.endpoint = endpoint
	n.mu.Unlock()
	n.pushVoice(ctx, guildID)
}

// UpdateVoiceSession records the bot's voice session id in a guild. An
// empty id means the bot left the channel.
func (n *Node) UpdateVoiceSession(ctx context.Context, guildID, sessionID string) {
	n.mu.Lock()
	if sessionID == "" {
		delete(n.voice, guildID)
		n.mu.Unlock()
		return
	}
	vs := n.voiceLocked(guildID)
	vs.sessionID = sessionID
	n.mu.Unlock()
	n.pushVoice(ctx, guildID)
}

func (n *Node) voiceLocked(guildID string) *voiceState {
	vs, ok := n.voice[guildID]
	if !ok {
		vs = &voiceState{}
		n.voice[guildID] = vs
	}
	return vs
}

// pushVoice sends the guild's voice state to its player once both the
// player and a complete voice state exist.
func (n *Node) pushVoice(ctx context.Context, guildID string) {
	n.mu.Lock()
	vs := n.voice[guildID]
	p := n.players[guildID]
	ready := vs.complete() && p != nil
	var payload voicePayload
	if ready {
		payload = voicePayload{Token: vs.token, Endpoint: vs.endpoint, SessionID: vs.sessionID}
	}
	n.mu.Unlock()
	if !ready {
		return
	}

	if err := p.patch(ctx, playerUpdate{Voice: &payload}); err != nil {
		p.log.Warn().Err(err).Msg("failed to update voice state")
	}
}

// Player is the Lavalink player of one guild.
type Player struct {
	node    *Node
	guildID string
	onEnd   func(playback.EndReason)
	log     zerolog.Logger

	mu        sync.Mutex
	position  int64
	updatedAt time.Time
	paused    bool
	playing   bool
	detached  bool
}

func (p *Player) patch(ctx context.Context, update playerUpdate) error {
	p.mu.Lock()
	detached := p.detached
	p.mu.Unlock()
	if detached {
		return errPlayerDestroyed
	}

	sessionID, err := p.node.waitReady(ctx)
	if err != nil {
		return err
	}
	return p.node.do(ctx, http.MethodPatch, p.node.playerPath(sessionID, p.guildID)+"?noReplace=false", update, nil)
}

func (p *Player) play(ctx context.Context, r playback.Result, startMs int64, paused bool) error {
	encoded := r.ID
	pos := startMs
	err := p.patch(ctx, playerUpdate{
		Track:    &trackUpdate{Encoded: &encoded},
		Position: &pos,
		Paused:   &paused,
	})
	if err != nil {
		return err
	}
	p.setState(startMs, paused, true)
	return nil
}

// Play implements playback.Player.
func (p *Player) Play(ctx context.Context, r playback.Result, startMs int64) error {
	return p.play(ctx, r, startMs, false)
}

// PlayPaused implements playback.PausedStarter.
func (p *Player) PlayPaused(ctx context.Context, r playback.Result, startMs int64) error {
	return p.play(ctx, r, startMs, true)
}

func (p *Player) Pause(ctx context.Context) error {
	return p.setPaused(ctx, true)
}

func (p *Player) Resume(ctx context.Context) error {
	return p.setPaused(ctx, false)
}

func (p *Player) setPaused(ctx context.Context, paused bool) error {
	if err := p.patch(ctx, playerUpdate{Paused: &paused}); err != nil {
		return err
	}
	p.mu.Lock()
	p.position = p.positionLocked()
	p.updatedAt = time.Now()
	p.paused = paused
	p.mu.Unlock()
	return nil
}

func (p *Player) Seek(ctx context.Context, positionMs int64) error {
	pos := positionMs
	if err := p.patch(ctx, playerUpdate{Position: &pos}); err != nil {
		return err
	}
	p.mu.Lock()
	p.position = positionMs
	p.updatedAt = time.Now()
	p.mu.Unlock()
	return nil
}

// Stop clears the current track.
func (p *Player) Stop(ctx context.Context) error {
	if err := p.patch(ctx, playerUpdate{Track: &trackUpdate{}}); err != nil {
		return err
	}
	p.setState(0, p.isPaused(), false)
	return nil
}

func (p *Player) SetVolume(ctx context.Context, volume int) error {
	v := volume
	return p.patch(ctx, playerUpdate{Volume: &v})
}

// Position extrapolates the last position reported by the node while the
// player is running.
func (p *Player) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *Player) positionLocked() int64 {
	if !p.playing {
		return 0
	}
	if p.paused || p.updatedAt.IsZero() {
		return p.position
	}
	return p.position + time.Since(p.updatedAt).Milliseconds()
}

// Destroy removes the player from the node.
func (p *Player) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	sessionID, err := p.node.waitReady(ctx)
	p.detach()

	n := p.node
	n.mu.Lock()
	if n.players[p.guildID] == p {
		delete(n.players, p.guildID)
	}
	n.mu.Unlock()

	if err != nil {
		return err
	}
	return n.do(ctx, http.MethodDelete, n.playerPath(sessionID, p.guildID), nil, nil)
}

func (p *Player) detach() {
	p.mu.Lock()
	p.detached = true
	p.mu.Unlock()
}

func (p *Player) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Player) setState(position int64, paused, playing bool) {
	p.mu.Lock()
	p.position = position
	p.updatedAt = time.Now()
	p.paused = paused
	p.playing = playing
	p.mu.Unlock()
}

// update applies a position reported by the node. Extrapolation uses the
// local receive time.
func (p *Player) update(position int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return
	}
	p.position = position
	p.updatedAt = time.Now()
}

func (p *Player) ended(reason string) {
	r := playback.EndReason(reason)
	if r != playback.EndReplaced {
		p.mu.Lock()
		p.playing = false
		p.position = 0
		p.mu.Unlock()
	}

	p.mu.Lock()
	detached := p.detached
	p.mu.Unlock()
	if detached || p.onEnd == nil {
		return
	}
	p.onEnd(r)
}
