// Package lavalink plays room audio through a Lavalink v4 node: REST for
// searches and player updates, a websocket for player state and track
// events.
package lavalink

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/abdelmounim-dev/voicesync/config"
	"github.com/abdelmounim-dev/voicesync/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

const (
	clientVersion  = "voicesync/1.0"
	restTimeout    = 10 * time.Second
	minReconnect   = 500 * time.Millisecond
	maxReconnect   = 30 * time.Second
	defaultPrefix  = "ytsearch"
	defaultTimeout = 60 * time.Second
)

var ErrClosed = errors.New("lavalink node closed")

// Options configures a Node.
type Options struct {
	Address       string
	Password      string
	Secure        bool
	Client        string
	SearchPrefix  string
	ResumeTimeout time.Duration
	HTTPClient    *http.Client
	Dialer        *websocket.Dialer
}

// NewOptions reads the node options from the application config.
func NewOptions(cfg config.LavalinkConfig) Options {
	return Options{
		Address:       cfg.Address,
		Password:      cfg.Password,
		Secure:        cfg.Secure,
		Client:        cfg.Client,
		SearchPrefix:  cfg.SearchPrefix,
		ResumeTimeout: time.Duration(cfg.ResumeTimeout) * time.Second,
	}
}

// Node is the connection to one Lavalink server. It implements
// playback.Provider.
type Node struct {
	opts   Options
	rest   string
	socket string
	http   *http.Client
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	userID    string
	sessionID string
	ready     chan struct{}
	conn      *websocket.Conn
	players   map[string]*Player
	voice     map[string]*voiceState
	started   bool
	closed    bool
}

func NewNode(opts Options) *Node {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: restTimeout}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.SearchPrefix == "" {
		opts.SearchPrefix = defaultPrefix
	}
	if opts.ResumeTimeout <= 0 {
		opts.ResumeTimeout = defaultTimeout
	}
	if opts.Client == "" {
		opts.Client = clientVersion
	}

	httpScheme, wsScheme := "http", "ws"
	if opts.Secure {
		httpScheme, wsScheme = "https", "wss"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		opts:    opts,
		rest:    httpScheme + "://" + opts.Address,
		socket:  wsScheme + "://" + opts.Address + "/v4/websocket",
		http:    opts.HTTPClient,
		log:     zlog.With().Str("component", "lavalink").Str("node", opts.Address).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		players: map[string]*Player{},
		voice:   map[string]*voiceState{},
	}
}

// Connect opens the websocket as the bot user and keeps it open until
// Close. It returns once the first connection is established.
func (n *Node) Connect(ctx context.Context, userID string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	n.userID = userID
	n.mu.Unlock()

	conn, err := n.dial(ctx)
	if err != nil {
		n.mu.Lock()
		n.started = false
		n.mu.Unlock()
		return err
	}
	go n.supervise(conn)
	return nil
}

func (n *Node) dial(ctx context.Context) (*websocket.Conn, error) {
	n.mu.Lock()
	header := http.Header{}
	header.Set("Authorization", n.opts.Password)
	header.Set("User-Id", n.userID)
	header.Set("Client-Name", n.opts.Client)
	if n.sessionID != "" {
		header.Set("Session-Id", n.sessionID)
	}
	n.mu.Unlock()

	conn, resp, err := n.opts.Dialer.DialContext(ctx, n.socket, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial lavalink: status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "dial lavalink")
	}

	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()
	n.log.Info().Msg("connected to lavalink")
	return conn, nil
}

// supervise reads events and reconnects after the socket drops.
func (n *Node) supervise(conn *websocket.Conn) {
	for {
		err := n.readLoop(conn)
		_ = conn.Close()
		if n.ctx.Err() != nil {
			return
		}

		n.mu.Lock()
		n.ready = make(chan struct{})
		n.mu.Unlock()
		n.log.Warn().Err(err).Msg("lavalink connection lost, reconnecting")

		policy := backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(minReconnect),
			backoff.WithMaxInterval(maxReconnect),
			backoff.WithMaxElapsedTime(0),
		)
		var next *websocket.Conn
		operation := func() error {
			metrics.Reconnects.WithLabelValues("lavalink_attempt").Inc()
			c, err := n.dial(n.ctx)
			if err != nil {
				return err
			}
			next = c
			return nil
		}
		err = backoff.RetryNotify(operation, backoff.WithContext(policy, n.ctx), func(err error, wait time.Duration) {
			n.log.Debug().Err(err).Dur("wait", wait).Msg("lavalink reconnect failed")
		})
		if err != nil {
			return
		}
		conn = next
	}
}

func (n *Node) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		n.handleMessage(data)
	}
}

type message struct {
	Op        string          `json:"op"`
	SessionID string          `json:"sessionId"`
	Resumed   bool            `json:"resumed"`
	GuildID   string          `json:"guildId"`
	State     *playerState    `json:"state"`
	Type      string          `json:"type"`
	Reason    string          `json:"reason"`
	Track     json.RawMessage `json:"track"`
	Code      int             `json:"code"`
}

type playerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"`
}

func (n *Node) handleMessage(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		n.log.Debug().Err(err).Msg("ignoring undecodable message")
		return
	}

	switch msg.Op {
	case "ready":
		n.onReady(msg.SessionID, msg.Resumed)
	case "playerUpdate":
		if p := n.player(msg.GuildID); p != nil && msg.State != nil {
			p.update(msg.State.Position)
		}
	case "event":
		n.onEvent(msg)
	case "stats":
	default:
		n.log.Debug().Str("op", msg.Op).Msg("ignoring unknown op")
	}
}

func (n *Node) onReady(sessionID string, resumed bool) {
	n.mu.Lock()
	restore := n.sessionID != "" && !resumed
	n.sessionID = sessionID
	ready := n.ready
	n.mu.Unlock()

	select {
	case <-ready:
	default:
		close(ready)
	}
	n.log.Info().Str("session", sessionID).Bool("resumed", resumed).Msg("lavalink session ready")

	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, restTimeout)
		defer cancel()
		body := map[string]interface{}{
			"resuming": true,
			"timeout":  int(n.opts.ResumeTimeout / time.Second),
		}
		if err := n.do(ctx, http.MethodPatch, "/v4/sessions/"+sessionID, body, nil); err != nil {
			n.log.Warn().Err(err).Msg("failed to enable session resuming")
		}
		if restore {
			n.restorePlayers(ctx)
		}
	}()
}

// restorePlayers re-sends the voice state of every player after the node
// lost the previous session.
func (n *Node) restorePlayers(ctx context.Context) {
	n.mu.Lock()
	guilds := make([]string, 0, len(n.players))
	for g := range n.players {
		guilds = append(guilds, g)
	}
	n.mu.Unlock()

	for _, g := range guilds {
		n.pushVoice(ctx, g)
	}
}

func (n *Node) onEvent(msg message) {
	p := n.player(msg.GuildID)
	if p == nil {
		return
	}
	switch msg.Type {
	case "TrackEndEvent":
		p.ended(msg.Reason)
	case "TrackStartEvent":
		p.log.Debug().Msg("track started")
	case "TrackExceptionEvent", "TrackStuckEvent":
		p.log.Warn().Str("event", msg.Type).RawJSON("track", msg.Track).Msg("track failed")
	case "WebSocketClosedEvent":
		p.log.Warn().Int("code", msg.Code).Msg("voice connection closed")
	}
}

func (n *Node) player(guildID string) *Player {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.players[guildID]
}

// waitReady blocks until the node has a session.
func (n *Node) waitReady(ctx context.Context) (string, error) {
	n.mu.Lock()
	ready := n.ready
	n.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "waiting for lavalink session")
	case <-n.ctx.Done():
		return "", ErrClosed
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessionID, nil
}

// Close stops reconnecting and closes the socket.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	conn := n.conn
	n.mu.Unlock()

	n.cancel()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
		time.Now().Add(time.Second))
	return conn.Close()
}

func (n *Node) playerPath(sessionID, guildID string) string {
	return "/v4/sessions/" + sessionID + "/players/" + guildID
}
