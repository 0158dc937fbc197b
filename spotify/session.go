// Package spotify keeps one real-time control connection per linked music
// account, turns the pushed playback snapshots into events and exposes the
// account's player as a handful of REST intents.
package spotify

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abdelmounim-dev/voicesync/config"
	"github.com/abdelmounim-dev/voicesync/metrics"
	"github.com/abdelmounim-dev/voicesync/store"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

const (
	deviceIDLength  = 40
	deviceAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	registerTimeout = 15 * time.Second
)

var (
	ErrDestroyed        = errors.New("session destroyed")
	ErrAlreadyConnected = errors.New("session already connected")
)

// LifecycleState is the connection state of a Session.
type LifecycleState int32

const (
	StateDisconnected LifecycleState = iota
	StateConnecting
	StateIdle
	StateActive
)

func (s LifecycleState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	default:
		return "DISCONNECTED"
	}
}

// ReconnectPolicy bounds the exponential backoff used after an unexpected
// close.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
}

// Options carries everything a Session needs besides its user and handler.
type Options struct {
	Store         store.Store
	HTTPClient    *http.Client
	Dialer        *websocket.Dialer
	APIBase       string
	AccountsBase  string
	DealerURL     string
	ClientID      string
	ClientSecret  string
	DeviceName    string
	InitialVolume int
	PingInterval  time.Duration
	Reconnect     ReconnectPolicy
	// KeepAlive runs after every successful keep-alive ping.
	KeepAlive func(userID string)
}

// NewOptions builds session options from the application config.
func NewOptions(cfg *config.AppConfig, st store.Store) Options {
	return Options{
		Store:         st,
		HTTPClient:    &http.Client{Timeout: 15 * time.Second},
		Dialer:        websocket.DefaultDialer,
		APIBase:       cfg.Spotify.APIBase,
		AccountsBase:  cfg.Spotify.AccountsBase,
		DealerURL:     cfg.Spotify.DealerURL,
		ClientID:      cfg.Spotify.ClientID,
		ClientSecret:  cfg.Spotify.ClientSecret,
		DeviceName:    cfg.Spotify.DeviceName,
		InitialVolume: cfg.Spotify.InitialVolume,
		PingInterval:  time.Duration(cfg.Spotify.PingInterval) * time.Second,
		Reconnect: ReconnectPolicy{
			InitialInterval: time.Duration(cfg.Reconnect.InitialInterval) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Reconnect.MaxInterval) * time.Millisecond,
			MaxRetries:      cfg.Reconnect.MaxRetries,
		},
	}
}

// dealerFrame is the envelope of every message on the push channel.
type dealerFrame struct {
	Type     string            `json:"type"`
	Method   string            `json:"method"`
	URI      string            `json:"uri"`
	Headers  map[string]string `json:"headers"`
	Payloads []json.RawMessage `json:"payloads"`
}

// command is one entry of a frame's payloads.
type command struct {
	Type   string `json:"type"`
	Volume *int   `json:"volume"`
	State
}

// Session is the control connection of one user's music account. It
// registers itself as a playback device and reconnects with backoff until
// destroyed.
type Session struct {
	userID   string
	deviceID string
	idErr    error
	opts     Options
	handler  EventHandler
	log      zerolog.Logger

	state       atomic.Int32
	ctx         context.Context
	cancel      context.CancelFunc
	destroyOnce sync.Once

	mu           sync.Mutex
	started      bool
	api          *API
	conn         *dealerConn
	connectionID string
	reconciler   *Reconciler
	volume       int
}

// NewSession creates a disconnected session. Connect opens it.
func NewSession(userID string, handler EventHandler, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	deviceID, idErr := newDeviceID()
	return &Session{
		userID:   userID,
		deviceID: deviceID,
		idErr:    idErr,
		opts:     opts,
		handler:  handler,
		log:      zlog.With().Str("user", userID).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		volume:   opts.InitialVolume,
	}
}

func newDeviceID() (string, error) {
	id := make([]byte, 0, deviceIDLength)
	buf := make([]byte, deviceIDLength*2)
	// 248 is the largest multiple of 62 below 256; larger bytes are dropped
	// to keep the distribution uniform.
	for len(id) < deviceIDLength {
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "generate device id")
		}
		for _, b := range buf {
			if b >= 248 {
				continue
			}
			id = append(id, deviceAlphabet[int(b)%len(deviceAlphabet)])
			if len(id) == deviceIDLength {
				break
			}
		}
	}
	return string(id), nil
}

func (s *Session) UserID() string   { return s.userID }
func (s *Session) DeviceID() string { return s.deviceID }

func (s *Session) State() LifecycleState {
	return LifecycleState(s.state.Load())
}

func (s *Session) setState(st LifecycleState) {
	old := LifecycleState(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debug().Stringer("from", old).Stringer("to", st).Msg("session state changed")
	}
}

// Volume returns the last volume requested by the remote side.
func (s *Session) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Connect verifies the credential, opens the push channel and starts the
// supervisor that keeps it open. It fails with ErrNotLinked or
// ErrInsufficientScope when the account cannot be used.
func (s *Session) Connect(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrDestroyed
	}
	if s.idErr != nil {
		return s.idErr
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.started = true
	s.mu.Unlock()

	s.setState(StateConnecting)
	conn, err := s.open(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	go s.supervise(conn)
	return nil
}

func (s *Session) open(ctx context.Context) (*dealerConn, error) {
	cred, err := s.opts.Store.GetCredential(ctx, s.userID)
	if err != nil {
		return nil, errors.Wrap(err, "load credential")
	}
	if cred == nil {
		return nil, ErrNotLinked
	}

	token := newToken(cred, s.opts)
	api := newAPI(s.opts.APIBase, s.opts.HTTPClient, token, s.log)

	if err := s.verifyScope(ctx, token, api); err != nil {
		return nil, err
	}

	conn, err := dialDealer(ctx, s.opts.Dialer, s.opts.DealerURL, token.Access(), s.log)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close(websocket.CloseNormalClosure, "session destroyed")
		return nil, ErrDestroyed
	}
	s.api = api
	s.conn = conn
	s.connectionID = ""
	s.reconciler = nil
	s.mu.Unlock()

	conn.StartPing(s.opts.PingInterval, func() {
		if s.opts.KeepAlive != nil {
			s.opts.KeepAlive(s.userID)
		}
	})
	metrics.ActiveSessions.Inc()
	return conn, nil
}

// verifyScope checks the web-playback scope, refreshing the token once.
// A refused refresh means the link was revoked and the credential is
// dropped.
func (s *Session) verifyScope(ctx context.Context, token *Token, api *API) error {
	if api.checkScope(ctx) {
		return nil
	}

	if err := token.Refresh(ctx); err != nil {
		if !errors.Is(err, ErrRefreshRejected) {
			return errors.Wrap(err, "refresh during scope check")
		}
		if derr := s.opts.Store.DeleteCredential(ctx, s.userID); derr != nil {
			s.log.Warn().Err(derr).Msg("failed to delete revoked credential")
		}
		return ErrNotLinked
	}

	if !api.checkScope(ctx) {
		return ErrInsufficientScope
	}
	return nil
}

// supervise owns the read loop and replaces the connection after an
// unexpected close.
func (s *Session) supervise(conn *dealerConn) {
	for {
		err := s.readLoop(conn)
		_ = conn.Close(websocket.CloseNormalClosure, "")
		metrics.ActiveSessions.Dec()

		wasActive := s.State() == StateActive
		s.setState(StateDisconnected)
		if s.ctx.Err() != nil {
			return
		}
		if wasActive {
			s.emit(PlaybackLost{})
		}

		s.log.Info().Err(err).Msg("dealer connection lost, reconnecting")
		next, rerr := s.reconnect()
		if rerr != nil {
			if s.ctx.Err() != nil {
				return
			}
			metrics.Reconnects.WithLabelValues("gave_up").Inc()
			s.log.Error().Err(rerr).Msg("giving up on dealer connection")
			s.emit(Disconnected{Err: rerr})
			return
		}
		metrics.Reconnects.WithLabelValues("ok").Inc()
		conn = next
	}
}

func (s *Session) reconnect() (*dealerConn, error) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.opts.Reconnect.InitialInterval),
		backoff.WithMaxInterval(s.opts.Reconnect.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	retries := s.opts.Reconnect.MaxRetries
	if retries < 0 {
		retries = 0
	}
	strategy := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), s.ctx)

	var conn *dealerConn
	operation := func() error {
		s.setState(StateConnecting)
		metrics.Reconnects.WithLabelValues("attempt").Inc()
		c, err := s.open(s.ctx)
		if err != nil {
			s.setState(StateDisconnected)
			if errors.Is(err, ErrNotLinked) || errors.Is(err, ErrInsufficientScope) || errors.Is(err, ErrDestroyed) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	err := backoff.RetryNotify(operation, strategy, func(err error, wait time.Duration) {
		s.log.Warn().Err(err).Dur("wait", wait).Msg("reconnect attempt failed")
	})
	return conn, err
}

func (s *Session) readLoop(conn *dealerConn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handleFrame(data); err != nil {
			return err
		}
	}
}

func (s *Session) handleFrame(data []byte) error {
	var frame dealerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Debug().Err(err).Msg("ignoring undecodable frame")
		return nil
	}
	if frame.Type == "pong" {
		return nil
	}

	s.mu.Lock()
	registered := s.connectionID != ""
	s.mu.Unlock()

	if !registered {
		id := frame.Headers["Spotify-Connection-Id"]
		if frame.Type == "message" && frame.Method == http.MethodPut && id != "" {
			return s.register(id)
		}
		return nil
	}

	for _, raw := range frame.Payloads {
		s.dispatch(raw)
	}
	return nil
}

// register binds the dealer connection to the account and announces this
// session as a playback device.
func (s *Session) register(connectionID string) error {
	ctx, cancel := context.WithTimeout(s.ctx, registerTimeout)
	defer cancel()

	s.mu.Lock()
	api := s.api
	s.mu.Unlock()

	if err := api.subscribe(ctx, connectionID); err != nil {
		return errors.Wrap(err, "subscribe to notifications")
	}

	name, err := s.opts.Store.GetDisplayName(ctx, s.userID)
	if err != nil || name == "" {
		name = s.opts.DeviceName
	}

	seq, err := api.registerDevice(ctx, connectionID, s.deviceID, name, s.opts.InitialVolume)
	if err != nil {
		return errors.Wrap(err, "register device")
	}

	s.mu.Lock()
	s.connectionID = connectionID
	s.reconciler = newReconciler(api, s.deviceID, seq, s.emit, s.log)
	s.volume = s.opts.InitialVolume
	s.mu.Unlock()

	if !api.announceVolume(ctx, s.deviceID, s.opts.InitialVolume) {
		s.log.Debug().Msg("initial volume announcement failed")
	}

	s.setState(StateIdle)
	s.log.Info().Str("device", s.deviceID).Msg("playback device registered")
	return nil
}

func (s *Session) dispatch(raw json.RawMessage) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.log.Debug().Err(err).Msg("ignoring undecodable command")
		return
	}

	switch cmd.Type {
	case "replace_state":
		if rec := s.currentReconciler(); rec != nil {
			rec.Replace(s.ctx, &cmd.State)
		}
	case "set_volume":
		if cmd.Volume == nil {
			return
		}
		s.mu.Lock()
		s.volume = *cmd.Volume
		s.mu.Unlock()
		s.emit(VolumeChanged{Volume: *cmd.Volume})
	default:
		s.log.Debug().Str("type", cmd.Type).Msg("ignoring unknown command")
	}
}

// emit updates the lifecycle for activation changes and forwards ev.
func (s *Session) emit(ev Event) (int64, bool) {
	switch ev.(type) {
	case Activated:
		s.setState(StateActive)
	case PlaybackLost:
		if s.State() == StateActive {
			s.setState(StateIdle)
		}
	}
	if s.handler == nil {
		return 0, false
	}
	return s.handler.HandleEvent(s, ev)
}

func (s *Session) currentAPI() *API {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.api
}

func (s *Session) currentReconciler() *Reconciler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconciler
}

// RequestPlay asks the account to play uri from positionMs.
func (s *Session) RequestPlay(ctx context.Context, uri string, positionMs int64) bool {
	api := s.currentAPI()
	return api != nil && api.Play(ctx, uri, positionMs)
}

func (s *Session) RequestPause(ctx context.Context) bool {
	api := s.currentAPI()
	return api != nil && api.Pause(ctx)
}

func (s *Session) RequestResume(ctx context.Context) bool {
	api := s.currentAPI()
	return api != nil && api.Resume(ctx)
}

func (s *Session) RequestSeek(ctx context.Context, positionMs int64) bool {
	api := s.currentAPI()
	return api != nil && api.Seek(ctx, positionMs)
}

// TransferPlayback selects this session's device on the account.
func (s *Session) TransferPlayback(ctx context.Context) bool {
	api := s.currentAPI()
	return api != nil && api.Transfer(ctx, s.deviceID)
}

// AdvanceTrack moves the account to the next track of its queue.
func (s *Session) AdvanceTrack(ctx context.Context) bool {
	rec := s.currentReconciler()
	return rec != nil && rec.AdvanceTrack(ctx)
}

// Destroy closes the connection for good. Calling it again is a no-op.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Close(websocket.CloseNormalClosure, "session destroyed")
		}
		s.setState(StateDisconnected)
		s.log.Debug().Msg("session destroyed")
	})
}
