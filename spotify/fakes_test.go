package spotify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/abdelmounim-dev/voicesync/store"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type memStore struct {
	mu      sync.Mutex
	creds   map[string]store.Credential
	names   map[string]string
	deleted []string
}

func newMemStore(creds ...store.Credential) *memStore {
	s := &memStore{creds: map[string]store.Credential{}, names: map[string]string{}}
	for _, c := range creds {
		s.creds[c.UserID] = c
	}
	return s
}

func (s *memStore) GetCredential(_ context.Context, userID string) (*store.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[userID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memStore) SaveCredential(_ context.Context, cred store.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.UserID] = cred
	return nil
}

func (s *memStore) UpdateAccessToken(_ context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[userID]
	if !ok {
		return store.ErrNotFound
	}
	c.AccessToken = token
	s.creds[userID] = c
	return nil
}

func (s *memStore) DeleteCredential(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, userID)
	s.deleted = append(s.deleted, userID)
	return nil
}

func (s *memStore) GetDisplayName(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.names[userID]; ok {
		return n, nil
	}
	return store.DefaultDisplayName, nil
}

func (s *memStore) SetDisplayName(_ context.Context, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[userID] = name
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) accessToken(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[userID].AccessToken
}

// recorder is an EventHandler that records events and reports a fixed position.
type recorder struct {
	mu       sync.Mutex
	events   []Event
	position int64
	known    bool
}

func (r *recorder) HandleEvent(_ Source, ev Event) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.position, r.known
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) has(match func(Event) bool) bool {
	for _, ev := range r.snapshot() {
		if match(ev) {
			return true
		}
	}
	return false
}

// fakeSpotify serves the REST endpoints and the dealer websocket.
type fakeSpotify struct {
	srv *httptest.Server

	mu            sync.Mutex
	acks          []ack
	ackTokens     []string
	failAcks      int
	refreshes     int
	refreshStatus int
	scopeToken    string // when set, only this token passes the scope check
	calls         []string
	callStatus    map[string][]int
	bodies        map[string][]byte
	registrations int
	initialSeq    int64
	rejectDial    bool
	conns         chan *websocket.Conn
}

func newFakeSpotify(t *testing.T) *fakeSpotify {
	t.Helper()
	f := &fakeSpotify{
		refreshStatus: http.StatusOK,
		callStatus:    map[string][]int{},
		bodies:        map[string][]byte{},
		initialSeq:    10,
		conns:         make(chan *websocket.Conn, 8),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSpotify) dealerURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/"
}

func (f *fakeSpotify) options(st store.Store) Options {
	return Options{
		Store:         st,
		HTTPClient:    f.srv.Client(),
		APIBase:       f.srv.URL,
		AccountsBase:  f.srv.URL,
		DealerURL:     f.dealerURL(),
		ClientID:      "client",
		ClientSecret:  "secret",
		DeviceName:    "Voicesync",
		InitialVolume: 65535,
	}
}

func (f *fakeSpotify) api(st store.Store, cred store.Credential) *API {
	tok := newToken(&cred, f.options(st))
	return newAPI(f.srv.URL, f.srv.Client(), tok, zerolog.Nop())
}

// respond pops the next scripted status for key, defaulting to def.
func (f *fakeSpotify) respond(key string, def int) int {
	queue := f.callStatus[key]
	if len(queue) == 0 {
		return def
	}
	f.callStatus[key] = queue[1:]
	return queue[0]
}

func (f *fakeSpotify) serve(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	if r.Header.Get("Upgrade") == "websocket" {
		f.mu.Lock()
		reject := f.rejectDial
		f.mu.Unlock()
		if reject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/api/token":
		f.refreshes++
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" || r.FormValue("grant_type") != "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.refreshStatus >= 400 {
			w.WriteHeader(f.refreshStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "fresh"})

	case path == "/v1/melody/v1/check_scope":
		if f.scopeToken != "" && token != f.scopeToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)

	case path == "/v1/me/notifications/user":
		w.WriteHeader(http.StatusOK)

	case path == "/v1/track-playback/v1/devices":
		f.registrations++
		_ = json.NewEncoder(w).Encode(map[string]int64{"initial_seq_num": f.initialSeq})

	case strings.HasSuffix(path, "/volume"):
		w.WriteHeader(http.StatusOK)

	case strings.HasSuffix(path, "/state"):
		var a ack
		_ = json.NewDecoder(r.Body).Decode(&a)
		f.acks = append(f.acks, a)
		f.ackTokens = append(f.ackTokens, token)
		if f.failAcks > 0 {
			f.failAcks--
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("{}"))

	default:
		key := r.Method + " " + path
		f.calls = append(f.calls, key)
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.bodies[key] = body
		w.WriteHeader(f.respond(key, http.StatusNoContent))
	}
}

func (f *fakeSpotify) ackSnapshot() []ack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ack(nil), f.acks...)
}

func (f *fakeSpotify) ackSources() []string {
	var out []string
	for _, a := range f.ackSnapshot() {
		out = append(out, a.DebugSource)
	}
	return out
}

func (f *fakeSpotify) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSpotify) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// snapshot builds a two-track state machine selecting state idx.
func snapshot(idx int, paused bool, seekTo *int64) *State {
	advance := &StateRef{StateIndex: 1}
	return &State{
		StateMachine: &StateMachine{
			ID: "sm-1",
			States: []MachineState{
				{ID: "s0", Track: 0, Transitions: Transitions{Advance: advance}},
				{ID: "s1", Track: 1},
			},
			Tracks: []Track{
				{Metadata: TrackMetadata{Name: "Song A", URI: "spotify:track:a", Duration: 200000, Authors: []Author{{Name: "Artist"}, {Name: "Guest"}}}},
				{Metadata: TrackMetadata{Name: "Song B", URI: "spotify:track:b", Duration: 150000, Authors: []Author{{Name: "Band"}}}},
			},
		},
		StateRef: &StateRef{StateIndex: idx, Paused: paused},
		SeekTo:   seekTo,
	}
}

func int64p(v int64) *int64 { return &v }

func (f *fakeSpotify) configure(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeSpotify) tokensSeen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ackTokens...)
}
