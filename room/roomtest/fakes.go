// Package roomtest provides in-memory listeners and chat collaborators for
// room and directory tests.
package roomtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/abdelmounim-dev/voicesync/spotify"
)

// Member is a scripted remote session. Intents are recorded as strings
// such as "play:<uri>:<ms>", "pause" or "seek:<ms>".
type Member struct {
	id string
	h  spotify.EventHandler

	mu         sync.Mutex
	state      spotify.LifecycleState
	calls      []string
	advances   int
	destroyed  int
	connectErr error
	transferOK bool
}

func (m *Member) UserID() string { return m.id }

func (m *Member) State() spotify.LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Member) SetState(s spotify.LifecycleState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Member) record(call string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return true
}

func (m *Member) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.state = spotify.StateIdle
	return nil
}

func (m *Member) RequestPlay(_ context.Context, uri string, positionMs int64) bool {
	return m.record(fmt.Sprintf("play:%s:%d", uri, positionMs))
}

func (m *Member) RequestPause(context.Context) bool  { return m.record("pause") }
func (m *Member) RequestResume(context.Context) bool { return m.record("resume") }

func (m *Member) RequestSeek(_ context.Context, positionMs int64) bool {
	return m.record(fmt.Sprintf("seek:%d", positionMs))
}

func (m *Member) TransferPlayback(context.Context) bool {
	m.record("transfer")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transferOK
}

func (m *Member) AdvanceTrack(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advances++
	return true
}

func (m *Member) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed++
	m.state = spotify.StateDisconnected
}

func (m *Member) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *Member) Advances() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advances
}

func (m *Member) Destroyed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// Emit delivers ev to the handler the member was created with.
func (m *Member) Emit(ev spotify.Event) (int64, bool) {
	return m.h.HandleEvent(m, ev)
}

// Activate marks the member ACTIVE and emits Activated, in the order a
// real session does.
func (m *Member) Activate() {
	m.SetState(spotify.StateActive)
	m.Emit(spotify.Activated{})
}

// Lose moves playback away from the member.
func (m *Member) Lose() {
	m.SetState(spotify.StateIdle)
	m.Emit(spotify.PlaybackLost{})
}

// Sessions creates members and remembers the latest one per user.
type Sessions struct {
	mu         sync.Mutex
	members    map[string]*Member
	failures   map[string]error
	transferOK bool
}

func NewSessions() *Sessions {
	return &Sessions{members: map[string]*Member{}, failures: map[string]error{}, transferOK: true}
}

// FailConnect makes the next sessions of userID fail to connect with err.
func (s *Sessions) FailConnect(userID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[userID] = err
}

// RefuseTransfer makes playback transfers of new sessions fail.
func (s *Sessions) RefuseTransfer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferOK = false
}

func (s *Sessions) New(userID string, h spotify.EventHandler) *Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &Member{id: userID, h: h, connectErr: s.failures[userID], transferOK: s.transferOK}
	s.members[userID] = m
	return m
}

// Get returns the latest member created for userID.
func (s *Sessions) Get(userID string) (*Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[userID]
	return m, ok
}

// Voice serves channel listings from a table and counts connections.
type Voice struct {
	mu          sync.Mutex
	channels    map[string][]string
	connects    []string
	disconnects int
	connectErr  error
}

func NewVoice() *Voice {
	return &Voice{channels: map[string][]string{}}
}

// SetMembers replaces the listeners of a channel.
func (v *Voice) SetMembers(channelID string, users ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.channels[channelID] = users
}

func (v *Voice) FailConnect(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connectErr = err
}

func (v *Voice) Members(_ context.Context, _, channelID string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.channels[channelID]...), nil
}

func (v *Voice) Connect(_ context.Context, _, channelID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.connectErr != nil {
		return v.connectErr
	}
	v.connects = append(v.connects, channelID)
	return nil
}

func (v *Voice) Disconnect(context.Context, string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disconnects++
	return nil
}

// Connects returns the channels connected to, in order.
func (v *Voice) Connects() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.connects...)
}

func (v *Voice) Disconnects() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.disconnects
}

// Messenger records every message as "<channel>: <content>".
type Messenger struct {
	mu       sync.Mutex
	messages []string
}

func (f *Messenger) SendMessage(_ context.Context, channelID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, channelID+": "+content)
	return nil
}

func (f *Messenger) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}
