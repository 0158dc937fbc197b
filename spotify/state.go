package spotify

import "strings"

// State is a raw playback snapshot pushed by the dealer in a replace_state
// command. Only the fields the reconciler reads are decoded.
type State struct {
	StateMachine *StateMachine `json:"state_machine"`
	StateRef     *StateRef     `json:"state_ref"`
	SeekTo       *int64        `json:"seek_to,omitempty"`
}

type StateMachine struct {
	ID     string         `json:"state_machine_id"`
	States []MachineState `json:"states"`
	Tracks []Track        `json:"tracks"`
}

type MachineState struct {
	ID          string      `json:"state_id"`
	Track       int         `json:"track"`
	Transitions Transitions `json:"transitions"`
}

// Transitions is the server computed state graph. Nil means the move is
// not available from the current state.
type Transitions struct {
	Advance  *StateRef `json:"advance"`
	SkipNext *StateRef `json:"skip_next"`
	SkipPrev *StateRef `json:"skip_prev"`
}

type StateRef struct {
	Paused      bool        `json:"paused"`
	StateIndex  int         `json:"state_index"`
	ActiveAlias interface{} `json:"active_alias"`
}

type Track struct {
	Metadata TrackMetadata `json:"metadata"`
}

type TrackMetadata struct {
	Authors  []Author `json:"authors"`
	Duration int64    `json:"duration"`
	Name     string   `json:"name"`
	URI      string   `json:"uri"`
}

type Author struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// ArtistNames returns the author names joined with ", ".
func (t Track) ArtistNames() string {
	names := make([]string, 0, len(t.Metadata.Authors))
	for _, a := range t.Metadata.Authors {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}

// active reports whether the snapshot selects this device.
func (s *State) active() bool {
	return s != nil && s.StateRef != nil
}

func (s *State) selected() (*MachineState, bool) {
	if !s.active() || s.StateMachine == nil {
		return nil, false
	}
	idx := s.StateRef.StateIndex
	if idx < 0 || idx >= len(s.StateMachine.States) {
		return nil, false
	}
	return &s.StateMachine.States[idx], true
}

func (s *State) track() (Track, bool) {
	st, ok := s.selected()
	if !ok || st.Track < 0 || st.Track >= len(s.StateMachine.Tracks) {
		return Track{}, false
	}
	return s.StateMachine.Tracks[st.Track], true
}

func (s *State) stateID() string {
	if st, ok := s.selected(); ok {
		return st.ID
	}
	return ""
}

func (s *State) machineID() string {
	if s == nil || s.StateMachine == nil {
		return ""
	}
	return s.StateMachine.ID
}

func (s *State) duration() int64 {
	t, _ := s.track()
	return t.Metadata.Duration
}

// sameLogicalState compares the state machine and the selected state.
func sameLogicalState(prev, cur *State) bool {
	if !prev.active() || !cur.active() {
		return false
	}
	id := cur.stateID()
	return id != "" && id == prev.stateID() && cur.machineID() == prev.machineID()
}
