package spotify

// Event is a normalized playback change observed on a remote session.
// The set of implementations is closed; consumers switch on the concrete type.
type Event interface {
	event()
}

// Activated is emitted when this device becomes the account's selected
// playback target.
type Activated struct{}

// PlaybackLost is emitted when the account moves playback away from this device.
type PlaybackLost struct{}

// TrackChanged is emitted when a new logical state (a new track) was loaded.
type TrackChanged struct {
	Track      Track
	PositionMs int64
	Paused     bool
}

type PauseChanged struct {
	Paused bool
}

// Sought carries the position the remote player jumped to.
type Sought struct {
	PositionMs int64
}

// VolumeChanged carries the remote volume on its 0-65535 scale.
type VolumeChanged struct {
	Volume int
}

// Modified is any change within the same track that is neither a pause flip
// nor a seek. Consumers report the current position.
type Modified struct{}

// Disconnected is emitted once the session gave up reconnecting.
type Disconnected struct {
	Err error
}

func (Activated) event()     {}
func (PlaybackLost) event()  {}
func (TrackChanged) event()  {}
func (PauseChanged) event()  {}
func (Sought) event()        {}
func (VolumeChanged) event() {}
func (Modified) event()      {}
func (Disconnected) event()  {}

// Source identifies the session an event came from.
type Source interface {
	UserID() string
}

// EventHandler consumes session events. For PauseChanged, Sought and
// Modified the returned position (in source-track milliseconds) is echoed
// back in the acknowledgment; ok=false means the position is unknown.
// HandleEvent is called from the session's reader goroutine while its
// acknowledgments are serialized, so it must not call back into the same
// session's AdvanceTrack synchronously.
type EventHandler interface {
	HandleEvent(src Source, ev Event) (positionMs int64, ok bool)
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(src Source, ev Event) (int64, bool)

func (f HandlerFunc) HandleEvent(src Source, ev Event) (int64, bool) {
	return f(src, ev)
}
