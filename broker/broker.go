// Package broker publishes room lifecycle events so other services can
// follow what the bot is playing where.
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a room lifecycle change.
type EventType string

const (
	RoomOpened   EventType = "room.opened"
	RoomClosed   EventType = "room.closed"
	HostChanged  EventType = "room.host_changed"
	TrackStarted EventType = "room.track_started"
	PauseToggled EventType = "room.pause_toggled"
	MemberJoined EventType = "room.member_joined"
	MemberLeft   EventType = "room.member_left"
)

// Event is the message published for every room change.
type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	ServerID string    `json:"server_id,omitempty"`
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id,omitempty"`
	TrackURI string    `json:"track_uri,omitempty"`
	Paused   bool      `json:"paused,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// NewEvent stamps a fresh event with an id and the current time.
func NewEvent(typ EventType, roomID string) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   typ,
		RoomID: roomID,
		At:     time.Now().UTC(),
	}
}

// Publisher delivers room events to a message broker.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
