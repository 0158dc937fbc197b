package session

import (
	"context"
	"time"
)

// Session records that a user's music account is currently relayed into a
// room. It mirrors the in-memory directory so other instances and the
// status endpoint can see who is listening where.
type Session struct {
	UserID      string    `json:"user_id"`
	RoomID      string    `json:"room_id"`
	ServerID    string    `json:"server_id"` // ID of the instance holding the remote session
	ConnectedAt time.Time `json:"connected_at"`
}

// Store defines the interface for presence records.
type Store interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error
	// Get retrieves a session by user ID.
	Get(ctx context.Context, userID string) (*Session, error)
	// Delete removes a session.
	Delete(ctx context.Context, userID string) error
	// RefreshTTL extends the session's lifetime in the store.
	RefreshTTL(ctx context.Context, userID string) error
}
