// Package store persists linked music-account credentials and per-user
// preferences. Backends: Redis (hashes) and SQL through gorm.
package store

import (
	"context"

	"github.com/cockroachdb/errors"
)

// DefaultDisplayName is the device name used when a user never renamed it.
const DefaultDisplayName = "Voicesync"

var ErrNotFound = errors.New("credential not found")

// Credential links a chat user to their music account.
type Credential struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Store is the persistence contract consumed by the coordination core.
// GetCredential returns (nil, nil) when the user has no linked account.
type Store interface {
	GetCredential(ctx context.Context, userID string) (*Credential, error)
	SaveCredential(ctx context.Context, cred Credential) error
	UpdateAccessToken(ctx context.Context, userID, accessToken string) error
	DeleteCredential(ctx context.Context, userID string) error
	GetDisplayName(ctx context.Context, userID string) (string, error)
	SetDisplayName(ctx context.Context, userID, name string) error
	Close() error
}
