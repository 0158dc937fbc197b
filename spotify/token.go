package spotify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/abdelmounim-dev/voicesync/metrics"
	"github.com/abdelmounim-dev/voicesync/store"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

var (
	// ErrNotLinked is returned when the user has no stored credential, or
	// the stored one was revoked.
	ErrNotLinked = errors.New("music account is not linked")
	// ErrInsufficientScope is returned when the credential cannot drive a
	// web playback device even after a refresh.
	ErrInsufficientScope = errors.New("credential lacks the web-playback scope")
	// ErrRefreshRejected is returned when the accounts service refuses the
	// refresh token.
	ErrRefreshRejected = errors.New("refresh token rejected")
)

// Token caches a user's credential for the lifetime of a Session and
// refreshes the access token on demand.
type Token struct {
	userID       string
	store        store.Store
	client       *http.Client
	accountsBase string
	clientID     string
	clientSecret string

	mu      sync.Mutex
	access  string
	refresh string
}

func newToken(cred *store.Credential, opts Options) *Token {
	return &Token{
		userID:       cred.UserID,
		store:        opts.Store,
		client:       opts.HTTPClient,
		accountsBase: strings.TrimRight(opts.AccountsBase, "/"),
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		access:       cred.AccessToken,
		refresh:      cred.RefreshToken,
	}
}

// Access returns the current access token.
func (t *Token) Access() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.access
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges the refresh token for a new access token and persists
// it. A rejection by the accounts service yields ErrRefreshRejected.
func (t *Token) Refresh(ctx context.Context) error {
	t.mu.Lock()
	refreshToken := t.refresh
	t.mu.Unlock()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.accountsBase+"/api/token", strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "build refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.clientID, t.clientSecret)

	resp, err := t.client.Do(req)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return errors.Wrap(err, "refresh request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.TokenRefreshes.WithLabelValues("rejected").Inc()
		return errors.Wrapf(ErrRefreshRejected, "status %d", resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return errors.Wrap(err, "decode refresh response")
	}
	if body.AccessToken == "" {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return errors.New("refresh response without access token")
	}

	t.mu.Lock()
	t.access = body.AccessToken
	if body.RefreshToken != "" {
		t.refresh = body.RefreshToken
	}
	t.mu.Unlock()
	metrics.TokenRefreshes.WithLabelValues("ok").Inc()

	if err := t.store.UpdateAccessToken(ctx, t.userID, body.AccessToken); err != nil {
		// The new token still works for this session.
		zlog.Warn().Err(err).Str("user", t.userID).Msg("failed to persist refreshed access token")
	}
	return nil
}
