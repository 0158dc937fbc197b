package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// API issues authenticated REST calls for one session.
type API struct {
	base   string
	client *http.Client
	token  *Token
	log    zerolog.Logger
}

func newAPI(base string, client *http.Client, token *Token, log zerolog.Logger) *API {
	return &API{
		base:   strings.TrimRight(base, "/"),
		client: client,
		token:  token,
		log:    log,
	}
}

type response struct {
	status int
	body   []byte
}

func (r *response) failed() bool {
	return r == nil || r.status >= 400
}

func (a *API) send(ctx context.Context, method, path string, payload interface{}) (*response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "marshal payload")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+a.token.Access())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s %s", method, path)
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

// sendWithRefresh sends once and, when retry approves the outcome, refreshes
// the access token and sends the same payload exactly once more.
func (a *API) sendWithRefresh(ctx context.Context, method, path string, payload interface{}, retry func(*response, error) bool) (*response, error) {
	resp, err := a.send(ctx, method, path, payload)
	if !retry(resp, err) {
		return resp, err
	}

	if rerr := a.token.Refresh(ctx); rerr != nil {
		a.log.Debug().Err(rerr).Str("path", path).Msg("refresh before retry failed")
		if err == nil {
			err = rerr
		}
		return resp, err
	}
	return a.send(ctx, method, path, payload)
}

// retryFailures retries any transport error or error status.
func retryFailures(resp *response, err error) bool {
	return err != nil || resp.failed()
}

// retryExceptNotFound is the Web API policy: a 404 means the device is gone.
func retryExceptNotFound(resp *response, err error) bool {
	if err != nil {
		return true
	}
	return resp.failed() && resp.status != http.StatusNotFound
}

// webCall runs a Web API player command. Any 2xx counts as success.
func (a *API) webCall(ctx context.Context, method, path string, payload interface{}) bool {
	resp, err := a.sendWithRefresh(ctx, method, path, payload, retryExceptNotFound)
	if err != nil {
		a.log.Debug().Err(err).Str("path", path).Msg("player command failed")
		return false
	}
	if resp.failed() {
		a.log.Debug().Int("status", resp.status).Str("path", path).Msg("player command rejected")
		return false
	}
	return true
}

func (a *API) Play(ctx context.Context, uri string, positionMs int64) bool {
	return a.webCall(ctx, http.MethodPut, "/v1/me/player/play", map[string]interface{}{
		"uris":        []string{uri},
		"position_ms": positionMs,
	})
}

func (a *API) Pause(ctx context.Context) bool {
	return a.webCall(ctx, http.MethodPut, "/v1/me/player/pause", nil)
}

func (a *API) Resume(ctx context.Context) bool {
	return a.webCall(ctx, http.MethodPut, "/v1/me/player/play", nil)
}

func (a *API) Seek(ctx context.Context, positionMs int64) bool {
	return a.webCall(ctx, http.MethodPut, "/v1/me/player/seek?position_ms="+strconv.FormatInt(positionMs, 10), nil)
}

// Transfer selects the given device as the account's playback target.
func (a *API) Transfer(ctx context.Context, deviceID string) bool {
	return a.webCall(ctx, http.MethodPut, "/v1/me/player", map[string]interface{}{
		"device_ids": []string{deviceID},
	})
}

func (a *API) checkScope(ctx context.Context) bool {
	resp, err := a.send(ctx, http.MethodGet, "/v1/melody/v1/check_scope?scope=web-playback", nil)
	return err == nil && !resp.failed()
}

func (a *API) subscribe(ctx context.Context, connectionID string) error {
	resp, err := a.sendWithRefresh(ctx, http.MethodPut, "/v1/me/notifications/user?connection_id="+url.QueryEscape(connectionID), nil, retryFailures)
	if err != nil {
		return err
	}
	if resp.failed() {
		return errors.Newf("notifications subscription failed with status %d", resp.status)
	}
	return nil
}

type deviceCapabilities struct {
	AudioPodcasts          bool     `json:"audio_podcasts"`
	ChangeVolume           bool     `json:"change_volume"`
	DisableConnect         bool     `json:"disable_connect"`
	EnablePlayToken        bool     `json:"enable_play_token"`
	ManifestFormats        []string `json:"manifest_formats"`
	PlayTokenLostBehaviour string   `json:"play_token_lost_behavior"`
}

type deviceDescriptor struct {
	Brand        string                 `json:"brand"`
	Capabilities deviceCapabilities     `json:"capabilities"`
	DeviceID     string                 `json:"device_id"`
	DeviceType   string                 `json:"device_type"`
	Metadata     map[string]interface{} `json:"metadata"`
	Model        string                 `json:"model"`
	Name         string                 `json:"name"`
}

type registerRequest struct {
	ClientVersion        string           `json:"client_version"`
	ConnectionID         string           `json:"connection_id"`
	Device               deviceDescriptor `json:"device"`
	PreviousSessionState interface{}      `json:"previous_session_state"`
	Volume               int              `json:"volume"`
}

type registerResponse struct {
	InitialSeqNum int64 `json:"initial_seq_num"`
}

// registerDevice announces this process as a playback device bound to the
// dealer connection and returns the initial sequence number.
func (a *API) registerDevice(ctx context.Context, connectionID, deviceID, name string, volume int) (int64, error) {
	body := registerRequest{
		ClientVersion: "harmony:3.19.1-441cc8f",
		ConnectionID:  connectionID,
		Device: deviceDescriptor{
			Brand: "public_js-sdk",
			Capabilities: deviceCapabilities{
				AudioPodcasts:          true,
				ChangeVolume:           true,
				EnablePlayToken:        true,
				ManifestFormats:        []string{"file_urls_mp3", "file_urls_external", "file_ids_mp4", "file_ids_mp4_dual"},
				PlayTokenLostBehaviour: "pause",
			},
			DeviceID:   deviceID,
			DeviceType: "speaker",
			Metadata:   map[string]interface{}{},
			Model:      "harmony-chrome.86-windows",
			Name:       name,
		},
		Volume: volume,
	}

	resp, err := a.sendWithRefresh(ctx, http.MethodPost, "/v1/track-playback/v1/devices", body, retryFailures)
	if err != nil {
		return 0, err
	}
	if resp.failed() {
		return 0, errors.Newf("device registration failed with status %d", resp.status)
	}

	var out registerResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return 0, errors.Wrap(err, "decode device registration")
	}
	return out.InitialSeqNum, nil
}

func (a *API) announceVolume(ctx context.Context, deviceID string, volume int) bool {
	resp, err := a.send(ctx, http.MethodPost, "/v1/track-playback/v1/devices/"+deviceID+"/volume", map[string]interface{}{
		"seq_num":    nil,
		"command_id": "",
		"volume":     volume,
	})
	return err == nil && !resp.failed()
}

type stateUpdate struct {
	StateMachine    *StateMachine `json:"state_machine"`
	UpdatedStateRef *StateRef     `json:"updated_state_ref"`
}

// putState sends one acknowledgment, retrying once after a refresh.
func (a *API) putState(ctx context.Context, deviceID string, payload interface{}) (*stateUpdate, bool) {
	resp, err := a.sendWithRefresh(ctx, http.MethodPut, "/v1/track-playback/v1/devices/"+deviceID+"/state", payload, retryFailures)
	if err != nil || resp.failed() {
		ev := a.log.Warn().Err(err)
		if resp != nil {
			ev = ev.Int("status", resp.status)
		}
		ev.Msg("state acknowledgment rejected")
		return nil, false
	}

	var update stateUpdate
	if len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, &update); err != nil {
			a.log.Debug().Err(err).Msg("undecodable state update")
			return nil, true
		}
	}
	return &update, true
}
