package lavalink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/abdelmounim-dev/voicesync/playback"
	"github.com/cockroachdb/errors"
)

// apiError is the error body Lavalink returns with non-2xx responses.
type apiError struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

func (n *Node) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, n.rest+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", n.opts.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return errors.Newf("%s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Message)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

type trackInfo struct {
	Identifier string `json:"identifier"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
}

type track struct {
	Encoded string    `json:"encoded"`
	Info    trackInfo `json:"info"`
}

type loadResult struct {
	LoadType string          `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

// Search implements playback.Provider. The query is run through the
// configured search prefix; playlist results contribute their tracks.
func (n *Node) Search(ctx context.Context, query string) ([]playback.Result, error) {
	identifier := n.opts.SearchPrefix + ":" + query
	var res loadResult
	if err := n.do(ctx, http.MethodGet, "/v4/loadtracks?identifier="+url.QueryEscape(identifier), nil, &res); err != nil {
		return nil, err
	}

	var tracks []track
	switch res.LoadType {
	case "track":
		var t track
		if err := json.Unmarshal(res.Data, &t); err != nil {
			return nil, errors.Wrap(err, "decode track")
		}
		tracks = []track{t}
	case "search":
		if err := json.Unmarshal(res.Data, &tracks); err != nil {
			return nil, errors.Wrap(err, "decode search result")
		}
	case "playlist":
		var pl struct {
			Tracks []track `json:"tracks"`
		}
		if err := json.Unmarshal(res.Data, &pl); err != nil {
			return nil, errors.Wrap(err, "decode playlist")
		}
		tracks = pl.Tracks
	case "empty":
		return nil, nil
	case "error":
		var e struct {
			Message  string `json:"message"`
			Severity string `json:"severity"`
		}
		_ = json.Unmarshal(res.Data, &e)
		return nil, errors.Newf("load failed (%s): %s", e.Severity, e.Message)
	default:
		return nil, errors.Newf("unknown load type %q", res.LoadType)
	}

	results := make([]playback.Result, 0, len(tracks))
	for _, t := range tracks {
		results = append(results, toResult(t))
	}
	return results, nil
}

func toResult(t track) playback.Result {
	duration := t.Info.Length
	if t.Info.IsStream {
		duration = 0
	}
	return playback.Result{
		ID:         t.Encoded,
		Title:      t.Info.Title,
		Author:     t.Info.Author,
		URI:        t.Info.URI,
		DurationMs: duration,
	}
}
