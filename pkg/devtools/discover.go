package devtools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	apperrors "github.com/WintryWind7/Antigravity-Link/pkg/errors"
)

const discoveryTimeout = 10 * time.Second

// pageTarget is one entry from the debugging endpoint's /json target list.
type pageTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// DiscoverPageTarget fetches the target list from baseURL and returns the
// debugger URL of the active page: the first page target with real content,
// falling back to the first page target at all. The bridge assumes exactly
// one relevant page, so no tab selection beyond that is attempted.
func DiscoverPageTarget(ctx context.Context, baseURL string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL+"/json", nil)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeConnDiscovery, "building discovery request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeConnDiscovery, "fetching target list").
			WithContext("url", baseURL+"/json")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.New(apperrors.ErrCodeConnDiscovery, "target list request failed").
			WithContext("status", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeConnDiscovery, "reading target list")
	}

	var targets []pageTarget
	if err := json.Unmarshal(body, &targets); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeConnDiscovery, "parsing target list")
	}

	var first, active string
	for _, t := range targets {
		if t.Type != "page" || t.WebSocketDebuggerURL == "" {
			continue
		}
		if first == "" {
			first = t.WebSocketDebuggerURL
		}
		if t.URL != "" && t.URL != "about:blank" {
			active = t.WebSocketDebuggerURL
			break
		}
	}
	if active != "" {
		return active, nil
	}
	if first != "" {
		return first, nil
	}
	return "", apperrors.New(apperrors.ErrCodeConnDiscovery, "no page target exposed by debugging endpoint")
}
