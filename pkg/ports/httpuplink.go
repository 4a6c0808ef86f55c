package ports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/mod/semver"
)

// ProtocolVersion is the version this build of the router speaks to the
// backend, advertised on every SyncNode call.
const ProtocolVersion = "v1.0.0"

// MinCompatibleVersion is the oldest backend protocol version this router
// can still talk to.
const MinCompatibleVersion = "v1.0.0"

// HTTPUplink is the reference UplinkPort: a gateway node POSTs its buffered
// events to a backend's /syncNode endpoint and receives back any messages
// queued for its locally homed users, mirroring the HTTP JSON uplink the
// original firmware's gateway manager used.
type HTTPUplink struct {
	BaseURL   string
	Client    *http.Client
	AuthToken string
}

// NewHTTPUplink creates an HTTPUplink against baseURL with a sane request
// timeout.
func NewHTTPUplink(baseURL, authToken string) *HTTPUplink {
	return &HTTPUplink{
		BaseURL:   baseURL,
		AuthToken: authToken,
		Client:    &http.Client{Timeout: 15 * time.Second},
	}
}

type syncNodeRequest struct {
	ProtocolVersion string         `json:"protocol_version"`
	Events          []GatewayEvent `json:"events"`
}

type syncNodeResponse struct {
	ProtocolVersion string          `json:"protocol_version"`
	Messages        []BridgeMessage `json:"messages"`
}

// SyncNode implements UplinkPort. It refuses to talk to a backend whose
// advertised protocol version predates MinCompatibleVersion.
func (u *HTTPUplink) SyncNode(ctx context.Context, localVersion string, events []GatewayEvent) ([]BridgeMessage, error) {
	body, err := json.Marshal(syncNodeRequest{ProtocolVersion: localVersion, Events: events})
	if err != nil {
		return nil, fmt.Errorf("ports: marshal sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.BaseURL+"/syncNode", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ports: build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+u.AuthToken)
	}

	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ports: sync request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ports: backend returned status %d", resp.StatusCode)
	}

	var out syncNodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ports: decode sync response: %w", err)
	}

	if semver.IsValid(out.ProtocolVersion) && semver.Compare(out.ProtocolVersion, MinCompatibleVersion) < 0 {
		return nil, fmt.Errorf("ports: backend protocol %s predates minimum %s", out.ProtocolVersion, MinCompatibleVersion)
	}

	return out.Messages, nil
}
