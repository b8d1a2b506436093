// Package entryclient is the external collaborator spec.md §1 carves out:
// the HTTP client talking to the mixnet entry node. The core only ever
// depends on the Client interface below; the HTTP implementation and the
// in-memory Fake both satisfy it, matching getployz-ployz's
// machine/mesh/ports.go capability-interface style.
package entryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"mixvpn"
)

// SessionHandle is the entry node's view of a session, returned by
// CreateSession/ListSessions.
type SessionHandle struct {
	RemoteID  string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	// RemotePublicKey is the destination's WireGuard public key, base64
	// encoded the way wgtypes.Key.String() renders it. The entry node
	// learns this out-of-band (exit-node registration) and hands it back
	// at session-creation time; C4 never reads it from local storage.
	RemotePublicKey string `json:"remote_public_key"`
}

// Client is the capability the Session Manager consumes. It never appears
// as a concrete type in internal/session — only as this interface.
type Client interface {
	CreateSession(ctx context.Context, dest mixvpn.Destination, caps mixvpn.Capabilities, path mixvpn.PathSpec, localPort int) (SessionHandle, error)
	ListSessions(ctx context.Context) ([]SessionHandle, error)
	CloseSession(ctx context.Context, remoteID string) error
}

// HTTPClient is the production Client, talking to a hoprd-style entry node
// over HTTP with a bearer API token.
type HTTPClient struct {
	endpoint string
	apiToken string
	http     *http.Client
}

// New creates an HTTPClient for the given entry node endpoint and API
// token (config §6 hoprd_node.endpoint / api_token).
func New(endpoint, apiToken string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		apiToken: apiToken,
		http:     &http.Client{Timeout: timeout},
	}
}

type createSessionRequest struct {
	Destination   string            `json:"destination"`
	Capabilities  []string          `json:"capabilities"`
	Intermediates []string          `json:"intermediates,omitempty"`
	Hops          uint8             `json:"hops,omitempty"`
	LocalPort     int               `json:"local_port"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// CreateSession asks the entry node to open a session toward dest.
func (c *HTTPClient) CreateSession(ctx context.Context, dest mixvpn.Destination, caps mixvpn.Capabilities, path mixvpn.PathSpec, localPort int) (SessionHandle, error) {
	req := createSessionRequest{
		Destination:   dest.ID,
		Capabilities:  capsToStrings(caps),
		Intermediates: path.Intermediates,
		Hops:          path.Hops,
		LocalPort:     localPort,
		Labels:        dest.Meta,
	}

	var handle SessionHandle
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/sessions", req, &handle); err != nil {
		return SessionHandle{}, err
	}
	return handle, nil
}

// ListSessions returns the entry node's current session set.
func (c *HTTPClient) ListSessions(ctx context.Context) ([]SessionHandle, error) {
	var handles []SessionHandle
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/sessions", nil, &handles); err != nil {
		return nil, err
	}
	return handles, nil
}

// CloseSession asks the entry node to close the session. Idempotent: a 404
// from the entry node is not treated as an error.
func (c *HTTPClient) CloseSession(ctx context.Context, remoteID string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/api/v1/sessions/"+remoteID, nil, nil)
	var statusErr *StatusError
	if ok := asStatusError(err, &statusErr); ok && statusErr.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// StatusError wraps a non-2xx HTTP response from the entry node.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("entry node responded %d: %s", e.Code, e.Body)
}

func asStatusError(err error, target **StatusError) bool {
	se, ok := err.(*StatusError)
	if ok {
		*target = se
	}
	return ok
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("entry node request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(resp.Body)
		return &StatusError{Code: resp.StatusCode, Body: buf.String()}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func capsToStrings(c mixvpn.Capabilities) []string {
	var out []string
	if c.Segmentation {
		out = append(out, "segmentation")
	}
	if c.Retransmission {
		out = append(out, "retransmission")
	}
	return out
}
