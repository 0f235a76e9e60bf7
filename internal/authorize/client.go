// Package authorize exchanges the server-held Layercode API key for a
// short-lived client session key.
package authorize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/comigor/voice-relay/internal/apperr"
)

// Request asks for a client session on one pipeline/agent. A nil SessionID
// starts a new session.
type Request struct {
	PipelineID string  `json:"pipeline_id"`
	SessionID  *string `json:"session_id"`
}

// Client is a client for the Layercode authorization API
type Client struct {
	url    string
	apiKey string
	client *http.Client
}

// NewClient creates a new Client
func NewClient(url, apiKey string) *Client {
	return &Client{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthorizeSession forwards req upstream and returns the upstream JSON body
// (client_session_key and friends) untouched.
func (c *Client) AuthorizeSession(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperr.WrapUpstream(err, "authorization service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.WrapUpstream(fmt.Errorf("unexpected status code: %d", resp.StatusCode), statusText(resp))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.WrapUpstream(err, "reading authorization response")
	}
	if !json.Valid(raw) {
		return nil, apperr.WrapUpstream(fmt.Errorf("non-JSON body"), "malformed authorization response")
	}
	return raw, nil
}

func statusText(resp *http.Response) string {
	if t := http.StatusText(resp.StatusCode); t != "" {
		return t
	}
	return resp.Status
}
