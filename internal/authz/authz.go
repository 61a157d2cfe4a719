// SPDX-License-Identifier: MIT

// Package authz decides whether an account may perform an action on an
// object. The decision itself is owned by an external service; this package
// carries its client contract, an HTTP implementation, an optional redis
// decision cache and the audience bookkeeping around it.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/edgeroom/presence/internal/agent"
	"github.com/edgeroom/presence/internal/config"
	"github.com/edgeroom/presence/internal/metrics"
)

// ErrForbidden is the decision "no". Everything else a client returns is an
// infrastructure failure, not a decision.
var ErrForbidden = errors.New("access denied")

const requestTimeout = 5 * time.Second

// Client authorizes one (audience, account, object, action) tuple.
type Client interface {
	Authorize(ctx context.Context, audience string, account agent.AccountID, object []string, action string) error
}

// ClientMap routes authorization requests to the backend configured for the
// audience.
type ClientMap struct {
	clients map[string]Client
}

// NewClientMap builds per-audience clients from config.
func NewClientMap(cfg map[string]config.AuthzBackend) (*ClientMap, error) {
	clients := make(map[string]Client, len(cfg))
	for audience, backend := range cfg {
		switch backend.Type {
		case "http":
			clients[audience] = &httpClient{
				uri:   backend.URI,
				token: backend.Token,
				http:  &http.Client{Timeout: requestTimeout},
			}
		case "local":
			clients[audience] = localClient{trusted: backend.Trusted}
		default:
			return nil, fmt.Errorf("unknown authz backend type %q for audience %q", backend.Type, audience)
		}
	}
	return &ClientMap{clients: clients}, nil
}

// Authorize dispatches to the audience's backend. An unconfigured audience is
// a denial, not an error.
func (m *ClientMap) Authorize(ctx context.Context, audience string, account agent.AccountID, object []string, action string) error {
	client, ok := m.clients[audience]
	if !ok {
		return fmt.Errorf("audience %q has no authz backend: %w", audience, ErrForbidden)
	}

	start := time.Now()
	err := client.Authorize(ctx, audience, account, object, action)
	metrics.ObserveAuthz(time.Since(start))
	return err
}

// httpClient asks a remote decision endpoint.
type httpClient struct {
	uri   string
	token string
	http  *http.Client
}

type decisionRequest struct {
	Subject subject `json:"subject"`
	Object  object  `json:"object"`
	Action  string  `json:"action"`
}

type subject struct {
	Namespace string `json:"namespace"`
	Value     string `json:"value"`
}

type object struct {
	Namespace string   `json:"namespace"`
	Value     []string `json:"value"`
}

func (c *httpClient) Authorize(ctx context.Context, audience string, account agent.AccountID, obj []string, action string) error {
	payload, err := json.Marshal(decisionRequest{
		Subject: subject{Namespace: account.Audience, Value: account.Subject},
		Object:  object{Namespace: audience, Value: obj},
		Action:  action,
	})
	if err != nil {
		return fmt.Errorf("encode authz request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build authz request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("authz request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusForbidden {
		return ErrForbidden
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authz endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read authz response: %w", err)
	}

	// The endpoint answers with the subset of requested actions it permits.
	var allowed []string
	if err := json.Unmarshal(body, &allowed); err != nil {
		return fmt.Errorf("decode authz response: %w", err)
	}
	for _, a := range allowed {
		if a == action {
			return nil
		}
	}
	return ErrForbidden
}

// localClient answers from config alone, for trusted audiences and tests.
type localClient struct {
	trusted bool
}

func (c localClient) Authorize(context.Context, string, agent.AccountID, []string, string) error {
	if c.trusted {
		return nil
	}
	return ErrForbidden
}
