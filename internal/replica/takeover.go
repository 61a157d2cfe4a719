// SPDX-License-Identifier: MIT

package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgeroom/presence/internal/db"
	"github.com/edgeroom/presence/internal/log"
	"github.com/edgeroom/presence/internal/session"
)

// Delete-session response shapes of the internal listener.
const (
	DeleteSuccess = "delete_success"
	DeleteFailure = "delete_failure"

	ReasonNotFound        = "not_found"
	ReasonMessagingFailed = "messaging_failed"
)

const takeoverTimeout = 5 * time.Second

// DeleteSessionRequest is the internal takeover request body.
type DeleteSessionRequest struct {
	SessionKey session.Key `json:"session_key"`
}

// DeleteSessionResponse is the internal takeover response body.
type DeleteSessionResponse struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PeerResolver finds which replica owns a live session. *db.Queries
// implements it.
type PeerResolver interface {
	FindReplicaIPForSessionKey(ctx context.Context, key session.Key) (netip.Addr, error)
}

// TakeoverClient displaces sessions held by peer replicas through their
// internal listeners.
type TakeoverClient struct {
	resolver PeerResolver
	http     *http.Client
	port     uint16
	logger   zerolog.Logger
}

// NewTakeoverClient builds the client. port is the internal-listener port
// every replica binds.
func NewTakeoverClient(resolver PeerResolver, port uint16) *TakeoverClient {
	return &TakeoverClient{
		resolver: resolver,
		http:     &http.Client{Timeout: takeoverTimeout},
		port:     port,
		logger:   log.WithComponent("takeover"),
	}
}

// DeleteSession asks the replica owning key to drop its session. A peer that
// no longer knows the session (or a key with no owner at all) counts as
// success: either way the key is free for the caller to claim.
func (c *TakeoverClient) DeleteSession(ctx context.Context, key session.Key) error {
	ip, err := c.resolver.FindReplicaIPForSessionKey(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve session owner: %w", err)
	}

	body, err := json.Marshal(DeleteSessionRequest{SessionKey: key})
	if err != nil {
		return fmt.Errorf("encode takeover request: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/v1/sessions", netip.AddrPortFrom(ip, c.port))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build takeover request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call peer replica: %w", err)
	}
	defer resp.Body.Close()

	var decoded DeleteSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode takeover response: %w", err)
	}

	switch decoded.Type {
	case DeleteSuccess:
		c.logger.Info().
			Str(log.FieldEvent, "takeover.deleted").
			Str(log.FieldSessionKey, key.String()).
			Str(log.FieldIP, ip.String()).
			Msg("peer replica released the session")
		return nil
	case DeleteFailure:
		var reason string
		if err := json.Unmarshal(decoded.Payload, &reason); err != nil {
			return fmt.Errorf("decode takeover failure reason: %w", err)
		}
		if reason == ReasonNotFound {
			return nil
		}
		return fmt.Errorf("peer replica refused takeover: %s", reason)
	default:
		return fmt.Errorf("unexpected takeover response type %q", decoded.Type)
	}
}
