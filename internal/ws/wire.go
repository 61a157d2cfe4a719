// SPDX-License-Identifier: MIT

// Package ws implements the per-connection state machine of the public
// WebSocket endpoint: authentication, authorization, session creation with
// takeover, and the steady presence loop.
package ws

import (
	"encoding/json"
	"fmt"

	"github.com/edgeroom/presence/internal/apperror"
	"github.com/edgeroom/presence/internal/classroom"
)

// Message type tags of the client/server frames.
const (
	typeConnectRequest     = "connect_request"
	typeConnectSuccess     = "connect_success"
	typeUnrecoverableError = "unrecoverable_session_error"
	typeRecoverableError   = "recoverable_session_error"
)

// ConnectRequest is the payload of the first client frame.
type ConnectRequest struct {
	ClassroomID classroom.ID `json:"classroom_id"`
	Token       string       `json:"token"`
	AgentLabel  string       `json:"agent_label"`
}

type clientEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func parseConnectRequest(data []byte) (ConnectRequest, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ConnectRequest{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type != typeConnectRequest {
		return ConnectRequest{}, fmt.Errorf("unexpected frame type %q", env.Type)
	}

	var req ConnectRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return ConnectRequest{}, fmt.Errorf("decode connect_request payload: %w", err)
	}
	if req.AgentLabel == "" {
		return ConnectRequest{}, fmt.Errorf("agent_label must not be empty")
	}
	return req, nil
}

type serverEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type errorPayload struct {
	Status int    `json:"status"`
	Kind   string `json:"kind"`
	Title  string `json:"title"`
}

func connectSuccessFrame() []byte {
	// Static; cannot fail.
	data, _ := json.Marshal(serverEnvelope{Type: typeConnectSuccess})
	return data
}

func errorFrame(kind apperror.Kind) []byte {
	envType := typeUnrecoverableError
	if kind == apperror.KindTerminated {
		envType = typeRecoverableError
	}
	data, _ := json.Marshal(serverEnvelope{
		Type: envType,
		Payload: errorPayload{
			Status: kind.Status(),
			Kind:   kind.Label(),
			Title:  kind.Title(),
		},
	})
	return data
}

// forwardedEvent wraps a bus message for delivery to the client. The id is
// the dotted "entity.operation.sequence" form of the event id header, the
// same rendering used on the wire between replicas.
type forwardedEvent struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func eventFrame(eventID string, payload []byte) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("bus payload is not valid JSON")
	}
	data, err := json.Marshal(forwardedEvent{ID: eventID, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode forwarded event: %w", err)
	}
	return data, nil
}
