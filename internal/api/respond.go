// SPDX-License-Identifier: MIT

// Package api carries the three HTTP surfaces of the service: the public
// listener (WebSocket upgrade, roster, counters), the internal takeover
// listener and the metrics listener.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/edgeroom/presence/internal/apperror"
	"github.com/edgeroom/presence/internal/log"
)

type errorBody struct {
	Status int    `json:"status"`
	Kind   string `json:"kind"`
	Title  string `json:"title"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger := log.WithComponent("api")
		logger.Warn().Err(err).Msg("failed to write response body")
	}
}

func respondError(w http.ResponseWriter, kind apperror.Kind) {
	respondJSON(w, kind.Status(), errorBody{
		Status: kind.Status(),
		Kind:   kind.Label(),
		Title:  kind.Title(),
	})
}
