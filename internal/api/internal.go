// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/edgeroom/presence/internal/log"
	"github.com/edgeroom/presence/internal/manager"
	"github.com/edgeroom/presence/internal/replica"
	"github.com/edgeroom/presence/internal/session"
)

// SessionDeleter serves peer takeover requests. *manager.Manager implements
// it.
type SessionDeleter interface {
	Delete(ctx context.Context, key session.Key) (manager.Result, error)
}

type deleteResult struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// NewInternalRouter builds the internal takeover listener. It is never
// exposed outside the cluster network.
func NewInternalRouter(sessions SessionDeleter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", handleHealthz)
	r.Delete("/api/v1/sessions", handleDeleteSession(sessions))

	return r
}

func handleDeleteSession(sessions SessionDeleter) http.HandlerFunc {
	logger := log.WithComponent("internal_api")
	return func(w http.ResponseWriter, r *http.Request) {
		var req replica.DeleteSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn().Err(err).Msg("malformed delete session request")
			respondJSON(w, http.StatusUnprocessableEntity, deleteResult{
				Type:    replica.DeleteFailure,
				Payload: replica.ReasonMessagingFailed,
			})
			return
		}

		res, err := sessions.Delete(r.Context(), req.SessionKey)
		if err != nil {
			logger.Error().Err(err).
				Str(log.FieldSessionKey, req.SessionKey.String()).
				Msg("session manager unreachable")
			respondJSON(w, http.StatusUnprocessableEntity, deleteResult{
				Type:    replica.DeleteFailure,
				Payload: replica.ReasonMessagingFailed,
			})
			return
		}
		if !res.Found {
			respondJSON(w, http.StatusNotFound, deleteResult{
				Type:    replica.DeleteFailure,
				Payload: replica.ReasonNotFound,
			})
			return
		}

		logger.Info().
			Str(log.FieldEvent, "takeover.served").
			Str(log.FieldSessionKey, req.SessionKey.String()).
			Int64(log.FieldSessionID, int64(res.ID)).
			Msg("released session to peer replica")
		respondJSON(w, http.StatusOK, deleteResult{
			Type:    replica.DeleteSuccess,
			Payload: res.ID,
		})
	}
}
