// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/edgeroom/presence/internal/agent"
	"github.com/edgeroom/presence/internal/apperror"
	"github.com/edgeroom/presence/internal/authn"
	"github.com/edgeroom/presence/internal/authz"
	"github.com/edgeroom/presence/internal/classroom"
	"github.com/edgeroom/presence/internal/db"
	"github.com/edgeroom/presence/internal/session"
)

const rateLimitPerMinute = 300

// Roster is the ledger surface of the read endpoints. *db.Store implements
// it.
type Roster interface {
	ListAgents(ctx context.Context, classroomID classroom.ID, sequenceID session.ID, limit int) ([]db.RosterEntry, error)
	CountAgents(ctx context.Context, classroomIDs []classroom.ID) (map[classroom.ID]int64, error)
}

// PublicDeps wires the public listener.
type PublicDeps struct {
	Verifier    *authn.Verifier
	Authorizer  authz.Client
	Estimator   *authz.AudienceEstimator
	SvcAudience string
	Roster      Roster
	WS          http.Handler
}

type publicServer struct {
	deps PublicDeps
}

// NewPublicRouter builds the public HTTP+WS router.
func NewPublicRouter(deps PublicDeps) http.Handler {
	s := &publicServer{deps: deps}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", handleHealthz)
	r.Method(http.MethodGet, "/ws", deps.WS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(rateLimitPerMinute, time.Minute))
		r.Use(s.requireAuthn)
		r.Get("/classrooms/{classroom_id}/agents", s.handleListAgents)
		r.Post("/counters/agent", s.handleCountAgents)
	})

	return r
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ok"))
}

// authorize maps the account audience onto a configured authz audience and
// asks the decision backend.
func (s *publicServer) authorize(ctx context.Context, account agent.AccountID, object []string, action string) error {
	audience := authz.NormalizeAudience(account.Audience)
	if known := s.deps.Estimator.Estimate(audience); known != "" {
		audience = known
	}
	return s.deps.Authorizer.Authorize(ctx, audience, account, object, action)
}

func (s *publicServer) handleListAgents(w http.ResponseWriter, r *http.Request) {
	account, ok := AccountFrom(r.Context())
	if !ok {
		respondError(w, apperror.KindUnauthenticated)
		return
	}

	classroomID, err := classroom.ParseID(chi.URLParam(r, "classroom_id"))
	if err != nil {
		respondError(w, apperror.KindUnsupportedRequest)
		return
	}

	sequenceID, limit, err := rosterPage(r)
	if err != nil {
		respondError(w, apperror.KindUnsupportedRequest)
		return
	}

	if err := s.authorize(r.Context(), account, []string{"classrooms", classroomID.String()}, "read"); err != nil {
		if errors.Is(err, authz.ErrForbidden) {
			respondError(w, apperror.KindAccessDenied)
			return
		}
		respondError(w, apperror.KindInternalServerError)
		return
	}

	entries, err := s.deps.Roster.ListAgents(r.Context(), classroomID, sequenceID, limit)
	if err != nil {
		apperror.New(apperror.KindDbQueryFailed, err).Notify()
		respondError(w, apperror.KindInternalServerError)
		return
	}
	if entries == nil {
		entries = []db.RosterEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func rosterPage(r *http.Request) (session.ID, int, error) {
	var (
		sequenceID int64
		limit      = db.MaxRosterLimit
		err        error
	)
	if raw := r.URL.Query().Get("sequence_id"); raw != "" {
		if sequenceID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return 0, 0, err
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			return 0, 0, err
		}
	}
	return session.ID(sequenceID), limit, nil
}

type countersRequest struct {
	ClassroomIDs []classroom.ID `json:"classroom_ids"`
}

func (s *publicServer) handleCountAgents(w http.ResponseWriter, r *http.Request) {
	account, ok := AccountFrom(r.Context())
	if !ok {
		respondError(w, apperror.KindUnauthenticated)
		return
	}

	var req countersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperror.KindUnsupportedRequest)
		return
	}

	// Counters are a service-level view, authorized against the service
	// audience rather than the classroom.
	if err := s.deps.Authorizer.Authorize(r.Context(), s.deps.SvcAudience, account, []string{"classrooms"}, "read"); err != nil {
		if errors.Is(err, authz.ErrForbidden) {
			respondError(w, apperror.KindAccessDenied)
			return
		}
		respondError(w, apperror.KindInternalServerError)
		return
	}

	counts, err := s.deps.Roster.CountAgents(r.Context(), req.ClassroomIDs)
	if err != nil {
		apperror.New(apperror.KindDbQueryFailed, err).Notify()
		respondError(w, apperror.KindInternalServerError)
		return
	}

	body := make(map[string]int64, len(req.ClassroomIDs))
	for _, id := range req.ClassroomIDs {
		body[id.String()] = counts[id]
	}
	respondJSON(w, http.StatusOK, body)
}
