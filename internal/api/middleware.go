// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/edgeroom/presence/internal/agent"
	"github.com/edgeroom/presence/internal/apperror"
	"github.com/edgeroom/presence/internal/log"
)

type ctxKey int

const accountKey ctxKey = iota

// AccountFrom returns the authenticated account of the request.
func AccountFrom(ctx context.Context) (agent.AccountID, bool) {
	account, ok := ctx.Value(accountKey).(agent.AccountID)
	return account, ok
}

// requireAuthn validates the bearer token and stores the account on the
// request context.
func (s *publicServer) requireAuthn(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			respondError(w, apperror.KindUnauthenticated)
			return
		}

		account, err := s.deps.Verifier.VerifyToken(token)
		if err != nil {
			respondError(w, apperror.KindUnauthenticated)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, account)))
	})
}

func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}
