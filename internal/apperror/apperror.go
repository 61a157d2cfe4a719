// SPDX-License-Identifier: MIT

// Package apperror defines the closed set of typed error kinds that cross
// component boundaries. Every internal failure funnels into one of these; no
// stringly-typed errors propagate past a package edge.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"
)

// Kind enumerates every error the service can surface or report.
type Kind int

const (
	// Client-facing kinds.
	KindUnsupportedRequest Kind = iota
	KindUnauthenticated
	KindAccessDenied
	KindSerializationFailed
	KindAuthTimedOut
	KindPongTimedOut
	KindReplaced
	KindTerminated
	KindInternalServerError

	// Internal kinds: logged and reported, never shown verbatim to clients.
	KindDbConnAcquisitionFailed
	KindDbQueryFailed
	KindResponseBuildFailed
	KindShutdownFailed
	KindMovingSessionToHistoryFailed
	KindReceivingResponseFailed
	KindAuthorizationFailed
)

type properties struct {
	status       int
	kind         string
	title        string
	notifySentry bool
}

var kindProperties = map[Kind]properties{
	KindUnsupportedRequest:           {http.StatusUnprocessableEntity, "unsupported_request", "Unsupported request", false},
	KindUnauthenticated:              {http.StatusUnauthorized, "unauthenticated", "Unauthenticated", false},
	KindAccessDenied:                 {http.StatusForbidden, "access_denied", "Access denied", false},
	KindSerializationFailed:          {http.StatusUnprocessableEntity, "serialization_failed", "Serialization failed", true},
	KindAuthTimedOut:                 {http.StatusUnprocessableEntity, "auth_timed_out", "Authentication timed out", false},
	KindPongTimedOut:                 {http.StatusUnprocessableEntity, "pong_timed_out", "Pong timed out", false},
	KindReplaced:                     {http.StatusUnprocessableEntity, "replaced", "Replaced", false},
	KindTerminated:                   {http.StatusUnprocessableEntity, "terminated", "terminated", false},
	KindInternalServerError:          {http.StatusInternalServerError, "internal_server_error", "Internal server error", true},
	KindDbConnAcquisitionFailed:      {http.StatusUnprocessableEntity, "database_connection_acquisition_failed", "Database connection acquisition failed", true},
	KindDbQueryFailed:                {http.StatusUnprocessableEntity, "database_query_failed", "Database query failed", true},
	KindResponseBuildFailed:          {http.StatusUnprocessableEntity, "response_build_failed", "Response build failed", true},
	KindShutdownFailed:               {http.StatusUnprocessableEntity, "shutdown_failed", "Shutdown failed", true},
	KindMovingSessionToHistoryFailed: {http.StatusUnprocessableEntity, "moving_session_to_history_failed", "Moving session to history failed", true},
	KindReceivingResponseFailed:      {http.StatusUnprocessableEntity, "receiving_response_failed", "Receiving response failed", true},
	KindAuthorizationFailed:          {http.StatusUnprocessableEntity, "authorization_failed", "Authorization failed", true},
}

// Status returns the HTTP status associated with the kind.
func (k Kind) Status() int { return kindProperties[k].status }

// Label returns the snake_case wire identifier of the kind.
func (k Kind) Label() string { return kindProperties[k].kind }

// Title returns the human-readable title of the kind.
func (k Kind) Title() string { return kindProperties[k].title }

// NotifySentry reports whether errors of this kind are sent to the reporter.
func (k Kind) NotifySentry() bool { return kindProperties[k].notifySentry }

func (k Kind) String() string { return kindProperties[k].kind }

// Error couples a kind with its source error.
type Error struct {
	kind   Kind
	source error
}

// New builds a typed error around source.
func New(kind Kind, source error) *Error {
	return &Error{kind: kind, source: source}
}

// Newf builds a typed error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, source: fmt.Errorf(format, args...)}
}

// Kind returns the error's kind.
func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Error() string {
	if e.source == nil {
		return e.kind.Title()
	}
	return fmt.Sprintf("%s: %s", e.kind.Title(), e.source)
}

func (e *Error) Unwrap() error { return e.source }

// Notify reports the error to sentry when its kind warrants it. Safe to call
// when sentry was never initialised.
func (e *Error) Notify() {
	if !e.kind.NotifySentry() {
		return
	}
	sentry.CaptureException(e)
}

// KindOf extracts the kind from err, defaulting to internal server error for
// untyped errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind()
	}
	return KindInternalServerError
}
