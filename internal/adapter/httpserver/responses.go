// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the REST API of the orchestrator: bulk and single submission,
// status checks, regeneration, listing, and the admin token surface. HTTP
// concerns stay here; business rules live in usecase.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/reelforge/reelforge/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrPlanDenied):
		code = http.StatusForbidden
		codeStr = "PLAN_DENIED"
	case errors.Is(err, domain.ErrNoTokensAvailable):
		code = http.StatusServiceUnavailable
		codeStr = "NO_TOKENS_AVAILABLE"
	case errors.Is(err, domain.ErrUpstreamTransient):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_UNAVAILABLE"
	case errors.Is(err, domain.ErrUpstreamRejected):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_REJECTED"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
