// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST ingress (job and workflow submission, status queries,
// the webhook registry) and the worker protocol endpoints. HTTP concerns stay
// here; lifecycle decisions live in the usecase services.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gpuforge/broker/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrWorkerNotRegistered):
		code = http.StatusNotFound
		codeStr = "WORKER_NOT_REGISTERED"
	case errors.Is(err, domain.ErrLeaseNotOwned):
		code = http.StatusConflict
		codeStr = "LEASE_NOT_OWNED"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "STORE_UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
