// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/turnsync/turnsync/internal/domain/session/engine"
	"github.com/turnsync/turnsync/internal/domain/session/store"
	"github.com/turnsync/turnsync/internal/log"
)

// Stable machine-readable error codes for the REST surface.
const (
	codeValidation          = "VALIDATION"
	codeNotFound            = "NOT_FOUND"
	codeAlreadyExists       = "ALREADY_EXISTS"
	codeInvalidTransition   = "INVALID_TRANSITION"
	codeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	codeStaleActor          = "STALE_ACTOR"
	codeStoreUnavailable    = "STORE_UNAVAILABLE"
	codeAuditBacklog        = "AUDIT_BACKLOG"
	codeInternal            = "INTERNAL"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	// Version conflict details, present only for CONCURRENCY_CONFLICT.
	ExpectedVersion int64 `json:"expected_version,omitempty"`
	ActualVersion   int64 `json:"actual_version,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeEngineError maps a typed engine/store error onto the HTTP taxonomy.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := log.RequestIDFromContext(r.Context())
	detail := errorDetail{CorrelationID: correlationID, Message: err.Error()}

	var conflict *store.ConflictError
	switch {
	case errors.Is(err, engine.ErrValidation):
		detail.Code = codeValidation
		writeJSON(w, http.StatusBadRequest, errorBody{Error: detail})
	case errors.Is(err, store.ErrNotFound):
		detail.Code = codeNotFound
		detail.Message = "session not found"
		writeJSON(w, http.StatusNotFound, errorBody{Error: detail})
	case errors.Is(err, store.ErrAlreadyExists):
		detail.Code = codeAlreadyExists
		writeJSON(w, http.StatusConflict, errorBody{Error: detail})
	case engine.IsInvalidTransition(err):
		detail.Code = codeInvalidTransition
		writeJSON(w, http.StatusConflict, errorBody{Error: detail})
	case errors.Is(err, engine.ErrStaleActor):
		detail.Code = codeStaleActor
		writeJSON(w, http.StatusConflict, errorBody{Error: detail})
	case errors.As(err, &conflict):
		detail.Code = codeConcurrencyConflict
		detail.ExpectedVersion = conflict.Expected
		detail.ActualVersion = conflict.Actual
		writeJSON(w, http.StatusConflict, errorBody{Error: detail})
	case errors.Is(err, store.ErrStoreUnavailable):
		detail.Code = codeStoreUnavailable
		detail.Message = "primary state store unavailable"
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: detail})
	default:
		log.FromContext(r.Context()).Error().Err(err).
			Str("correlation_id", correlationID).
			Msg("unhandled error on request path")
		detail.Code = codeInternal
		detail.Message = "internal error"
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: detail})
	}
}

// writeValidationError reports malformed input that never reached the engine.
func writeValidationError(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Code:          codeValidation,
		Message:       msg,
		CorrelationID: log.RequestIDFromContext(r.Context()),
	}})
}

// writeAuditBacklog sheds a low-priority write while the audit queue is
// above its high-water mark.
func writeAuditBacklog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{
		Code:          codeAuditBacklog,
		Message:       "audit pipeline overloaded, retry shortly",
		CorrelationID: log.RequestIDFromContext(r.Context()),
	}})
}
