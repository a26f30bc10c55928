// Package api implements the HTTP surface (spec §6): Ingestion and Arena
// route groups behind a gin.Engine, sharing one response envelope and error
// taxonomy, plus the Arena thinking-stream SSE endpoint.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marketcore/platform/pkg/arena"
	"github.com/marketcore/platform/pkg/scheduler"
	"github.com/marketcore/platform/pkg/store"
)

// Envelope is the uniform response shape every handler returns (spec §6
// "Response envelope"): code=0 on success, non-zero documented codes on
// failure.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Documented error codes (spec §6).
const (
	CodeOK            = 0
	CodeInvalidArgs   = 40001
	CodeNotFound      = 40002
	CodeUnauthorized  = 40101
	CodeInternal      = 50001
	CodeStoreError    = 50002
	CodeLLMError      = 50003
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Envelope{Code: CodeOK, Message: "ok", Data: data})
}

// fail writes the envelope for err, classifying it against the taxonomy
// described in spec §7 and mapped to the codes documented in spec §6.
func fail(c *gin.Context, err error) {
	code, httpStatus := classify(err)
	c.JSON(httpStatus, Envelope{Code: code, Message: err.Error()})
}

// badRequest reports a request that failed validation before it ever
// reached a domain component (malformed JSON, missing required field).
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, Envelope{Code: CodeInvalidArgs, Message: err.Error()})
}

// classify maps a domain error to its documented envelope code and HTTP
// status (spec §7's error taxonomy: StateError/NotFound → 40001/40002,
// StoreError/SchemaError → 50002, everything else → 50001).
func classify(err error) (code int, httpStatus int) {
	var stateErr *arena.StateError
	var schemaErr *store.SchemaError
	var storeErr *store.StoreError

	switch {
	case errors.As(err, &stateErr):
		return CodeInvalidArgs, http.StatusBadRequest
	case errors.Is(err, arena.ErrInvalidTransition),
		errors.Is(err, arena.ErrScoreDeltaOutOfRange),
		errors.Is(err, scheduler.ErrInvalidTrigger),
		errors.Is(err, store.ErrNotRetryable),
		errors.Is(err, store.ErrNotStoppable),
		errors.Is(err, store.ErrDeleteWhileRunning):
		return CodeInvalidArgs, http.StatusBadRequest
	case errors.Is(err, arena.ErrNotFound),
		errors.Is(err, arena.ErrStrategyNotFound),
		errors.Is(err, store.ErrNotFound):
		return CodeNotFound, http.StatusNotFound
	case errors.As(err, &schemaErr), errors.As(err, &storeErr):
		return CodeStoreError, http.StatusInternalServerError
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}
