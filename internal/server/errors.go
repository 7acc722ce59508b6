// Package server provides the HTTP API for the content pipeline orchestrator.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/contentforge/orchestrator/internal/pipeline"
	"github.com/contentforge/orchestrator/internal/store"
)

// ErrInvalidCredentials indicates a failed operator login.
type ErrInvalidCredentials struct{}

func (e *ErrInvalidCredentials) Error() string {
	return "invalid operator password"
}

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		terminal    *pipeline.ErrTerminalStage
		notAwaiting *pipeline.ErrNotAwaitingApproval
		notFailed   *pipeline.ErrNotFailed
		badRetry    *pipeline.ErrBadRetryStage
		validation  *ErrValidation
		badCreds    *ErrInvalidCredentials
	)

	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrItemBusy),
		errors.Is(err, store.ErrVersionConflict),
		errors.As(err, &terminal),
		errors.As(err, &notAwaiting),
		errors.As(err, &notFailed):
		return http.StatusConflict
	case errors.As(err, &badRetry), errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &badCreds):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
