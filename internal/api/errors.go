package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/querygen/querygen/internal/jobs"
	"github.com/querygen/querygen/internal/observability"
	"github.com/querygen/querygen/internal/querygen"
)

var (
	// ErrInput marks a request the caller must fix before retrying.
	ErrInput           = errors.New("invalid input")
	ErrForbidden       = errors.New("forbidden")
	ErrJobsUnavailable = errors.New("async jobs are not configured")
)

const (
	kindInput           = "input"
	kindForbidden       = "forbidden"
	kindNotFound        = "not_found"
	kindJobsUnavailable = "jobs_unavailable"
)

const internalErrorMessage = "An unexpected error occurred while generating the query"

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
	TraceID   string `json:"trace_id,omitempty"`
}

// classify maps err to its HTTP status, kind and client-visible message.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrInput):
		return http.StatusUnprocessableEntity, kindInput, inputMessage(err)
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, kindForbidden, err.Error()
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound, kindNotFound, "Job not found"
	case errors.Is(err, ErrJobsUnavailable):
		return http.StatusServiceUnavailable, kindJobsUnavailable, err.Error()
	}

	kind := querygen.ErrorKind(err)
	switch kind {
	case querygen.KindConfiguration:
		return http.StatusServiceUnavailable, kind, err.Error()
	case querygen.KindConnectionUnavailable:
		return http.StatusServiceUnavailable, kind, err.Error()
	case querygen.KindUnsafeQuery:
		return http.StatusUnprocessableEntity, kind, err.Error()
	case querygen.KindTimeout:
		return http.StatusGatewayTimeout, kind, err.Error()
	case querygen.KindAPI:
		return http.StatusBadGateway, kind, err.Error()
	default:
		return http.StatusInternalServerError, querygen.KindInternal, internalErrorMessage
	}
}

// inputMessage drops the sentinel suffix so callers see only the reason.
func inputMessage(err error) string {
	var input *inputError
	if errors.As(err, &input) {
		return input.message
	}
	return err.Error()
}

type inputError struct {
	message string
}

func (e *inputError) Error() string { return e.message }

func (e *inputError) Unwrap() error { return ErrInput }

func invalidInput(message string) error {
	return &inputError{message: message}
}

func writeFailure(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error) {
	status, kind, message := classify(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, errorResponse{
		Success:   false,
		Error:     message,
		ErrorKind: kind,
		TraceID:   observability.TraceIDFromContext(ctx),
	})
}
