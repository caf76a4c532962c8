package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/kvstream/logbackup/internal/core"
	"github.com/kvstream/logbackup/internal/subscription"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes one error.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RegionID  uint64 `json:"region_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes v as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", core.MediaType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WriteError writes err as an ErrorResponse.
func WriteError(w http.ResponseWriter, status int, err *core.Error) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      err.Code,
		Message:   err.Message,
		Retryable: core.ShouldRetry(err),
		RegionID:  err.RegionID,
		RequestID: w.Header().Get(middleware.RequestIDHeader),
	}})
}

// HandleError maps err onto an HTTP status and writes it.
func HandleError(w http.ResponseWriter, err error) {
	var e *core.Error
	if !errors.As(err, &e) {
		if errors.Is(err, subscription.ErrClosed) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			WriteError(w, http.StatusServiceUnavailable, core.NewInternalError(err.Error()))
			return
		}
		WriteError(w, http.StatusInternalServerError, core.NewInternalError(err.Error()))
		return
	}
	WriteError(w, statusOf(e.Code), e)
}

func statusOf(code string) int {
	switch code {
	case core.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case core.ErrCodeNotFound, core.ErrCodeRegionNotFound:
		return http.StatusNotFound
	case core.ErrCodeEpochNotMatch, core.ErrCodeNotLeader, core.ErrCodeObserveCanceled:
		return http.StatusConflict
	case core.ErrCodeRetryExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
