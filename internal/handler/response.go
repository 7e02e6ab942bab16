package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"rss-service/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidFeedURL),
		errors.Is(err, domain.ErrInvalidFeedID),
		errors.Is(err, domain.ErrInvalidItemLink):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrFeedNotFound),
		errors.Is(err, domain.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrFeedAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrFetchFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrQueueFull),
		errors.Is(err, domain.ErrDatabaseConnection),
		errors.Is(err, domain.ErrQueueStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *FeedHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal server error"
	case errors.Is(err, domain.ErrFetchFailed):
		msg = domain.ErrFetchFailed.Error()
	}
	writeError(w, status, msg)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
