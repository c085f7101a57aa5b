// Package api provides HTTP handlers for the quietmind API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/quietmind/quietmind/internal/domain"
	"github.com/quietmind/quietmind/internal/message"
	"github.com/quietmind/quietmind/internal/session"
	"github.com/quietmind/quietmind/internal/store"
)

// Handler provides common handler utilities and dependencies.
type Handler struct {
	repo     store.Repository
	sessions *session.Service
	messages *message.Service
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *session.Service, messages *message.Service) *Handler {
	return &Handler{
		repo:     repo,
		sessions: sessions,
		messages: messages,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response with a stable code.
func Error(w http.ResponseWriter, status int, code string) {
	JSON(w, status, map[string]string{"error": code})
}

// DomainError maps a domain error to its HTTP response. Errors outside the
// taxonomy are logged with full detail under a correlation ID and surfaced
// as an opaque internal failure carrying only that ID.
func DomainError(w http.ResponseWriter, err error) {
	var blocked *domain.SessionBlockedError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "not_found")
	case errors.As(err, &blocked):
		JSON(w, http.StatusConflict, map[string]string{
			"error":   blocked.Reason.Code,
			"message": blocked.Reason.Message,
		})
	case errors.Is(err, domain.ErrInvalidTransition):
		Error(w, http.StatusConflict, "invalid_transition")
	case errors.Is(err, domain.ErrSequenceConflict):
		JSON(w, http.StatusConflict, map[string]string{
			"error":   "sequence_conflict",
			"message": "another message for this turn is already in flight; wait for the bot reply",
		})
	case errors.Is(err, domain.ErrSessionNotFailed):
		Error(w, http.StatusConflict, "session_not_failed")
	case errors.Is(err, domain.ErrVersionConflict):
		Error(w, http.StatusConflict, "conflict")
	case errors.Is(err, domain.ErrDecryption):
		internalError(w, err, "message decryption failed")
	default:
		internalError(w, err, "unclassified failure")
	}
}

func internalError(w http.ResponseWriter, err error, detail string) {
	correlationID := uuid.NewString()
	slog.Error("internal error",
		"correlation_id", correlationID,
		"detail", detail,
		"error", err)
	JSON(w, http.StatusInternalServerError, map[string]string{
		"error":          "internal_error",
		"correlation_id": correlationID,
	})
}
