package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/quietmind/quietmind/internal/identity"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxMessageLen   = 4000
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	*Handler
}

// NewMessageHandler creates a message handler.
func NewMessageHandler(base *Handler) *MessageHandler {
	return &MessageHandler{Handler: base}
}

// RegisterRoutes registers message routes.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/message", func(r chi.Router) {
		r.Post("/", h.Append)
		r.Post("/retry", h.Retry)
		r.Get("/{sessionID}", h.List)
		r.Get("/{sessionID}/bot-response", h.BotResponse)
		r.Delete("/{sessionID}/{messageID}", h.Delete)
	})
}

type appendRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

func (req *appendRequest) validate() string {
	if req.SessionID == "" {
		return "session_id is required"
	}
	if strings.TrimSpace(req.Text) == "" {
		return "text is required"
	}
	if len(req.Text) > maxMessageLen {
		return "text is too long"
	}
	return ""
}

// Append stores a user message and wakes the bot worker.
func (h *MessageHandler) Append(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if msg := req.validate(); msg != "" {
		JSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed", "message": msg})
		return
	}

	view, err := h.messages.Append(r.Context(), userID, req.SessionID, req.Text)
	if err != nil {
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusCreated, view)
}

// Retry re-opens a failed session with a fresh user message.
func (h *MessageHandler) Retry(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if msg := req.validate(); msg != "" {
		JSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed", "message": msg})
		return
	}

	view, err := h.messages.RetryFailed(r.Context(), userID, req.SessionID, req.Text)
	if err != nil {
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusCreated, view)
}

// List returns a newest-first page of the session's messages.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = min(n, maxPageSize)
	}
	cursor := r.URL.Query().Get("cursor")

	page, err := h.messages.List(r.Context(), userID, sessionID, limit, cursor)
	if err != nil {
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, page)
}

// BotResponse polls for a fresh bot reply.
func (h *MessageHandler) BotResponse(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	latest := r.URL.Query().Get("latest_user_message_id")

	reply, err := h.messages.BotReplyFor(r.Context(), userID, sessionID, latest)
	if err != nil {
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, reply)
}

// Delete soft-deletes one of the caller's messages.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	messageID := chi.URLParam(r, "messageID")

	if err := h.messages.SoftDelete(r.Context(), userID, sessionID, messageID); err != nil {
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
