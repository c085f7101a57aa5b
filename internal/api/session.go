package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/quietmind/quietmind/internal/domain"
	"github.com/quietmind/quietmind/internal/identity"
)

// SessionHandler handles session lifecycle endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/session", func(r chi.Router) {
		r.Post("/", h.GetOrCreate)
		r.Patch("/{sessionID}/close", h.Close)
	})
	r.Get("/api/me", h.GetMe)
}

type sessionResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Created   bool      `json:"created"`
}

func toSessionResponse(s *domain.Session, created bool) sessionResponse {
	return sessionResponse{
		ID:        s.ID,
		Status:    string(s.Status),
		CreatedAt: s.CreatedAt,
		Created:   created,
	}
}

// GetOrCreate returns the caller's in-progress session, creating an active
// one if none exists.
func (h *SessionHandler) GetOrCreate(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sess, created, err := h.sessions.GetOrCreateActive(r.Context(), userID)
	if err != nil {
		DomainError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	JSON(w, status, toSessionResponse(sess, created))
}

// Close transitions the caller's session to ended.
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.sessions.Transition(r.Context(), sessionID, userID, domain.StatusEnded)
	if err != nil {
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, toSessionResponse(sess, false))
}

// GetMe returns the current user's information.
func (h *SessionHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  user.UserID,
		"username": user.Username,
	})
}
