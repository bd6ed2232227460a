package handlers

import (
	"context"
	"net/http"

	"consult-chat/internal/database"
	"consult-chat/internal/models"
	"consult-chat/pkg/logger"
)

// ProfileHandlers serves the counterpart directory the client picks rooms from.
type ProfileHandlers struct {
	profiles database.ProfileRepository
}

func NewProfileHandlers(profiles database.ProfileRepository) *ProfileHandlers {
	return &ProfileHandlers{profiles: profiles}
}

func (h *ProfileHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /doctors", h.ListDoctors)
	// Path used by the original web client.
	mux.HandleFunc("GET /docters", h.ListDoctors)
	mux.HandleFunc("GET /users", h.ListUsers)
}

func (h *ProfileHandlers) ListDoctors(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.profiles.ListDoctors)
}

func (h *ProfileHandlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.profiles.ListUsers)
}

func (h *ProfileHandlers) list(w http.ResponseWriter, r *http.Request, fetch func(context.Context) ([]*models.Profile, error)) {
	profiles, err := fetch(r.Context())
	if err != nil {
		logger.Error("List profiles error: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if profiles == nil {
		profiles = []*models.Profile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}
