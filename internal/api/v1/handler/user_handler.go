package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"dartscoach/internal/api/v1/dto"
	"dartscoach/internal/middleware"
	"dartscoach/internal/service"

	"github.com/go-playground/validator/v10"
)

type UserHandler struct {
	userService  service.UserService
	quotaService service.QuotaService
	validate     *validator.Validate
}

func NewUserHandler(userService service.UserService, quotaService service.QuotaService, v *validator.Validate) *UserHandler {
	return &UserHandler{userService: userService, quotaService: quotaService, validate: v}
}

// RegisterRoutes mounts v1 user routes
func (h *UserHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/users/me", authMw(http.HandlerFunc(h.handleUsers)))
	mux.Handle("/users/me/usage", authMw(http.HandlerFunc(h.getUsage)))
}

func (h *UserHandler) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/users/me":
		h.createUser(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/users/me":
		h.getUser(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *UserHandler) createUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}

	var req dto.UserCreateDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	profile, err := h.userService.Create(r.Context(), userID, req.Name, req.Email)
	if err != nil {
		http.Error(w, "Failed to create user: "+err.Error(), http.StatusInternalServerError)
		return
	}

	resp := dto.UserResponseDTO{
		UserID:    profile.UserID,
		Name:      profile.Name,
		Email:     profile.Email,
		IsPaid:    profile.IsPaid,
		PlanType:  profile.PlanType,
		CreatedAt: profile.CreatedAt,
		UpdatedAt: profile.UpdatedAt,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func (h *UserHandler) getUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok {
		http.Error(w, "User ID not found in context", http.StatusUnauthorized)
		return
	}

	profile, err := h.userService.Get(r.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUserNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	resp := dto.UserResponseDTO{
		UserID:    profile.UserID,
		Name:      profile.Name,
		Email:     profile.Email,
		IsPaid:    profile.IsPaid,
		PlanType:  profile.PlanType,
		CreatedAt: profile.CreatedAt,
		UpdatedAt: profile.UpdatedAt,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// getUsage godoc
// @Summary Report the authenticated user's quota position
// @Tags users
// @Produce json
// @Success 200 {object} dto.UsageResponseDTO
// @Router /users/me/usage [get]
func (h *UserHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: user ID not found in context", http.StatusUnauthorized)
		return
	}

	profile, err := h.quotaService.Usage(r.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrProfileNotFound) {
			http.Error(w, "profile not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to retrieve usage: "+err.Error(), http.StatusInternalServerError)
		return
	}

	resp := dto.UsageResponseDTO{
		PlanType:      profile.PlanType,
		IsPaid:        profile.IsPaid,
		AnalysisCount: profile.AnalysisCount,
		AnalysisLimit: profile.AnalysisLimit,
		Remaining:     profile.Remaining(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
