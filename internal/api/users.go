package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"zbridge/internal/userstore"
	"zbridge/pkg/types"
)

// UserProvisioner is implemented by the user store
type UserProvisioner interface {
	CreateUser(ctx context.Context, u userstore.User) error
	DeleteUser(ctx context.Context, app, id string) error
}

type CreateUserRequest struct {
	App        string `json:"app"`
	ID         string `json:"id"`
	Username   string `json:"username"`
	Role       string `json:"role"`
	Credential string `json:"credential"`
	Email      string `json:"email"`
}

// UserResponse never echoes the credential
type UserResponse struct {
	App       string    `json:"app"`
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FUNCTIONAL DISCOVERY: POST /api/users - add an application user to the store
func (s *Server) createUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req CreateUserRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.sendError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !types.IsValidAppName(req.App) {
		s.sendError(w, types.ErrInvalidAppName.Error(), http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}

	u := userstore.User{
		App:        req.App,
		ID:         strings.TrimSpace(req.ID),
		Username:   strings.TrimSpace(req.Username),
		Role:       req.Role,
		Credential: req.Credential,
		Email:      req.Email,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.users.CreateUser(r.Context(), u); err != nil {
		s.sendStoreError(w, err)
		return
	}

	s.logger.Info("user provisioned", "app", u.App, "user_id", u.ID)
	w.WriteHeader(http.StatusCreated)
	s.encode(w, UserResponse{
		App:       u.App,
		ID:        u.ID,
		Username:  u.Username,
		Role:      u.Role,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
	})
}

// FUNCTIONAL DISCOVERY: DELETE /api/users/:app/:id - remove a user and its cached results
func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	app, id := ps.ByName("app"), ps.ByName("id")
	if !types.IsValidAppName(app) {
		s.sendError(w, types.ErrInvalidAppName.Error(), http.StatusBadRequest)
		return
	}
	if err := s.users.DeleteUser(r.Context(), app, id); err != nil {
		s.sendStoreError(w, err)
		return
	}

	// live sessions keep their login, but nothing computed for them is served again
	cleared := 0
	if s.cache != nil {
		cleared = s.cache.ClearForUser(id)
	}
	s.logger.Info("user removed", "app", app, "user_id", id, "cache_entries", cleared)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, userstore.ErrInvalidUser):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, userstore.ErrDuplicateUser):
		s.sendError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, userstore.ErrUserNotFound):
		s.sendError(w, err.Error(), http.StatusNotFound)
	default:
		s.logger.Error("user store operation failed", "error", err)
		s.sendError(w, "user store unavailable", http.StatusServiceUnavailable)
	}
}

// ARCHITECTURAL DISCOVERY: provisioning is the only write surface of the API,
// so it alone sits behind a bearer token
func (s *Server) adminMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		h := r.Header.Get("Authorization")
		tok := ""
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			tok = strings.TrimSpace(h[7:])
		}
		if subtle.ConstantTimeCompare([]byte(tok), []byte(s.adminToken)) != 1 {
			s.sendError(w, "admin token required", http.StatusUnauthorized)
			return
		}
		next(w, r, ps)
	}
}
