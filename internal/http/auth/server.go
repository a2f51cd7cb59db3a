package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"

	"authd/internal/domain/models"
	"authd/internal/services/auth"

	"github.com/go-chi/chi/v5"
)

const minPasswordLen = 8

// Auth is the service surface the HTTP layer depends on.
type Auth interface {
	Register(
		ctx context.Context,
		email string,
		password string,
	) (userID int64, err error)
	Login(
		ctx context.Context,
		email string,
		password string,
	) (auth.TokenPair, error)
	Refresh(
		ctx context.Context,
		rawRefresh string,
	) (auth.TokenPair, error)
	Logout(ctx context.Context, userID int64) error
	Authenticate(
		ctx context.Context,
		accessToken string,
	) (models.Identity, error)
}

type Server struct {
	logger *slog.Logger
	auth   Auth
}

// NewRouter builds the HTTP router for the auth API.
func NewRouter(logger *slog.Logger, authService Auth) http.Handler {
	s := &Server{logger: logger, auth: authService}

	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/auth/logout", s.handleLogout)
			r.Get("/me", s.handleMe)
		})
	})

	return r
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	UserID int64 `json:"user_id"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type identityResponse struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, map[string]string{"body": "malformed JSON"})
		return
	}

	if details := validateCredentials(req); len(details) > 0 {
		writeValidationError(w, details)
		return
	}

	userID, err := s.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUserAlreadyExists) {
			writeError(w, http.StatusConflict, "user with this email already exists")
			return
		}
		writeInternalError(w)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{UserID: userID})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, map[string]string{"body": "malformed JSON"})
		return
	}

	if req.Email == "" || req.Password == "" {
		details := map[string]string{}
		if req.Email == "" {
			details["email"] = "email is required"
		}
		if req.Password == "" {
			details["password"] = "password is required"
		}
		writeValidationError(w, details)
		return
	}

	pair, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeUnauthorized(w)
			return
		}
		writeInternalError(w)
		return
	}

	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, map[string]string{"body": "malformed JSON"})
		return
	}

	if req.RefreshToken == "" {
		writeValidationError(w, map[string]string{"refresh_token": "refresh_token is required"})
		return
	}

	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		// Forged, replayed and expired tokens are indistinguishable to the
		// caller: every token failure is the same generic 401.
		if errors.Is(err, auth.ErrInvalidRefreshToken) || errors.Is(err, auth.ErrRefreshTokenExpired) {
			writeUnauthorized(w)
			return
		}
		writeInternalError(w)
		return
	}

	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	if err := s.auth.Logout(r.Context(), identity.ID); err != nil {
		writeInternalError(w)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	writeJSON(w, http.StatusOK, identityResponse{ID: identity.ID, Email: identity.Email})
}

func validateCredentials(req credentialsRequest) map[string]string {
	details := map[string]string{}

	if req.Email == "" {
		details["email"] = "email is required"
	} else if addr, err := mail.ParseAddress(req.Email); err != nil || addr.Address != req.Email {
		details["email"] = "email is malformed"
	}

	if req.Password == "" {
		details["password"] = "password is required"
	} else if len(req.Password) < minPasswordLen {
		details["password"] = "password must be at least 8 characters"
	}

	return details
}
