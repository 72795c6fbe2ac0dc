package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Server exposes the authentication surface over HTTP. Token and session
// failures are collapsed into uniform authentication-failure responses so
// internal state never leaks to the caller.
type Server struct {
	sessions *SessionManager
	linker   *AccountLinker
	authsrv  *AuthorizationServer
	codec    *TokenCodec
	config   *Config
	logger   *zap.Logger
}

func NewServer(sessions *SessionManager, linker *AccountLinker, authsrv *AuthorizationServer, codec *TokenCodec, config *Config, logger *zap.Logger) *Server {
	return &Server{
		sessions: sessions,
		linker:   linker,
		authsrv:  authsrv,
		codec:    codec,
		config:   config,
		logger:   logger,
	}
}

func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Locale   string `json:"locale"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	principal, err := s.sessions.Register(r.Context(), req.Email, req.Password, req.Locale)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			respondError(w, http.StatusConflict, "conflict", "Account already exists")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to register")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{
		"principal_id": principal.ID.String(),
		"email":        principal.Email,
	})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		DeviceName string `json:"device_name"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	pair, err := s.sessions.Login(r.Context(), req.Email, req.Password, deviceInfoFromRequest(r, req.DeviceName))
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			respondError(w, http.StatusUnauthorized, "login_failed", "Authentication failed")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to login")
		return
	}

	respondJSON(w, http.StatusOK, pair)
}

func (s *Server) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	pair, err := s.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if isAuthFailure(err) {
			respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired refresh token")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to refresh token")
		return
	}

	respondJSON(w, http.StatusOK, pair)
}

func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	claims, err := s.extractAccessClaims(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	if err := s.sessions.Logout(r.Context(), claims.Subject, req.RefreshToken); err != nil {
		if errors.Is(err, ErrForbidden) {
			respondError(w, http.StatusForbidden, "forbidden", "Cannot revoke another principal's session")
			return
		}
		if isAuthFailure(err) {
			respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid refresh token")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to logout")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "logged_out",
	})
}

func (s *Server) HandleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	claims, err := s.extractAccessClaims(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	count, err := s.sessions.LogoutAll(r.Context(), claims.Subject)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to logout from all devices")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "logged_out_all_devices",
		"revoked_count": count,
	})
}

type sessionResponse struct {
	ID         string    `json:"id"`
	DeviceName string    `json:"device_name"`
	UserAgent  string    `json:"user_agent"`
	IPAddress  string    `json:"ip_address"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (s *Server) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodGet) {
		return
	}

	claims, err := s.extractAccessClaims(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	sessions, err := s.sessions.ListSessions(r.Context(), claims.Subject)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to list sessions")
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse{
			ID:         sess.ID.String(),
			DeviceName: sess.DeviceName,
			UserAgent:  sess.UserAgent,
			IPAddress:  sess.IPAddress,
			IsActive:   sess.IsActive,
			CreatedAt:  sess.CreatedAt,
			LastUsedAt: sess.LastUsedAt,
			ExpiresAt:  sess.ExpiresAt,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) HandleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodDelete) {
		return
	}

	caller, err := s.requirePrincipal(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid session id")
		return
	}

	if err := s.sessions.RevokeSession(r.Context(), caller, sessionID); err != nil {
		switch {
		case errors.Is(err, ErrForbidden):
			respondError(w, http.StatusForbidden, "forbidden", "Cannot revoke another principal's session")
		case errors.Is(err, ErrNotFound):
			respondError(w, http.StatusNotFound, "not_found", "Session not found")
		default:
			respondError(w, http.StatusInternalServerError, "internal_error", "Failed to revoke session")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "revoked",
	})
}

func (s *Server) HandleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	caller, err := s.requirePrincipal(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	// Superusers run the global retention sweep; everybody else purges
	// their own expired rows.
	var count int64
	if caller.IsSuperuser {
		count, err = s.sessions.Cleanup(r.Context())
	} else {
		count, err = s.sessions.CleanupOwn(r.Context(), caller.ID)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to cleanup sessions")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"deleted_count": count,
	})
}

func (s *Server) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodGet) {
		return
	}

	principal, err := s.requirePrincipal(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"principal_id": principal.ID.String(),
		"email":        principal.Email,
		"locale":       principal.Locale,
		"has_password": principal.HasPassword(),
		"is_superuser": principal.IsSuperuser,
		"created_at":   principal.CreatedAt,
	})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Helper functions

// extractAccessClaims authenticates the request with its bearer access
// token. A refresh token presented here fails closed.
func (s *Server) extractAccessClaims(r *http.Request) (*Claims, error) {
	token, err := extractBearerToken(r)
	if err != nil {
		return nil, err
	}

	claims, err := s.codec.Verify(token, TokenTypeAccess)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	return claims, nil
}

// requirePrincipal authenticates the request and loads the caller's
// principal row (needed where the superuser flag matters).
func (s *Server) requirePrincipal(r *http.Request) (*Principal, error) {
	claims, err := s.extractAccessClaims(r)
	if err != nil {
		return nil, err
	}

	principal, err := s.sessions.GetPrincipal(r.Context(), claims.Subject)
	if err != nil {
		return nil, err
	}
	if !principal.IsActive || principal.DeletedAt != nil {
		return nil, ErrInvalidToken
	}

	return principal, nil
}

func isAuthFailure(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken) ||
		errors.Is(err, ErrMissingClaim) ||
		errors.Is(err, ErrSessionRevoked) ||
		errors.Is(err, ErrInvalidCredentials)
}

func deviceInfoFromRequest(r *http.Request, deviceName string) DeviceInfo {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, _ := strings.Cut(fwd, ","); first != "" {
			ip = strings.TrimSpace(first)
		}
	}

	return DeviceInfo{
		DeviceName: deviceName,
		UserAgent:  r.UserAgent(),
		IPAddress:  ip,
	}
}

func validateMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid authorization header format")
	}

	return parts[1], nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
