package core

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Account-linking endpoints: building provider redirects, consuming
// callbacks, listing and unlinking accounts.

func (s *Server) HandleLinkAuthorizeURL(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Provider    string `json:"provider"`
		RedirectURI string `json:"redirect_uri"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	// An authenticated caller links the callback identity to their own
	// account; an anonymous caller gets a plain social login.
	var linkingPrincipalID *uuid.UUID
	if claims, err := s.extractAccessClaims(r); err == nil {
		id := claims.Subject
		linkingPrincipalID = &id
	}

	url, state, err := s.linker.BuildAuthorizationURL(r.Context(), Provider(req.Provider), req.RedirectURI, linkingPrincipalID)
	if err != nil {
		if errors.Is(err, ErrUnsupportedProvider) {
			respondError(w, http.StatusBadRequest, "invalid_provider", "Unsupported provider")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to build authorization URL")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"authorization_url": url,
		"state":             state,
	})
}

func (s *Server) HandleLinkCallback(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Provider    string `json:"provider"`
		Code        string `json:"code"`
		State       string `json:"state"`
		RedirectURI string `json:"redirect_uri"`
		DeviceName  string `json:"device_name"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Code == "" || req.State == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "code and state are required")
		return
	}

	pair, err := s.linker.HandleCallback(r.Context(), Provider(req.Provider), req.Code, req.State, req.RedirectURI, deviceInfoFromRequest(r, req.DeviceName))
	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedProvider):
			respondError(w, http.StatusBadRequest, "invalid_provider", "Unsupported provider")
		case errors.Is(err, ErrConflict):
			respondError(w, http.StatusConflict, "conflict", "Identity already linked to another account")
		case isAuthFailure(err), errors.Is(err, ErrProviderTokenExchange), errors.Is(err, ErrProviderUserInfo):
			respondError(w, http.StatusUnauthorized, "login_failed", "Authentication failed")
		default:
			respondError(w, http.StatusInternalServerError, "internal_error", "Failed to complete login")
		}
		return
	}

	respondJSON(w, http.StatusOK, pair)
}

type oauthAccountResponse struct {
	Provider       string    `json:"provider"`
	ProviderUserID string    `json:"provider_user_id"`
	LinkedAt       time.Time `json:"linked_at"`
}

func (s *Server) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodGet) {
		return
	}

	claims, err := s.extractAccessClaims(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	accounts, err := s.linker.ListAccounts(r.Context(), claims.Subject)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to list accounts")
		return
	}

	out := make([]oauthAccountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, oauthAccountResponse{
			Provider:       string(a.Provider),
			ProviderUserID: a.ProviderUserID,
			LinkedAt:       a.CreatedAt,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodDelete) {
		return
	}

	claims, err := s.extractAccessClaims(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	provider := Provider(r.PathValue("provider"))
	if provider == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "provider is required")
		return
	}

	if err := s.linker.Unlink(r.Context(), claims.Subject, provider); err != nil {
		switch {
		case errors.Is(err, ErrConflict):
			respondError(w, http.StatusConflict, "conflict", "Cannot remove the last authentication method")
		case errors.Is(err, ErrNotFound):
			respondError(w, http.StatusNotFound, "not_found", "Account link not found")
		default:
			respondError(w, http.StatusInternalServerError, "internal_error", "Failed to unlink account")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "unlinked",
	})
}
