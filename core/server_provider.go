package core

import (
	"errors"
	"net/http"
	"net/url"
)

// Provider-mode endpoints: discovery metadata, authorize, token and revoke
// for registered OAuth2 clients (RFC 6749, 7009, 7636, 8414).

func (s *Server) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodGet) {
		return
	}

	respondJSON(w, http.StatusOK, s.authsrv.Metadata())
}

// HandleProviderAuthorize issues an authorization code for an
// authenticated principal. The consent decision itself happens in the
// first-party frontend; this endpoint records it and returns the redirect
// carrying the one-time code.
func (s *Server) HandleProviderAuthorize(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	claims, err := s.extractAccessClaims(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if r.PostFormValue("response_type") != "code" {
		respondOAuthError(w, http.StatusBadRequest, "unsupported_response_type")
		return
	}

	req := AuthorizeRequest{
		ClientID:            r.PostFormValue("client_id"),
		PrincipalID:         claims.Subject,
		RedirectURI:         r.PostFormValue("redirect_uri"),
		Scope:               r.PostFormValue("scope"),
		CodeChallenge:       r.PostFormValue("code_challenge"),
		CodeChallengeMethod: r.PostFormValue("code_challenge_method"),
	}
	state := r.PostFormValue("state")

	code, err := s.authsrv.Authorize(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidClient):
			respondOAuthError(w, http.StatusUnauthorized, "invalid_client")
		case errors.Is(err, ErrInvalidScope):
			respondOAuthError(w, http.StatusBadRequest, "invalid_scope")
		case errors.Is(err, ErrInvalidGrant):
			respondOAuthError(w, http.StatusBadRequest, "invalid_request")
		default:
			respondOAuthError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		respondOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	query := redirect.Query()
	query.Set("code", code)
	if state != "" {
		query.Set("state", state)
	}
	redirect.RawQuery = query.Encode()

	respondJSON(w, http.StatusOK, map[string]string{
		"code":         code,
		"state":        state,
		"redirect_uri": redirect.String(),
	})
}

// HandleProviderToken is the RFC 6749 token endpoint. Client credentials
// arrive via HTTP Basic or the form body; the body is always
// application/x-www-form-urlencoded.
func (s *Server) HandleProviderToken(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	clientID, clientSecret := clientCredentials(r)
	if clientID == "" {
		respondOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	var (
		resp *ProviderTokenResponse
		err  error
	)

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		resp, err = s.authsrv.ExchangeAuthorizationCode(r.Context(),
			clientID, clientSecret,
			r.PostFormValue("code"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"))
	case "refresh_token":
		resp, err = s.authsrv.RefreshProviderToken(r.Context(),
			clientID, clientSecret,
			r.PostFormValue("refresh_token"))
	default:
		respondOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidClient):
			respondOAuthError(w, http.StatusUnauthorized, "invalid_client")
		case errors.Is(err, ErrInvalidGrant):
			respondOAuthError(w, http.StatusBadRequest, "invalid_grant")
		case errors.Is(err, ErrInvalidScope):
			respondOAuthError(w, http.StatusBadRequest, "invalid_scope")
		default:
			respondOAuthError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	// Token responses must not be cached (RFC 6749 §5.1).
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	respondJSON(w, http.StatusOK, resp)
}

// HandleProviderRevoke is the RFC 7009 revocation endpoint. It returns 200
// whether or not the presented token was valid.
func (s *Server) HandleProviderRevoke(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	clientID, clientSecret := clientCredentials(r)
	if clientID == "" {
		respondOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		respondOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := s.authsrv.Revoke(r.Context(), clientID, clientSecret, token); err != nil {
		if errors.Is(err, ErrInvalidClient) {
			respondOAuthError(w, http.StatusUnauthorized, "invalid_client")
			return
		}
		respondOAuthError(w, http.StatusInternalServerError, "server_error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// clientCredentials reads the relying party's credentials from HTTP Basic
// auth, falling back to the form body (RFC 6749 §2.3.1).
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// respondOAuthError writes an RFC 6749 §5.2 error body.
func respondOAuthError(w http.ResponseWriter, statusCode int, code string) {
	respondJSON(w, statusCode, map[string]string{
		"error": code,
	})
}
