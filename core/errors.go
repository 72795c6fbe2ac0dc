package core

import "errors"

// Closed error taxonomy. Boundaries compare with errors.Is and collapse
// authentication failures into uniform responses; anything outside this set
// is treated as a fatal store/infrastructure fault.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing claim")

	// ErrSessionRevoked is reported when a refresh token maps to a session
	// row that exists but has been deactivated. Distinct from ErrNotFound
	// so replay of a rotated-out or revoked token is observable as such.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrInvalidCredentials covers both unknown email and wrong password;
	// callers must never be able to tell the two apart.
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrForbidden = errors.New("forbidden")
	ErrConflict  = errors.New("conflict")

	ErrUnsupportedProvider = errors.New("unsupported provider")

	// Provider-mode (RFC 6749) failures surfaced on the token endpoint.
	ErrInvalidClient = errors.New("invalid client")
	ErrInvalidGrant  = errors.New("invalid grant")
	ErrInvalidScope  = errors.New("invalid scope")
)
