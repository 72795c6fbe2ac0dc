package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the decoded payload of a bearer token.
type Claims struct {
	Subject   uuid.UUID
	TokenType TokenType
	TokenID   string // jti
	IssuedAt  time.Time
	ExpiresAt time.Time
	Extra     map[string]any
}

// TokenCodec signs and verifies bearer tokens. It is a pure function of the
// signing configuration; exactly one algorithm is ever accepted.
type TokenCodec struct {
	secret []byte
	alg    string
	method jwt.SigningMethod
}

func NewTokenCodec(cfg JWTConfig) (*TokenCodec, error) {
	method := jwt.GetSigningMethod(cfg.Algorithm)
	if method == nil {
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("signing algorithm %q requires an HMAC method", cfg.Algorithm)
	}
	return &TokenCodec{
		secret: []byte(cfg.Secret),
		alg:    cfg.Algorithm,
		method: method,
	}, nil
}

// reserved claims may not be overridden through extra.
var reservedClaims = map[string]struct{}{
	"sub": {}, "type": {}, "jti": {}, "iat": {}, "exp": {},
}

// Issue mints a signed token for subject. It returns the compact token and
// its jti.
func (c *TokenCodec) Issue(subject uuid.UUID, typ TokenType, ttl time.Duration, extra map[string]any) (string, string, error) {
	now := time.Now()
	jti := uuid.NewString()

	claims := jwt.MapClaims{
		"sub":  subject.String(),
		"type": string(typ),
		"jti":  jti,
		"iat":  jwt.NewNumericDate(now),
		"exp":  jwt.NewNumericDate(now.Add(ttl)),
	}
	for k, v := range extra {
		if _, ok := reservedClaims[k]; ok {
			continue
		}
		claims[k] = v
	}

	token := jwt.NewWithClaims(c.method, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, jti, nil
}

// Verify decodes and validates a token. When expectedType is non-empty, a
// type mismatch is reported as ErrInvalidToken even if the token has also
// expired, so an access token can never stand in for a refresh token.
func (c *TokenCodec) Verify(tokenString string, expectedType TokenType) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{c.alg}))

	token, err := parser.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		// WithValidMethods already filters, but the header alg must match
		// the configured one exactly; this covers "none" and substitution.
		if t.Method.Alg() != c.alg {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	})

	// The parser returns decoded claims alongside validation errors; check
	// the type claim before mapping the error so a wrong-type token is
	// always ErrInvalidToken.
	var mapClaims jwt.MapClaims
	if token != nil {
		mapClaims, _ = token.Claims.(jwt.MapClaims)
	}
	if expectedType != "" && mapClaims != nil {
		typ, ok := mapClaims["type"].(string)
		if ok && TokenType(typ) != expectedType {
			return nil, ErrInvalidToken
		}
	}

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || mapClaims == nil {
		return nil, ErrInvalidToken
	}

	return claimsFromMap(mapClaims)
}

func claimsFromMap(mc jwt.MapClaims) (*Claims, error) {
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	subject, err := uuid.Parse(sub)
	if err != nil {
		return nil, ErrInvalidToken
	}

	typ, _ := mc["type"].(string)
	if typ == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingClaim)
	}

	jti, _ := mc["jti"].(string)
	if jti == "" {
		return nil, fmt.Errorf("%w: jti", ErrMissingClaim)
	}

	claims := &Claims{
		Subject:   subject,
		TokenType: TokenType(typ),
		TokenID:   jti,
		Extra:     make(map[string]any),
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	for k, v := range mc {
		if _, ok := reservedClaims[k]; ok {
			continue
		}
		claims.Extra[k] = v
	}

	return claims, nil
}
