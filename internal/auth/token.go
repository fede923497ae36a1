// Package auth validates HS256 bearer tokens and carries the caller's tenant through request contexts.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds the shared secret and expected issuer.
type Config struct {
	Secret string
	Issuer string
}

// Claims is the authenticated caller.
type Claims struct {
	Subject   string
	TenantID  string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

var (
	// ErrMissingToken is returned when no bearer token was presented.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken wraps every signature, issuer, expiry and claim failure.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// scopeList accepts both the OAuth space-delimited "scope" string and a JSON array.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var joined string
	if err := json.Unmarshal(data, &joined); err == nil {
		*s = strings.Fields(joined)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("scopes must be a string or an array of strings: %w", err)
	}
	*s = list
	return nil
}

type wireClaims struct {
	TenantID string    `json:"tenant_id"`
	Scopes   scopeList `json:"scopes,omitempty"`
	Scope    scopeList `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Parse verifies token against cfg. Tokens must carry exp, sub and tenant_id.
func Parse(token string, cfg Config) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	var wc wireClaims
	_, err := jwt.ParseWithClaims(token, &wc,
		func(*jwt.Token) (any, error) { return []byte(cfg.Secret), nil },
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if wc.Subject == "" || wc.TenantID == "" {
		return nil, fmt.Errorf("%w: sub and tenant_id are required", ErrInvalidToken)
	}

	scopes := wc.Scopes
	if len(scopes) == 0 {
		scopes = wc.Scope
	}
	return &Claims{
		Subject:   wc.Subject,
		TenantID:  wc.TenantID,
		Scopes:    scopeSet(scopes),
		ExpiresAt: wc.ExpiresAt.Time,
	}, nil
}

// Sign issues an HS256 token for claims. Scopes are written as a sorted array.
func Sign(claims Claims, cfg Config) (string, error) {
	scopes := make(scopeList, 0, len(claims.Scopes))
	for scope := range claims.Scopes {
		scopes = append(scopes, scope)
	}
	slices.Sort(scopes)

	return jwt.NewWithClaims(jwt.SigningMethodHS256, wireClaims{
		TenantID: claims.TenantID,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	}).SignedString([]byte(cfg.Secret))
}

// NewClaims builds Claims valid for ttl from now.
func NewClaims(subject, tenantID string, ttl time.Duration, scopes ...string) Claims {
	return Claims{Subject: subject, TenantID: tenantID, Scopes: scopeSet(scopes), ExpiresAt: time.Now().Add(ttl)}
}

func scopeSet(scopes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

// HasScope reports whether the caller was granted scope. A nil caller has no scopes.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Scopes[scope]
	return ok
}
