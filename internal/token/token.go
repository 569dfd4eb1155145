// Package token issues and verifies caller tokens. A token binds an actor to
// exactly one tenant; the gateway rejects requests whose token tenant differs
// from the X-Tenant-ID header.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrSecretTooWeak = errors.New("token secret must be at least 32 bytes")
)

// DefaultTTL is the lifetime of issued tokens when none is configured.
const DefaultTTL = time.Hour

// Claims are the registered claims plus the tenant binding.
type Claims struct {
	TenantID string `json:"tid"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Actor returns the token subject.
func (c *Claims) Actor() string {
	return c.Subject
}

// Service signs HS256 tokens with a shared secret.
type Service struct {
	issuer string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a token service.
func NewService(issuer string, secret []byte, ttl time.Duration) (*Service, error) {
	if len(secret) < 32 {
		return nil, ErrSecretTooWeak
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		issuer: issuer,
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue returns a signed token for actorID inside tenantID.
func (s *Service) Issue(tenantID, actorID, role string) (string, error) {
	if tenantID == "" || actorID == "" {
		return "", fmt.Errorf("%w: tenant and actor are required", ErrInvalidToken)
	}
	now := s.now()
	claims := Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses raw and checks signature, issuer, expiry and the tenant
// claim.
func (s *Service) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing tenant or subject", ErrInvalidToken)
	}
	return claims, nil
}
