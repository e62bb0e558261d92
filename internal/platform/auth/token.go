package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceClaims are carried by HS256 tokens minted for automation clients.
type ServiceClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenAuthenticator verifies HS256 service tokens signed with a shared secret.
type TokenAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

func NewTokenAuthenticator(cfg Config) (*TokenAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeToken {
		return nil, fmt.Errorf("auth mode must be token (got %q)", cfg.Mode)
	}
	return &TokenAuthenticator{
		secret:   []byte(cfg.TokenSecret),
		issuer:   cfg.TokenIssuer,
		audience: cfg.TokenAudience,
		leeway:   cfg.TokenLeeway,
		now:      time.Now,
	}, nil
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	var claims ServiceClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("parse service token: %w", err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, errors.New("service token carries no subject")
	}
	return Identity{Subject: subject, Email: claims.Email, Method: ModeToken}, nil
}

// IssueToken mints a service token for subject valid for ttl.
func IssueToken(cfg Config, subject string, ttl time.Duration, now time.Time) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	if len(strings.TrimSpace(cfg.TokenSecret)) < 32 {
		return "", errors.New("token secret must be at least 32 characters")
	}
	if now.IsZero() {
		now = time.Now()
	}
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if cfg.TokenAudience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.TokenAudience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.TokenSecret))
}
