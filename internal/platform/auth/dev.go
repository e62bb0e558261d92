package auth

import (
	"context"
	"net/http"
	"strings"
)

// DevPrincipalHeader lets local callers act as another principal in dev mode.
const DevPrincipalHeader = "X-Ledger-Principal"

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type DevAuthenticator struct {
	principal string
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{principal: cfg.DevPrincipal}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if p := strings.TrimSpace(r.Header.Get(DevPrincipalHeader)); p != "" {
		return Identity{Subject: p, Method: ModeDev}, nil
	}
	return Identity{Subject: a.principal, Method: ModeDev}, nil
}
