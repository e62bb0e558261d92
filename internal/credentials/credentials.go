// Package credentials resolves the per-tenant provider credentials a
// command executes with.
package credentials

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "github.com/animus-labs/ledger-go/internal/platform/errors"
	"golang.org/x/oauth2"
)

// Credential is a resolved, unexpired provider credential.
type Credential struct {
	TenantID string
	Provider string
	Token    *oauth2.Token
}

// Resolver returns the credential for (tenant, provider). Any error is
// fatal for the command being executed.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, provider string) (Credential, error)
}

// CheckToken classifies a token as usable, missing, or expired at now.
func CheckToken(token *oauth2.Token, now time.Time) error {
	if token == nil || strings.TrimSpace(token.AccessToken) == "" {
		return apperrors.New(apperrors.CodeCredentialMissing, "credential has no access token")
	}
	if !token.Expiry.IsZero() && !now.Before(token.Expiry) {
		return apperrors.WithMetadata(apperrors.CodeCredentialExpired, "credential expired", map[string]string{
			"expired_at": token.Expiry.UTC().Format(time.RFC3339),
		})
	}
	return nil
}

// StaticResolver serves credentials from memory.
type StaticResolver struct {
	mu     sync.RWMutex
	tokens map[string]*oauth2.Token
	now    func() time.Time
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{tokens: make(map[string]*oauth2.Token), now: time.Now}
}

func staticKey(tenantID, provider string) string {
	return tenantID + "\x00" + strings.ToLower(provider)
}

func (r *StaticResolver) Set(tenantID, provider string, token *oauth2.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[staticKey(tenantID, provider)] = token
}

func (r *StaticResolver) Resolve(ctx context.Context, tenantID, provider string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	r.mu.RLock()
	token, ok := r.tokens[staticKey(tenantID, provider)]
	r.mu.RUnlock()
	if !ok {
		return Credential{}, apperrors.WithMetadata(apperrors.CodeCredentialMissing, "no credential for provider", map[string]string{
			"tenant_id": tenantID,
			"provider":  provider,
		})
	}
	if err := CheckToken(token, r.now()); err != nil {
		return Credential{}, err
	}
	return Credential{TenantID: tenantID, Provider: provider, Token: token}, nil
}
