package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/animus-labs/ledger-go/internal/platform/httpserver"
	"github.com/animus-labs/ledger-go/internal/platform/requestid"
)

type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthenticated"
			}
			m.logDeny(r, reason, err)
			id, _ := requestid.FromContext(r.Context())
			httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{
				"error":      reason,
				"request_id": id,
			})
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) logDeny(r *http.Request, reason string, err error) {
	if m.Logger == nil {
		return
	}
	id, _ := requestid.FromContext(r.Context())
	m.Logger.Warn("auth deny",
		"reason", reason,
		"request_id", id,
		"method", r.Method,
		"path", r.URL.Path,
		"error", err.Error(),
	)
}

// New builds the authenticator selected by cfg.Mode.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	switch cfg.Mode {
	case ModeOIDC:
		a, err := NewOIDCAuthenticator(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	case ModeToken:
		a, err := NewTokenAuthenticator(cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	case ModeDev:
		return NewDevAuthenticator(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}
}
