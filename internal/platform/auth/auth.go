// Package auth resolves the calling principal of an HTTP request. Tenancy
// decisions are made later by the isolation guard; this package only
// establishes who is asking.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/ledger-go/internal/platform/env"
)

type Mode string

const (
	ModeOIDC  Mode = "oidc"
	ModeToken Mode = "token"
	ModeDev   Mode = "dev"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	PrincipalClaim string

	OIDCIssuerURL string
	OIDCClientID  string

	TokenSecret   string
	TokenIssuer   string
	TokenAudience string
	TokenLeeway   time.Duration

	DevPrincipal string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("LEDGER_AUTH_MODE", string(ModeOIDC))))
	mode := Mode(modeRaw)
	switch mode {
	case ModeOIDC, ModeToken, ModeDev:
	default:
		return Config{}, fmt.Errorf("LEDGER_AUTH_MODE must be one of: oidc, token, dev (got %q)", modeRaw)
	}
	leeway, err := env.Duration("LEDGER_AUTH_TOKEN_LEEWAY", 30*time.Second)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:           mode,
		PrincipalClaim: env.String("LEDGER_AUTH_PRINCIPAL_CLAIM", "sub"),
		OIDCIssuerURL:  env.String("LEDGER_OIDC_ISSUER_URL", ""),
		OIDCClientID:   env.String("LEDGER_OIDC_CLIENT_ID", ""),
		TokenSecret:    env.String("LEDGER_AUTH_TOKEN_SECRET", ""),
		TokenIssuer:    env.String("LEDGER_AUTH_TOKEN_ISSUER", "ledger"),
		TokenAudience:  env.String("LEDGER_AUTH_TOKEN_AUDIENCE", "ledger-api"),
		TokenLeeway:    leeway,
		DevPrincipal:   env.String("LEDGER_DEV_PRINCIPAL", "dev-user"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.PrincipalClaim) == "" {
		return errors.New("LEDGER_AUTH_PRINCIPAL_CLAIM is required")
	}
	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("LEDGER_OIDC_ISSUER_URL is required when LEDGER_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("LEDGER_OIDC_CLIENT_ID is required when LEDGER_AUTH_MODE=oidc")
		}
	case ModeToken:
		if len(strings.TrimSpace(c.TokenSecret)) < 32 {
			return errors.New("LEDGER_AUTH_TOKEN_SECRET must be at least 32 characters when LEDGER_AUTH_MODE=token")
		}
		if c.TokenLeeway < 0 {
			return errors.New("LEDGER_AUTH_TOKEN_LEEWAY must be >= 0")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevPrincipal) == "" {
			return errors.New("LEDGER_DEV_PRINCIPAL is required when LEDGER_AUTH_MODE=dev")
		}
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}
