package executor

import (
	"errors"
	"time"

	"github.com/animus-labs/ledger-go/internal/platform/env"
)

type Config struct {
	// MaxConcurrent bounds executing commands across all tenants.
	MaxConcurrent  int
	CallTimeout    time.Duration
	ResolveTimeout time.Duration
	AuditTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  5,
		CallTimeout:    30 * time.Second,
		ResolveTimeout: 5 * time.Second,
		AuditTimeout:   5 * time.Second,
	}
}

func ConfigFromEnv() (Config, error) {
	def := DefaultConfig()
	maxConcurrent, err := env.Int("LEDGER_MAX_CONCURRENT", def.MaxConcurrent)
	if err != nil {
		return Config{}, err
	}
	callTimeout, err := env.Duration("LEDGER_CALL_TIMEOUT", def.CallTimeout)
	if err != nil {
		return Config{}, err
	}
	resolveTimeout, err := env.Duration("LEDGER_RESOLVE_TIMEOUT", def.ResolveTimeout)
	if err != nil {
		return Config{}, err
	}
	auditTimeout, err := env.Duration("LEDGER_AUDIT_TIMEOUT", def.AuditTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		MaxConcurrent:  maxConcurrent,
		CallTimeout:    callTimeout,
		ResolveTimeout: resolveTimeout,
		AuditTimeout:   auditTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return errors.New("LEDGER_MAX_CONCURRENT must be >= 1")
	}
	if c.CallTimeout <= 0 {
		return errors.New("LEDGER_CALL_TIMEOUT must be positive")
	}
	if c.ResolveTimeout <= 0 {
		return errors.New("LEDGER_RESOLVE_TIMEOUT must be positive")
	}
	if c.AuditTimeout <= 0 {
		return errors.New("LEDGER_AUDIT_TIMEOUT must be positive")
	}
	return nil
}
