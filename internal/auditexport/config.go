package auditexport

import (
	"fmt"
	"strings"

	"github.com/animus-labs/ledger-go/internal/platform/env"
)

// Config controls the archive format and where archives land in the bucket.
type Config struct {
	Compression string
	Prefix      string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Compression: env.String("LEDGER_ARCHIVE_COMPRESSION", "zstd"),
		Prefix:      env.String("LEDGER_ARCHIVE_PREFIX", "chains"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Compression)) {
	case "", "zstd", "none":
	default:
		return fmt.Errorf("unsupported archive compression: %s", c.Compression)
	}
	if strings.Contains(c.Prefix, "..") {
		return fmt.Errorf("archive prefix must not contain '..': %q", c.Prefix)
	}
	return nil
}

func (c Config) compressed() bool {
	return strings.ToLower(strings.TrimSpace(c.Compression)) != "none"
}
