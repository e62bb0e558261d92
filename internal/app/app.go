// Package app assembles the storage, credential, and archive components
// shared by the dispatch service and ledgerctl.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/animus-labs/ledger-go/internal/auditexport"
	"github.com/animus-labs/ledger-go/internal/chain"
	"github.com/animus-labs/ledger-go/internal/credentials"
	"github.com/animus-labs/ledger-go/internal/platform/env"
	"github.com/animus-labs/ledger-go/internal/platform/objectstore"
	"github.com/animus-labs/ledger-go/internal/platform/postgres"
	platformsqlite "github.com/animus-labs/ledger-go/internal/platform/sqlite"
	"github.com/animus-labs/ledger-go/internal/repo"
	"github.com/animus-labs/ledger-go/internal/repo/memory"
	pgrepo "github.com/animus-labs/ledger-go/internal/repo/postgres"
	sqliterepo "github.com/animus-labs/ledger-go/internal/repo/sqlite"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Store          string
	SeedFile       string
	ArchiveEnabled bool
}

func ConfigFromEnv() (Config, error) {
	archive, err := env.Bool("LEDGER_ARCHIVE_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Store:          strings.ToLower(strings.TrimSpace(env.String("LEDGER_STORE", StoreSQLite))),
		SeedFile:       strings.TrimSpace(env.String("LEDGER_SEED_FILE", "")),
		ArchiveEnabled: archive,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite, StorePostgres:
		return nil
	default:
		return fmt.Errorf("LEDGER_STORE must be one of: memory, sqlite, postgres (got %q)", c.Store)
	}
}

// OpenStore opens the configured backend and applies its schema.
func OpenStore(ctx context.Context, cfg Config) (repo.Store, error) {
	switch cfg.Store {
	case StoreMemory:
		return memory.New(), nil
	case StoreSQLite:
		sqlCfg, err := platformsqlite.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		store, err := sqliterepo.Open(ctx, sqlCfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StorePostgres:
		pgCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		db, err := postgres.Open(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		store := pgrepo.New(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
}

// Resolver returns the sealed credential resolver when an age identity is
// configured. Without one every command fails with CREDENTIAL_MISSING.
func Resolver(store repo.CredentialRepository, logger *slog.Logger) (credentials.Resolver, error) {
	identity := strings.TrimSpace(env.String("LEDGER_CREDENTIALS_IDENTITY", ""))
	identityFile := strings.TrimSpace(env.String("LEDGER_CREDENTIALS_IDENTITY_FILE", ""))
	if identity == "" && identityFile == "" {
		logger.Warn("no credential identity configured; commands will fail with CREDENTIAL_MISSING")
		return credentials.NewStaticResolver(), nil
	}
	sealed, err := SealedResolver(store)
	if err != nil {
		return nil, err
	}
	if sealed == nil {
		return nil, errors.New("credential repository is required")
	}
	return sealed, nil
}

func SealedResolver(store repo.CredentialRepository) (*credentials.SealedResolver, error) {
	cfg, err := credentials.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	identity, err := cfg.LoadIdentity()
	if err != nil {
		return nil, err
	}
	return credentials.NewSealedResolver(store, identity), nil
}

// Archiver returns nil when archiving is disabled.
func Archiver(ctx context.Context, cfg Config, ledger *chain.Ledger, logger *slog.Logger) (*auditexport.Archiver, func(context.Context) error, error) {
	if !cfg.ArchiveEnabled {
		return nil, nil, nil
	}
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	exportCfg, err := auditexport.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	client, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		return nil, nil, err
	}
	if err := objectstore.EnsureBucket(ctx, client, storeCfg); err != nil {
		return nil, nil, err
	}
	store, err := objectstore.NewMinioStore(client)
	if err != nil {
		return nil, nil, err
	}
	archiver, err := auditexport.NewArchiver(ledger, store, storeCfg.Bucket, exportCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	check := func(ctx context.Context) error {
		return objectstore.CheckBucket(ctx, client, storeCfg)
	}
	return archiver, check, nil
}
