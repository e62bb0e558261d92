// Package cmd implements ledgerctl, the operator CLI for tenant audit chains.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/animus-labs/ledger-go/internal/app"
	"github.com/animus-labs/ledger-go/internal/chain"
	"github.com/animus-labs/ledger-go/internal/credentials"
	"github.com/animus-labs/ledger-go/internal/executor"
	"github.com/animus-labs/ledger-go/internal/isolation"
	"github.com/animus-labs/ledger-go/internal/platform/env"
	"github.com/animus-labs/ledger-go/internal/provider"
	"github.com/animus-labs/ledger-go/internal/repo"
	"github.com/animus-labs/ledger-go/internal/service/ledger"
	"github.com/spf13/cobra"
)

var (
	principal string
	tenantID  string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Inspect and administer tenant audit chains",
	Long: `ledgerctl talks to the ledger store directly.

Chain commands run through the same isolation guard as the dispatch
service, so --principal must be a member (or owner) of --tenant.

Storage is selected with LEDGER_STORE (memory, sqlite, postgres) and the
backend settings (LEDGER_SQLITE_PATH or LEDGER_DATABASE_URL).`,
	SilenceUsage: true,
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&principal, "principal", env.String("LEDGER_PRINCIPAL", ""), "Acting principal (env LEDGER_PRINCIPAL)")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", env.String("LEDGER_TENANT", ""), "Tenant id (env LEDGER_TENANT)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil))
}

// session is an open store plus the guarded service over it. The executor
// is never started: ledgerctl does not run commands.
type session struct {
	store repo.Store
	svc   *ledger.Service
}

func (s *session) Close() {
	_ = s.store.Close()
}

type sessionOptions struct {
	archive     bool
	credentials bool
}

func openSession(ctx context.Context, logger *slog.Logger, opts sessionOptions) (*session, error) {
	cfg, err := app.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := buildSession(ctx, store, cfg, logger, opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

func buildSession(ctx context.Context, store repo.Store, cfg app.Config, logger *slog.Logger, opts sessionOptions) (*session, error) {
	audit := chain.New(store, logger)

	var resolver credentials.Resolver = credentials.NewStaticResolver()
	var sealed *credentials.SealedResolver
	if opts.credentials {
		r, err := app.SealedResolver(store)
		if err != nil {
			return nil, err
		}
		resolver, sealed = r, r
	}
	exec, err := executor.New(executor.DefaultConfig(), executor.Deps{
		Chain:     audit,
		Commands:  store,
		Resolver:  resolver,
		Providers: provider.NewRegistry(provider.Echo{}),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	deps := ledger.Deps{
		Guard:    isolation.NewGuard(store, audit, logger),
		Chain:    audit,
		Queue:    exec,
		Commands: store,
		Purger:   store,
		Logger:   logger,
	}
	if sealed != nil {
		deps.Credentials = sealed
	}
	if opts.archive {
		cfg.ArchiveEnabled = true
		archiver, _, err := app.Archiver(ctx, cfg, audit, logger)
		if err != nil {
			return nil, err
		}
		deps.Archive = archiver
	}
	svc, err := ledger.New(deps)
	if err != nil {
		return nil, err
	}
	return &session{store: store, svc: svc}, nil
}

func requireScope() error {
	if strings.TrimSpace(principal) == "" {
		return fmt.Errorf("--principal (or LEDGER_PRINCIPAL) is required")
	}
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("--tenant (or LEDGER_TENANT) is required")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
