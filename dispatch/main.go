package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/ledger-go/internal/apispec"
	"github.com/animus-labs/ledger-go/internal/app"
	"github.com/animus-labs/ledger-go/internal/chain"
	"github.com/animus-labs/ledger-go/internal/credentials"
	"github.com/animus-labs/ledger-go/internal/executor"
	"github.com/animus-labs/ledger-go/internal/isolation"
	"github.com/animus-labs/ledger-go/internal/notify"
	"github.com/animus-labs/ledger-go/internal/platform/auth"
	"github.com/animus-labs/ledger-go/internal/platform/env"
	"github.com/animus-labs/ledger-go/internal/platform/httpserver"
	"github.com/animus-labs/ledger-go/internal/platform/otel"
	"github.com/animus-labs/ledger-go/internal/provider"
	"github.com/animus-labs/ledger-go/internal/seed"
	"github.com/animus-labs/ledger-go/internal/service/ledger"
	"golang.org/x/sync/errgroup"
)

const serviceName = "dispatch"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("dispatch failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	appCfg, err := app.ConfigFromEnv()
	if err != nil {
		return err
	}
	httpCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		return err
	}
	execCfg, err := executor.ConfigFromEnv()
	if err != nil {
		return err
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return err
	}
	otelCfg, err := otel.ConfigFromEnv()
	if err != nil {
		return err
	}
	defaultTTL, err := env.Duration("LEDGER_COMMAND_TTL", 5*time.Minute)
	if err != nil {
		return err
	}

	shutdownTracing, err := otel.Setup(ctx, serviceName, otelCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	store, err := app.OpenStore(ctx, appCfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	registry := provider.NewRegistry(provider.Echo{})
	if appCfg.SeedFile != "" {
		file, err := seed.Load(appCfg.SeedFile)
		if err != nil {
			return err
		}
		if err := file.Apply(ctx, store, registry, nil); err != nil {
			return err
		}
		logger.Info("seed applied", "tenants", len(file.Tenants), "providers", registry.Names())
	}

	resolver, err := app.Resolver(store, logger)
	if err != nil {
		return err
	}

	audit := chain.New(store, logger)
	guard := isolation.NewGuard(store, audit, logger)
	hub := notify.NewHub(logger, env.CSV("LEDGER_WS_ALLOWED_ORIGINS", nil))
	outbound := notify.NewChannel(256)

	exec, err := executor.New(execCfg, executor.Deps{
		Chain:     audit,
		Commands:  store,
		Resolver:  resolver,
		Providers: registry,
		Notifier:  notify.Multi{hub, outbound},
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	archiver, checkBucket, err := app.Archiver(ctx, appCfg, audit, logger)
	if err != nil {
		return err
	}
	deps := ledger.Deps{
		Guard:       guard,
		Chain:       audit,
		Queue:       exec,
		Commands:    store,
		Purger:      store,
		Subscribers: hub,
		Logger:      logger,
	}
	if archiver != nil {
		deps.Archive = archiver
	}
	if sealed, ok := resolver.(*credentials.SealedResolver); ok {
		deps.Credentials = sealed
	}
	svc, err := ledger.New(deps)
	if err != nil {
		return err
	}

	tenants, err := store.ListTenants(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(tenants))
	for _, t := range tenants {
		ids = append(ids, t.ID)
	}
	if err := exec.Recover(ctx, ids); err != nil {
		return err
	}

	validator, err := apispec.Load(ctx)
	if err != nil {
		return err
	}
	authenticator, err := auth.New(ctx, authCfg)
	if err != nil {
		return err
	}

	checks := []httpserver.ReadinessCheck{{
		Name: "store",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return store.Ping(checkCtx)
		},
	}}
	if checkBucket != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "archive",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return checkBucket(checkCtx)
			},
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.Readyz(serviceName, func() any {
		return map[string]any{
			"executor":              exec.Snapshot(),
			"notifications_dropped": outbound.Dropped(),
		}
	}, checks...))

	api := newDispatchAPI(logger, svc, validator, hub, defaultTTL)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		SkipPrefixes:  []string{"/healthz", "/readyz", "/openapi.yaml"},
	}.Wrap(mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return exec.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case n := <-outbound.C():
				logger.Info("command finished",
					"tenant_id", n.TenantID,
					"command_id", n.CommandID,
					"status", string(n.Status),
					"error_code", n.ErrorCode,
				)
			}
		}
	})
	g.Go(func() error {
		err := httpserver.Run(gctx, logger, httpCfg, httpserver.Wrap(logger, serviceName, handler))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}
