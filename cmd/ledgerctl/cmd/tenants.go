package cmd

import (
	"errors"

	"github.com/animus-labs/ledger-go/internal/app"
	"github.com/animus-labs/ledger-go/internal/provider"
	"github.com/animus-labs/ledger-go/internal/seed"
	"github.com/spf13/cobra"
)

var seedFile string

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Tenant directory administration",
}

var tenantsApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Upsert tenants from a seed file",
	Long: `Reads a ledger.seed.v1 YAML file and upserts its tenants.

Provider entries are validated but only take effect in dispatch, which
loads the same file through LEDGER_SEED_FILE.`,
	RunE: runTenantsApply,
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the tenant directory",
	RunE:  runTenantsList,
}

func init() {
	tenantsApplyCmd.Flags().StringVarP(&seedFile, "file", "f", "", "Seed file")
	tenantsCmd.AddCommand(tenantsApplyCmd, tenantsListCmd)
	rootCmd.AddCommand(tenantsCmd)
}

func runTenantsApply(cmd *cobra.Command, args []string) error {
	if seedFile == "" {
		return errors.New("--file is required")
	}
	file, err := seed.Load(seedFile)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg, err := app.ConfigFromEnv()
	if err != nil {
		return err
	}
	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	registry := provider.NewRegistry(provider.Echo{})
	if err := file.Apply(ctx, store, registry, nil); err != nil {
		return err
	}
	ids := make([]string, 0, len(file.Tenants))
	for _, t := range file.Tenants {
		ids = append(ids, t.ID)
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"tenants":   ids,
		"providers": registry.Names(),
	})
}

func runTenantsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := app.ConfigFromEnv()
	if err != nil {
		return err
	}
	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tenants, err := store.ListTenants(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), tenants)
}
