package cmd

import (
	"errors"

	"github.com/spf13/cobra"
)

var purgeConfirm bool

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete a tenant's chain, commands and credentials",
	Long: `Removes every record the tenant owns. Only the tenant owner may purge.

This cannot be undone; export the chain first if it must be retained.`,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeConfirm, "yes", false, "Confirm the purge")
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	if err := requireScope(); err != nil {
		return err
	}
	if !purgeConfirm {
		return errors.New("refusing to purge without --yes")
	}
	ctx := cmd.Context()
	s, err := openSession(ctx, newLogger(cmd), sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.svc.Purge(ctx, principal, tenantID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}
