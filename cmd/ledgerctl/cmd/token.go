package cmd

import (
	"errors"
	"time"

	"github.com/animus-labs/ledger-go/internal/platform/auth"
	"github.com/animus-labs/ledger-go/internal/platform/env"
	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Service tokens for LEDGER_AUTH_MODE=token",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Mint a signed service token",
	Long: `Signs an HS256 token with LEDGER_AUTH_TOKEN_SECRET using the issuer and
audience dispatch expects (LEDGER_AUTH_TOKEN_ISSUER, LEDGER_AUTH_TOKEN_AUDIENCE).`,
	RunE: runTokenIssue,
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject (defaults to --principal)")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	subject := tokenSubject
	if subject == "" {
		subject = principal
	}
	if subject == "" {
		return errors.New("--subject or --principal is required")
	}
	cfg := auth.Config{
		Mode:           auth.ModeToken,
		PrincipalClaim: "sub",
		TokenSecret:    env.String("LEDGER_AUTH_TOKEN_SECRET", ""),
		TokenIssuer:    env.String("LEDGER_AUTH_TOKEN_ISSUER", "ledger"),
		TokenAudience:  env.String("LEDGER_AUTH_TOKEN_AUDIENCE", "ledger-api"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	token, err := auth.IssueToken(cfg, subject, tokenTTL, time.Now())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"token":      token,
		"subject":    subject,
		"expires_at": time.Now().Add(tokenTTL).UTC().Format(time.RFC3339),
	})
}
