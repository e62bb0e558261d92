package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/animus-labs/ledger-go/internal/credentials"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

var (
	credProvider     string
	credAccessToken  string
	credTokenType    string
	credRefreshToken string
	credExpiry       string
	credFromFile     string
	sealRecipients   []string
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage sealed provider credentials",
}

var credentialsPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Seal and store a provider token for the tenant",
	Long: `Stores an OAuth2 token for --provider, sealed with the age identity from
LEDGER_CREDENTIALS_IDENTITY or LEDGER_CREDENTIALS_IDENTITY_FILE.

The token comes from flags or, with --from-file, from a JSON document
({"access_token": ..., "token_type": ..., "expiry": ...}). Use "-" for stdin.
Only the tenant owner may write credentials.`,
	RunE: runCredentialsPut,
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove a provider token from the tenant",
	RunE:  runCredentialsDelete,
}

var credentialsSealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Encrypt stdin to age recipients",
	Long:  `Reads plaintext from stdin and prints base64 age ciphertext.`,
	RunE:  runCredentialsSeal,
}

var credentialsKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an age X25519 identity for credential sealing",
	RunE:  runCredentialsKeygen,
}

func init() {
	for _, c := range []*cobra.Command{credentialsPutCmd, credentialsDeleteCmd} {
		c.Flags().StringVar(&credProvider, "provider", "", "Provider name")
		_ = c.MarkFlagRequired("provider")
	}
	credentialsPutCmd.Flags().StringVar(&credAccessToken, "access-token", "", "Access token")
	credentialsPutCmd.Flags().StringVar(&credTokenType, "token-type", "Bearer", "Token type")
	credentialsPutCmd.Flags().StringVar(&credRefreshToken, "refresh-token", "", "Refresh token")
	credentialsPutCmd.Flags().StringVar(&credExpiry, "expiry", "", "Expiry (RFC3339)")
	credentialsPutCmd.Flags().StringVar(&credFromFile, "from-file", "", "Read the token as JSON from a file (- for stdin)")
	credentialsSealCmd.Flags().StringSliceVarP(&sealRecipients, "recipient", "r", nil, "age recipient (repeatable)")

	credentialsCmd.AddCommand(credentialsPutCmd, credentialsDeleteCmd, credentialsSealCmd, credentialsKeygenCmd)
	rootCmd.AddCommand(credentialsCmd)
}

func runCredentialsPut(cmd *cobra.Command, args []string) error {
	if err := requireScope(); err != nil {
		return err
	}
	token, err := tokenFromFlags(cmd.InOrStdin())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, err := openSession(ctx, newLogger(cmd), sessionOptions{credentials: true})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.svc.PutCredential(ctx, principal, tenantID, credProvider, token); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"tenant_id": tenantID,
		"provider":  strings.ToLower(credProvider),
		"stored":    true,
	})
}

func runCredentialsDelete(cmd *cobra.Command, args []string) error {
	if err := requireScope(); err != nil {
		return err
	}
	ctx := cmd.Context()
	s, err := openSession(ctx, newLogger(cmd), sessionOptions{credentials: true})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.svc.DeleteCredential(ctx, principal, tenantID, credProvider); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"tenant_id": tenantID,
		"provider":  strings.ToLower(credProvider),
		"deleted":   true,
	})
}

func tokenFromFlags(stdin io.Reader) (*oauth2.Token, error) {
	if credFromFile != "" {
		var (
			raw []byte
			err error
		)
		if credFromFile == "-" {
			raw, err = io.ReadAll(stdin)
		} else {
			raw, err = os.ReadFile(credFromFile)
		}
		if err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
		var token oauth2.Token
		if err := json.Unmarshal(raw, &token); err != nil {
			return nil, fmt.Errorf("decode token: %w", err)
		}
		return &token, nil
	}
	if strings.TrimSpace(credAccessToken) == "" {
		return nil, errors.New("--access-token or --from-file is required")
	}
	token := &oauth2.Token{
		AccessToken:  credAccessToken,
		TokenType:    credTokenType,
		RefreshToken: credRefreshToken,
	}
	if credExpiry != "" {
		expiry, err := time.Parse(time.RFC3339, credExpiry)
		if err != nil {
			return nil, fmt.Errorf("--expiry: %w", err)
		}
		token.Expiry = expiry
	}
	return token, nil
}

func runCredentialsSeal(cmd *cobra.Command, args []string) error {
	if len(sealRecipients) == 0 {
		return errors.New("at least one --recipient is required")
	}
	plaintext, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return err
	}
	ciphertext, err := credentials.Seal(plaintext, sealRecipients...)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), ciphertext)
	return err
}

func runCredentialsKeygen(cmd *cobra.Command, args []string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "# created: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "# public key: %s\n", identity.Recipient())
	_, err = fmt.Fprintln(w, identity)
	return err
}
