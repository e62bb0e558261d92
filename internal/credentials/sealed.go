package credentials

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/animus-labs/ledger-go/internal/platform/env"
	apperrors "github.com/animus-labs/ledger-go/internal/platform/errors"
	"github.com/animus-labs/ledger-go/internal/repo"
	"golang.org/x/oauth2"
)

type Config struct {
	Identity     string
	IdentityFile string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Identity:     env.String("LEDGER_CREDENTIALS_IDENTITY", ""),
		IdentityFile: env.String("LEDGER_CREDENTIALS_IDENTITY_FILE", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Identity) == "" && strings.TrimSpace(c.IdentityFile) == "" {
		return errors.New("LEDGER_CREDENTIALS_IDENTITY or LEDGER_CREDENTIALS_IDENTITY_FILE is required")
	}
	return nil
}

// LoadIdentity parses the age X25519 identity named by the config.
func (c Config) LoadIdentity() (*age.X25519Identity, error) {
	raw := strings.TrimSpace(c.Identity)
	if raw == "" {
		data, err := os.ReadFile(c.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			raw = line
			break
		}
	}
	identity, err := age.ParseX25519Identity(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	return identity, nil
}

// Seal encrypts plaintext to the given age recipients and returns base64 ciphertext.
func Seal(plaintext []byte, recipientKeys ...string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", errors.New("at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return "", fmt.Errorf("parse recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return "", fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts base64 ciphertext produced by Seal.
func Open(ciphertext string, identity age.Identity) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}
	return plaintext, nil
}

// SealedResolver keeps provider tokens encrypted at rest and decrypts them
// only when a command is about to run.
type SealedResolver struct {
	store    repo.CredentialRepository
	identity *age.X25519Identity
	now      func() time.Time
}

func NewSealedResolver(store repo.CredentialRepository, identity *age.X25519Identity) *SealedResolver {
	if store == nil || identity == nil {
		return nil
	}
	return &SealedResolver{store: store, identity: identity, now: time.Now}
}

// Recipient is the public key new credentials must be sealed to.
func (r *SealedResolver) Recipient() string {
	return r.identity.Recipient().String()
}

// Put seals token for (tenant, provider) and stores it, replacing any previous value.
func (r *SealedResolver) Put(ctx context.Context, tenantID, provider string, token *oauth2.Token) error {
	if token == nil {
		return errors.New("token is required")
	}
	plaintext, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	ciphertext, err := Seal(plaintext, r.Recipient())
	if err != nil {
		return err
	}
	return r.store.PutCredential(ctx, repo.SealedCredential{
		TenantID:   tenantID,
		Provider:   strings.ToLower(provider),
		Ciphertext: ciphertext,
		UpdatedAt:  r.now().UTC(),
	})
}

func (r *SealedResolver) Resolve(ctx context.Context, tenantID, provider string) (Credential, error) {
	meta := map[string]string{"tenant_id": tenantID, "provider": provider}
	sealed, err := r.store.GetCredential(ctx, tenantID, strings.ToLower(provider))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Credential{}, apperrors.WithMetadata(apperrors.CodeCredentialMissing, "no credential for provider", meta)
		}
		return Credential{}, apperrors.WrapWithMetadata(apperrors.CodeStorageUnavailable, "load credential", meta, err)
	}

	plaintext, err := Open(sealed.Ciphertext, r.identity)
	if err != nil {
		return Credential{}, apperrors.WrapWithMetadata(apperrors.CodeCredentialMissing, "credential unreadable", meta, err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(plaintext, &token); err != nil {
		return Credential{}, apperrors.WrapWithMetadata(apperrors.CodeCredentialMissing, "credential malformed", meta, err)
	}
	if err := CheckToken(&token, r.now()); err != nil {
		return Credential{}, err
	}
	return Credential{TenantID: tenantID, Provider: provider, Token: &token}, nil
}

func (r *SealedResolver) Delete(ctx context.Context, tenantID, provider string) error {
	return r.store.DeleteCredential(ctx, tenantID, strings.ToLower(provider))
}
