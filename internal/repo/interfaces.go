package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/ledger-go/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// BuildEntryFunc derives the next chain entry from the locked chain head.
// It runs inside the append transaction and must not touch storage itself.
type BuildEntryFunc func(head domain.ChainHead) (domain.ChainEntry, error)

// ChainRepository stores per-tenant audit chains. Entries are append-only;
// the only deletion is the removal of a tenant's whole chain.
type ChainRepository interface {
	AppendEntry(ctx context.Context, tenantID string, build BuildEntryFunc) (domain.ChainEntry, error)
	// ListEntries returns up to limit entries with index > afterIndex in ascending order.
	ListEntries(ctx context.Context, tenantID string, afterIndex int64, limit int) ([]domain.ChainEntry, error)
	Head(ctx context.Context, tenantID string) (domain.ChainHead, error)
	DeleteChain(ctx context.Context, tenantID string) (int64, error)
}

type CommandFilter struct {
	TenantID string
	Status   domain.CommandStatus
	Limit    int
}

// CommandRepository persists command lifecycle state, always scoped by tenant.
type CommandRepository interface {
	// CreateCommand returns ErrConflict when the command id already exists in any tenant.
	CreateCommand(ctx context.Context, cmd domain.Command) error
	GetCommand(ctx context.Context, tenantID, id string) (domain.Command, error)
	// CommandExists reports whether the id is taken in any tenant. It reveals
	// nothing else about the owning command.
	CommandExists(ctx context.Context, id string) (bool, error)
	ListCommands(ctx context.Context, filter CommandFilter) ([]domain.Command, error)
	// UpdateCommandStatus moves a command from -> to, returning ErrConflict if it is not in from.
	UpdateCommandStatus(ctx context.Context, tenantID, id string, from, to domain.CommandStatus, result *domain.Result) error
}

type TenantRepository interface {
	GetTenant(ctx context.Context, id string) (domain.Tenant, error)
	UpsertTenant(ctx context.Context, tenant domain.Tenant) error
	ListTenants(ctx context.Context) ([]domain.Tenant, error)
}

type SealedCredential struct {
	TenantID   string
	Provider   string
	Ciphertext string
	UpdatedAt  time.Time
}

type CredentialRepository interface {
	PutCredential(ctx context.Context, cred SealedCredential) error
	GetCredential(ctx context.Context, tenantID, provider string) (SealedCredential, error)
	DeleteCredential(ctx context.Context, tenantID, provider string) error
}

type PurgeCounts struct {
	Entries     int64
	Commands    int64
	Credentials int64
}

// TenantPurger removes every record of a tenant in one transaction.
type TenantPurger interface {
	PurgeTenant(ctx context.Context, tenantID string) (PurgeCounts, error)
}

// Store is the full persistence surface used by the ledger service.
type Store interface {
	ChainRepository
	CommandRepository
	TenantRepository
	CredentialRepository
	TenantPurger
	Ping(ctx context.Context) error
	Close() error
}
