// Package ledger is the tenant-guarded entry point for submitting commands
// and reading, verifying, exporting, or purging a tenant's audit chain.
// Every call is authorized before it touches tenant data.
package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/animus-labs/ledger-go/internal/auditexport"
	"github.com/animus-labs/ledger-go/internal/chain"
	"github.com/animus-labs/ledger-go/internal/domain"
	"github.com/animus-labs/ledger-go/internal/executor"
	"github.com/animus-labs/ledger-go/internal/isolation"
	apperrors "github.com/animus-labs/ledger-go/internal/platform/errors"
	"github.com/animus-labs/ledger-go/internal/repo"
	"golang.org/x/oauth2"
)

type Authorizer interface {
	Authorize(ctx context.Context, principal, tenantID string, op isolation.Operation) error
}

type Chain interface {
	AppendPayload(ctx context.Context, tenantID string, payload []byte) (domain.ChainEntry, error)
	Page(ctx context.Context, tenantID string, afterIndex int64, limit int) ([]domain.ChainEntry, error)
	Verify(ctx context.Context, tenantID string) (chain.Verification, error)
	Forget(tenantID string)
}

type Queue interface {
	Submit(ctx context.Context, cmd domain.Command) (executor.SubmitResult, error)
	Drain(ctx context.Context, tenantID string) ([]domain.Command, error)
	Resume(tenantID string, requeue []domain.Command)
}

// Subscribers disconnects a tenant's notification streams.
type Subscribers interface {
	CloseTenant(tenantID string) int
}

type Archive interface {
	Export(ctx context.Context, tenantID string) (auditexport.Receipt, error)
	CheckAnchor(ctx context.Context, tenantID string) (auditexport.AnchorCheck, error)
}

// CredentialWriter stores and removes a tenant's provider credentials.
type CredentialWriter interface {
	Put(ctx context.Context, tenantID, provider string, token *oauth2.Token) error
	Delete(ctx context.Context, tenantID, provider string) error
}

type Deps struct {
	Guard       Authorizer
	Chain       Chain
	Queue       Queue
	Commands    repo.CommandRepository
	Purger      repo.TenantPurger
	Archive     Archive
	Credentials CredentialWriter
	Subscribers Subscribers
	Logger      *slog.Logger
}

type Service struct {
	guard       Authorizer
	chain       Chain
	queue       Queue
	commands    repo.CommandRepository
	purger      repo.TenantPurger
	archive     Archive
	credentials CredentialWriter
	subscribers Subscribers
	logger      *slog.Logger
}

// PurgeResult reports what a tenant purge removed.
type PurgeResult struct {
	TenantID string `json:"tenant_id"`
	Entries  int64  `json:"entries"`
	Commands int64  `json:"commands"`
	Secrets  int64  `json:"credentials"`
	Dequeued int    `json:"dequeued"`
	Streams  int    `json:"streams_closed"`
}

func New(deps Deps) (*Service, error) {
	switch {
	case deps.Guard == nil:
		return nil, errors.New("isolation guard is required")
	case deps.Chain == nil:
		return nil, errors.New("audit chain is required")
	case deps.Queue == nil:
		return nil, errors.New("command queue is required")
	case deps.Commands == nil:
		return nil, errors.New("command repository is required")
	case deps.Purger == nil:
		return nil, errors.New("tenant purger is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		guard:       deps.Guard,
		chain:       deps.Chain,
		queue:       deps.Queue,
		commands:    deps.Commands,
		purger:      deps.Purger,
		archive:     deps.Archive,
		credentials: deps.Credentials,
		subscribers: deps.Subscribers,
		logger:      deps.Logger,
	}, nil
}

// Submit queues cmd on behalf of principal. The principal is recorded as
// the command's source regardless of what the caller supplied.
func (s *Service) Submit(ctx context.Context, principal string, cmd domain.Command) (executor.SubmitResult, error) {
	if err := s.guard.Authorize(ctx, principal, cmd.TenantID, isolation.OpSubmit); err != nil {
		return executor.SubmitResult{}, err
	}
	cmd.SourcePrincipal = strings.TrimSpace(principal)
	return s.queue.Submit(ctx, cmd)
}

func (s *Service) GetCommand(ctx context.Context, principal, tenantID, commandID string) (domain.Command, error) {
	if err := s.guard.Authorize(ctx, principal, tenantID, isolation.OpReadCommand); err != nil {
		return domain.Command{}, err
	}
	cmd, err := s.commands.GetCommand(ctx, tenantID, commandID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Command{}, apperrors.WithMetadata(apperrors.CodeNotFound, "command not found", map[string]string{"command_id": commandID})
		}
		return domain.Command{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "load command", err)
	}
	return cmd, nil
}

// Append records an opaque payload in the tenant's chain.
func (s *Service) Append(ctx context.Context, principal, tenantID string, payload []byte) (domain.ChainEntry, error) {
	if err := s.guard.Authorize(ctx, principal, tenantID, isolation.OpAppend); err != nil {
		return domain.ChainEntry{}, err
	}
	if len(payload) == 0 {
		return domain.ChainEntry{}, apperrors.New(apperrors.CodeInvalidCommand, "payload is required")
	}
	return s.chain.AppendPayload(ctx, tenantID, payload)
}

func (s *Service) ListEntries(ctx context.Context, principal, tenantID string, afterIndex int64, limit int) ([]domain.ChainEntry, error) {
	if err := s.guard.Authorize(ctx, principal, tenantID, isolation.OpList); err != nil {
		return nil, err
	}
	return s.chain.Page(ctx, tenantID, afterIndex, limit)
}

func (s *Service) Verify(ctx context.Context, principal, tenantID string) (chain.Verification, error) {
	if err := s.guard.Authorize(ctx, principal, tenantID, isolation.OpVerify); err != nil {
		return chain.Verification{}, err
	}
	return s.chain.Verify(ctx, tenantID)
}

func (s *Service) Export(ctx context.Context, principal, tenantID string) (auditexport.Receipt, error) {
	if err := s.guard.Authorize(ctx, principal, tenantID, isolation.OpExport); err != nil {
		return auditexport.Receipt{}, err
	}
	if s.archive == nil {
		return auditexport.Receipt{}, apperrors.New(apperrors.CodeStorageUnavailable, "archive storage not configured")
	}
	return s.archive.Export(ctx, tenantID)
}

func (s *Service) CheckAnchor(ctx context.Context, principal, tenantID string) (auditexport.AnchorCheck, error) {
	if err := s.guard.Authorize(ctx, principal, tenantID, isolation.OpVerify); err != nil {
		return auditexport.AnchorCheck{}, err
	}
	if s.archive == nil {
		return auditexport.AnchorCheck{}, apperrors.New(apperrors.CodeStorageUnavailable, "archive storage not configured")
	}
	check, err := s.archive.CheckAnchor(ctx, tenantID)
	if errors.Is(err, auditexport.ErrNoAnchor) {
		return auditexport.AnchorCheck{}, apperrors.WithMetadata(apperrors.CodeNotFound, "no anchor recorded", map[string]string{"tenant_id": tenantID})
	}
	return check, err
}

// PutCredential seals and stores token for the tenant's provider. Only the
// tenant owner may change credentials.
func (s *Service) PutCredential(ctx context.Context, principal, tenantID, provider string, token *oauth2.Token) error {
	if err := s.guard.Authorize(ctx, principal, tenantID, isolation.OpCredentials); err != nil {
		return err
	}
	if s.credentials == nil {
		return apperrors.New(apperrors.CodeStorageUnavailable, "credential store not configured")
	}
	if strings.TrimSpace(provider) == "" || token == nil || token.AccessToken == "" {
		return apperrors.New(apperrors.CodeInvalidCommand, "provider and access token are required")
	}
	if err := s.credentials.Put(ctx, tenantID, provider, token); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageUnavailable, "store credential", err)
	}
	s.logger.Info("credential stored", "tenant_id", tenantID, "provider", provider, "principal", principal)
	return nil
}

func (s *Service) DeleteCredential(ctx context.Context, principal, tenantID, provider string) error {
	if err := s.guard.Authorize(ctx, principal, tenantID, isolation.OpCredentials); err != nil {
		return err
	}
	if s.credentials == nil {
		return apperrors.New(apperrors.CodeStorageUnavailable, "credential store not configured")
	}
	if err := s.credentials.Delete(ctx, tenantID, provider); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeNotFound, "credential not found", map[string]string{"provider": provider})
		}
		return apperrors.Wrap(apperrors.CodeStorageUnavailable, "delete credential", err)
	}
	s.logger.Info("credential deleted", "tenant_id", tenantID, "provider", provider, "principal", principal)
	return nil
}

// Subscribe authorizes a notification stream for the tenant.
func (s *Service) Subscribe(ctx context.Context, principal, tenantID string) error {
	return s.guard.Authorize(ctx, principal, tenantID, isolation.OpSubscribe)
}

// Purge removes the tenant's queue, chain, commands, credentials and tenant
// record. Admission for the tenant stops first and commands already
// executing are allowed to finish before anything is deleted. If the purge
// fails the dropped commands go back on the queue. Exported archives and
// their anchor are not touched.
func (s *Service) Purge(ctx context.Context, principal, tenantID string) (PurgeResult, error) {
	if err := s.guard.Authorize(ctx, principal, tenantID, isolation.OpPurge); err != nil {
		return PurgeResult{}, err
	}
	dropped, err := s.queue.Drain(ctx, tenantID)
	if err != nil {
		s.queue.Resume(tenantID, dropped)
		return PurgeResult{}, apperrors.Wrap(apperrors.CodeTenantUnavailable, "wait for in-flight commands", err)
	}
	counts, err := s.purger.PurgeTenant(ctx, tenantID)
	if err != nil {
		s.queue.Resume(tenantID, dropped)
		return PurgeResult{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "purge tenant", err)
	}
	s.chain.Forget(tenantID)
	s.queue.Resume(tenantID, nil)
	streams := 0
	if s.subscribers != nil {
		streams = s.subscribers.CloseTenant(tenantID)
	}
	s.logger.Warn("tenant purged",
		"tenant_id", tenantID,
		"principal", principal,
		"entries", counts.Entries,
		"commands", counts.Commands,
		"credentials", counts.Credentials,
		"dequeued", len(dropped),
		"streams_closed", streams,
	)
	return PurgeResult{
		TenantID: tenantID,
		Entries:  counts.Entries,
		Commands: counts.Commands,
		Secrets:  counts.Credentials,
		Dequeued: len(dropped),
		Streams:  streams,
	}, nil
}
