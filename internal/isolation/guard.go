// Package isolation decides whether a principal may act on a tenant's
// queue, credentials, or audit chain.
package isolation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/ledger-go/internal/audit"
	"github.com/animus-labs/ledger-go/internal/domain"
	apperrors "github.com/animus-labs/ledger-go/internal/platform/errors"
	"github.com/animus-labs/ledger-go/internal/repo"
)

type Operation string

const (
	OpSubmit      Operation = "command.submit"
	OpReadCommand Operation = "command.read"
	OpAppend      Operation = "chain.append"
	OpList        Operation = "chain.list"
	OpVerify      Operation = "chain.verify"
	OpExport      Operation = "chain.export"
	OpSubscribe   Operation = "events.subscribe"
	OpCredentials Operation = "credentials.write"
	OpPurge       Operation = "tenant.purge"
)

// ownerOnly lists operations members may not perform.
var ownerOnly = map[Operation]bool{
	OpCredentials: true,
	OpPurge:       true,
}

// DenyRecorder appends an access-denied event to the target tenant's chain.
type DenyRecorder interface {
	Append(ctx context.Context, tenantID string, ev audit.Event) (domain.ChainEntry, error)
}

type Guard struct {
	tenants repo.TenantRepository
	denies  DenyRecorder
	logger  *slog.Logger
	now     func() time.Time
}

func NewGuard(tenants repo.TenantRepository, denies DenyRecorder, logger *slog.Logger) *Guard {
	if tenants == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Guard{tenants: tenants, denies: denies, logger: logger, now: time.Now}
}

// Authorize returns nil when principal may perform op on tenantID. It fails
// closed: an unreachable tenant directory yields ISOLATION_CHECK_UNAVAILABLE,
// never a grant.
func (g *Guard) Authorize(ctx context.Context, principal, tenantID string, op Operation) error {
	principal = strings.TrimSpace(principal)
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return apperrors.New(apperrors.CodeIsolationDenied, "tenant id is required")
	}

	tenant, err := g.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			g.logger.Warn("isolation deny", "reason", "unknown tenant", "tenant_id", tenantID, "principal", principal, "operation", string(op))
			return apperrors.WithMetadata(apperrors.CodeIsolationDenied, "access denied", map[string]string{"tenant_id": tenantID})
		}
		g.logger.Error("isolation check unavailable", "tenant_id", tenantID, "error", err)
		return apperrors.Wrap(apperrors.CodeIsolationCheckUnavailable, "tenant lookup", err)
	}

	reason := ""
	switch {
	case principal == "":
		reason = "unauthenticated principal"
	case !tenant.HasAccess(principal):
		reason = "principal is not a tenant member"
	case ownerOnly[op] && !tenant.IsOwner(principal):
		reason = "operation requires tenant owner"
	}
	if reason == "" {
		return nil
	}

	g.recordDeny(ctx, tenantID, principal, op, reason)
	return apperrors.WithMetadata(apperrors.CodeIsolationDenied, "access denied", map[string]string{
		"tenant_id": tenantID,
		"operation": string(op),
	})
}

func (g *Guard) recordDeny(ctx context.Context, tenantID, principal string, op Operation, reason string) {
	g.logger.Warn("isolation deny",
		"reason", reason,
		"tenant_id", tenantID,
		"principal", principal,
		"operation", string(op),
	)
	if g.denies == nil {
		return
	}
	_, err := g.denies.Append(ctx, tenantID, audit.AccessDenied{
		Principal: principal,
		Operation: string(op),
		Reason:    reason,
		At:        g.now().UTC(),
	})
	if err != nil {
		g.logger.Error("audit deny failed", "tenant_id", tenantID, "error", err)
	}
}
