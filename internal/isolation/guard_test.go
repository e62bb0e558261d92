package isolation

import (
	"context"
	"errors"
	"testing"

	"github.com/animus-labs/ledger-go/internal/audit"
	"github.com/animus-labs/ledger-go/internal/domain"
	apperrors "github.com/animus-labs/ledger-go/internal/platform/errors"
	"github.com/animus-labs/ledger-go/internal/repo"
)

type fakeTenants struct {
	tenants map[string]domain.Tenant
	err     error
}

func (f *fakeTenants) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	if f.err != nil {
		return domain.Tenant{}, f.err
	}
	t, ok := f.tenants[id]
	if !ok {
		return domain.Tenant{}, repo.ErrNotFound
	}
	return t, nil
}

func (f *fakeTenants) UpsertTenant(ctx context.Context, tenant domain.Tenant) error { return nil }

func (f *fakeTenants) ListTenants(ctx context.Context) ([]domain.Tenant, error) { return nil, nil }

type recordedDeny struct {
	tenantID string
	event    audit.AccessDenied
}

type fakeRecorder struct {
	denies []recordedDeny
	err    error
}

func (f *fakeRecorder) Append(ctx context.Context, tenantID string, ev audit.Event) (domain.ChainEntry, error) {
	if f.err != nil {
		return domain.ChainEntry{}, f.err
	}
	f.denies = append(f.denies, recordedDeny{tenantID: tenantID, event: ev.(audit.AccessDenied)})
	return domain.ChainEntry{TenantID: tenantID}, nil
}

func newGuard(rec *fakeRecorder) *Guard {
	tenants := &fakeTenants{tenants: map[string]domain.Tenant{
		"t-1": {ID: "t-1", Owner: "alice", Members: []string{"bob"}},
		"t-2": {ID: "t-2", Owner: "carol"},
	}}
	return NewGuard(tenants, rec, nil)
}

func TestAuthorizeGrantsOwnerAndMember(t *testing.T) {
	rec := &fakeRecorder{}
	g := newGuard(rec)
	for _, principal := range []string{"alice", "bob"} {
		if err := g.Authorize(context.Background(), principal, "t-1", OpSubmit); err != nil {
			t.Fatalf("Authorize(%s) err=%v", principal, err)
		}
	}
	if len(rec.denies) != 0 {
		t.Fatalf("grants should not be recorded, got %d denies", len(rec.denies))
	}
}

func TestAuthorizeDeniesCrossTenantAndRecordsOnTarget(t *testing.T) {
	rec := &fakeRecorder{}
	g := newGuard(rec)

	err := g.Authorize(context.Background(), "alice", "t-2", OpList)
	if !apperrors.HasCode(err, apperrors.CodeIsolationDenied) {
		t.Fatalf("Authorize() err=%v, want ISOLATION_DENIED", err)
	}
	if len(rec.denies) != 1 {
		t.Fatalf("denies=%d, want 1", len(rec.denies))
	}
	if rec.denies[0].tenantID != "t-2" {
		t.Fatalf("deny recorded on %s, want t-2", rec.denies[0].tenantID)
	}
	if rec.denies[0].event.Principal != "alice" || rec.denies[0].event.Operation != string(OpList) {
		t.Fatalf("deny event=%+v", rec.denies[0].event)
	}
}

func TestAuthorizeOwnerOnlyOperations(t *testing.T) {
	rec := &fakeRecorder{}
	g := newGuard(rec)
	if err := g.Authorize(context.Background(), "bob", "t-1", OpPurge); !apperrors.HasCode(err, apperrors.CodeIsolationDenied) {
		t.Fatalf("member purge err=%v, want ISOLATION_DENIED", err)
	}
	if err := g.Authorize(context.Background(), "alice", "t-1", OpPurge); err != nil {
		t.Fatalf("owner purge err=%v", err)
	}
}

func TestAuthorizeEmptyPrincipal(t *testing.T) {
	g := newGuard(&fakeRecorder{})
	if err := g.Authorize(context.Background(), " ", "t-1", OpVerify); !apperrors.HasCode(err, apperrors.CodeIsolationDenied) {
		t.Fatalf("Authorize() err=%v, want ISOLATION_DENIED", err)
	}
}

func TestAuthorizeUnknownTenantDeniedWithoutEntry(t *testing.T) {
	rec := &fakeRecorder{}
	g := newGuard(rec)
	if err := g.Authorize(context.Background(), "alice", "t-404", OpSubmit); !apperrors.HasCode(err, apperrors.CodeIsolationDenied) {
		t.Fatalf("Authorize() err=%v, want ISOLATION_DENIED", err)
	}
	if len(rec.denies) != 0 {
		t.Fatalf("unknown tenant should not get a chain entry")
	}
}

func TestAuthorizeFailsClosedWhenDirectoryUnavailable(t *testing.T) {
	g := NewGuard(&fakeTenants{err: errors.New("connection refused")}, &fakeRecorder{}, nil)
	err := g.Authorize(context.Background(), "alice", "t-1", OpSubmit)
	if !apperrors.HasCode(err, apperrors.CodeIsolationCheckUnavailable) {
		t.Fatalf("Authorize() err=%v, want ISOLATION_CHECK_UNAVAILABLE", err)
	}
}

func TestAuthorizeDenyStandsWhenAuditFails(t *testing.T) {
	g := newGuard(&fakeRecorder{err: errors.New("audit down")})
	if err := g.Authorize(context.Background(), "mallory", "t-1", OpSubmit); !apperrors.HasCode(err, apperrors.CodeIsolationDenied) {
		t.Fatalf("Authorize() err=%v, want ISOLATION_DENIED", err)
	}
}
