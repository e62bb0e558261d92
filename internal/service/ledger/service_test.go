package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/animus-labs/ledger-go/internal/audit"
	"github.com/animus-labs/ledger-go/internal/auditexport"
	"github.com/animus-labs/ledger-go/internal/chain"
	"github.com/animus-labs/ledger-go/internal/credentials"
	"github.com/animus-labs/ledger-go/internal/domain"
	"github.com/animus-labs/ledger-go/internal/executor"
	"github.com/animus-labs/ledger-go/internal/isolation"
	"github.com/animus-labs/ledger-go/internal/notify"
	apperrors "github.com/animus-labs/ledger-go/internal/platform/errors"
	"github.com/animus-labs/ledger-go/internal/platform/objectstore"
	"github.com/animus-labs/ledger-go/internal/provider"
	"github.com/animus-labs/ledger-go/internal/repo"
	"github.com/animus-labs/ledger-go/internal/repo/memory"
	"golang.org/x/oauth2"
)

type brokenTenants struct {
	*memory.Store
}

func (brokenTenants) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	return domain.Tenant{}, errors.New("directory timeout")
}

type fixture struct {
	svc    *Service
	store  *memory.Store
	ledger *chain.Ledger
	exec   *executor.Executor
	notes  *notify.Channel
}

func newFixture(t *testing.T, withArchive bool) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	for _, tenant := range []domain.Tenant{
		{ID: "t-a", Owner: "alice", Members: []string{"bob"}},
		{ID: "t-b", Owner: "carol"},
	} {
		if err := store.UpsertTenant(ctx, tenant); err != nil {
			t.Fatalf("UpsertTenant() err=%v", err)
		}
	}
	ledger := chain.New(store, nil)
	creds := credentials.NewStaticResolver()
	creds.Set("t-a", "echo", &oauth2.Token{AccessToken: "tok-a"})
	creds.Set("t-b", "echo", &oauth2.Token{AccessToken: "tok-b"})
	notes := notify.NewChannel(16)
	exec, err := executor.New(executor.DefaultConfig(), executor.Deps{
		Chain:     ledger,
		Commands:  store,
		Resolver:  creds,
		Providers: provider.NewRegistry(provider.Echo{}),
		Notifier:  notes,
	})
	if err != nil {
		t.Fatalf("executor.New() err=%v", err)
	}
	deps := Deps{
		Guard:    isolation.NewGuard(store, ledger, nil),
		Chain:    ledger,
		Queue:    exec,
		Commands: store,
		Purger:   store,
	}
	if withArchive {
		archiver, err := auditexport.NewArchiver(ledger, objectstore.NewMemory(), "audit-chains", auditexport.Config{Compression: "zstd"}, nil)
		if err != nil {
			t.Fatalf("NewArchiver() err=%v", err)
		}
		deps.Archive = archiver
	}
	svc, err := New(deps)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return &fixture{svc: svc, store: store, ledger: ledger, exec: exec, notes: notes}
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.exec.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func command(tenantID, id string) domain.Command {
	now := time.Now().UTC()
	return domain.Command{
		ID:        id,
		TenantID:  tenantID,
		Provider:  "echo",
		Payload:   []byte(`{"op":"ping"}`),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func chainTypes(t *testing.T, l *chain.Ledger, tenantID string) []audit.Type {
	t.Helper()
	entries, err := l.List(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	out := make([]audit.Type, 0, len(entries))
	for _, e := range entries {
		ev, err := audit.Decode(e.Payload)
		if err != nil {
			t.Fatalf("Decode() err=%v", err)
		}
		out = append(out, ev.Type())
	}
	return out
}

func TestSubmitRecordsAuthenticatedPrincipal(t *testing.T) {
	f := newFixture(t, false)
	f.run(t)

	cmd := command("t-a", "c-1")
	cmd.SourcePrincipal = "mallory"
	res, err := f.svc.Submit(context.Background(), "bob", cmd)
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if res.Command.SourcePrincipal != "bob" {
		t.Fatalf("source principal=%q, want bob", res.Command.SourcePrincipal)
	}
	select {
	case n := <-f.notes.C():
		if n.Status != domain.CommandStatusCompleted {
			t.Fatalf("notification=%+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no notification")
	}
	got, err := f.svc.GetCommand(context.Background(), "alice", "t-a", "c-1")
	if err != nil {
		t.Fatalf("GetCommand() err=%v", err)
	}
	if got.Status != domain.CommandStatusCompleted || string(got.Result.Output) != `{"op":"ping"}` {
		t.Fatalf("command=%+v", got)
	}
}

func TestCrossTenantAccessIsDeniedAndAudited(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, "carol", command("t-a", "c-x")); !apperrors.HasCode(err, apperrors.CodeIsolationDenied) {
		t.Fatalf("Submit() err=%v, want ISOLATION_DENIED", err)
	}
	if _, err := f.svc.ListEntries(ctx, "bob", "t-b", -1, 10); !apperrors.HasCode(err, apperrors.CodeIsolationDenied) {
		t.Fatalf("ListEntries() err=%v, want ISOLATION_DENIED", err)
	}

	// each denial lands on the chain of the tenant that was targeted
	if got := chainTypes(t, f.ledger, "t-a"); len(got) != 1 || got[0] != audit.TypeAccessDenied {
		t.Fatalf("t-a chain=%v", got)
	}
	if got := chainTypes(t, f.ledger, "t-b"); len(got) != 1 || got[0] != audit.TypeAccessDenied {
		t.Fatalf("t-b chain=%v", got)
	}
	if _, err := f.store.GetCommand(ctx, "t-a", "c-x"); err == nil {
		t.Fatalf("denied submission must not be stored")
	}
}

func TestGetCommandIsTenantScoped(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if _, err := f.svc.Submit(ctx, "alice", command("t-a", "c-1")); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	// carol owns t-b; the id exists only in t-a
	_, err := f.svc.GetCommand(ctx, "carol", "t-b", "c-1")
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("GetCommand() err=%v, want NOT_FOUND", err)
	}
}

func TestUnknownTenantDeniedWithoutEntry(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.Verify(context.Background(), "alice", "t-missing")
	if !apperrors.HasCode(err, apperrors.CodeIsolationDenied) {
		t.Fatalf("Verify() err=%v, want ISOLATION_DENIED", err)
	}
	if got := chainTypes(t, f.ledger, "t-missing"); len(got) != 0 {
		t.Fatalf("unknown tenant chain=%v", got)
	}
}

func TestGuardFailsClosed(t *testing.T) {
	store := memory.New()
	ledger := chain.New(store, nil)
	exec, err := executor.New(executor.DefaultConfig(), executor.Deps{
		Chain:     ledger,
		Commands:  store,
		Resolver:  credentials.NewStaticResolver(),
		Providers: provider.NewRegistry(provider.Echo{}),
	})
	if err != nil {
		t.Fatalf("executor.New() err=%v", err)
	}
	svc, err := New(Deps{
		Guard:    isolation.NewGuard(brokenTenants{store}, ledger, nil),
		Chain:    ledger,
		Queue:    exec,
		Commands: store,
		Purger:   store,
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	_, err = svc.Submit(context.Background(), "alice", command("t-a", "c-1"))
	if !apperrors.HasCode(err, apperrors.CodeIsolationCheckUnavailable) {
		t.Fatalf("Submit() err=%v, want ISOLATION_CHECK_UNAVAILABLE", err)
	}
	if snap := exec.Snapshot(); len(snap.Queued) != 0 {
		t.Fatalf("nothing should be queued: %+v", snap)
	}
}

func TestAppendAndVerify(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if _, err := f.svc.Append(ctx, "bob", "t-a", nil); !apperrors.HasCode(err, apperrors.CodeInvalidCommand) {
		t.Fatalf("Append(nil) err=%v", err)
	}
	for _, p := range []string{`{"a":1}`, `{"a":2}`} {
		if _, err := f.svc.Append(ctx, "bob", "t-a", []byte(p)); err != nil {
			t.Fatalf("Append() err=%v", err)
		}
	}
	v, err := f.svc.Verify(ctx, "alice", "t-a")
	if err != nil {
		t.Fatalf("Verify() err=%v", err)
	}
	if !v.Valid || v.Entries != 2 || v.BrokenAt != -1 {
		t.Fatalf("verification=%+v", v)
	}
	page, err := f.svc.ListEntries(ctx, "alice", "t-a", 0, 10)
	if err != nil {
		t.Fatalf("ListEntries() err=%v", err)
	}
	if len(page) != 1 || page[0].Index != 1 {
		t.Fatalf("page=%+v", page)
	}
}

func TestExportAndAnchor(t *testing.T) {
	ctx := context.Background()
	bare := newFixture(t, false)
	if _, err := bare.svc.Export(ctx, "alice", "t-a"); !apperrors.HasCode(err, apperrors.CodeStorageUnavailable) {
		t.Fatalf("Export() without archive err=%v", err)
	}

	f := newFixture(t, true)
	if _, err := f.svc.CheckAnchor(ctx, "alice", "t-a"); !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("CheckAnchor() before export err=%v, want NOT_FOUND", err)
	}
	if _, err := f.svc.Append(ctx, "alice", "t-a", []byte(`{"k":"v"}`)); err != nil {
		t.Fatalf("Append() err=%v", err)
	}
	receipt, err := f.svc.Export(ctx, "alice", "t-a")
	if err != nil {
		t.Fatalf("Export() err=%v", err)
	}
	if receipt.Entries != 1 || receipt.AnchorKey == "" {
		t.Fatalf("receipt=%+v", receipt)
	}
	check, err := f.svc.CheckAnchor(ctx, "bob", "t-a")
	if err != nil {
		t.Fatalf("CheckAnchor() err=%v", err)
	}
	if !check.Matches {
		t.Fatalf("check=%+v", check)
	}
}

func TestPurgeIsOwnerOnly(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if _, err := f.svc.Submit(ctx, "alice", command("t-a", "c-1")); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}

	if _, err := f.svc.Purge(ctx, "bob", "t-a"); !apperrors.HasCode(err, apperrors.CodeIsolationDenied) {
		t.Fatalf("Purge() by member err=%v, want ISOLATION_DENIED", err)
	}

	res, err := f.svc.Purge(ctx, "alice", "t-a")
	if err != nil {
		t.Fatalf("Purge() err=%v", err)
	}
	// queued + access.denied from bob's attempt
	if res.Entries != 2 || res.Commands != 1 || res.Dequeued != 1 {
		t.Fatalf("purge result=%+v", res)
	}
	if _, err := f.store.GetTenant(ctx, "t-a"); err == nil {
		t.Fatalf("tenant should be gone")
	}
	if _, err := f.svc.Verify(ctx, "alice", "t-a"); !apperrors.HasCode(err, apperrors.CodeIsolationDenied) {
		t.Fatalf("Verify() after purge err=%v", err)
	}
	if got := chainTypes(t, f.ledger, "t-b"); len(got) != 0 {
		t.Fatalf("other tenant touched: %v", got)
	}
}

type failingPurger struct{}

func (failingPurger) PurgeTenant(ctx context.Context, tenantID string) (repo.PurgeCounts, error) {
	return repo.PurgeCounts{}, errors.New("disk full")
}

type recordingSubscribers struct {
	closed []string
}

func (r *recordingSubscribers) CloseTenant(tenantID string) int {
	r.closed = append(r.closed, tenantID)
	return 2
}

// newPurgeService runs an executor with one slot so a blocked provider call
// keeps later commands queued.
func newPurgeService(t *testing.T, purger repo.TenantPurger, p provider.Provider, run bool) (*Service, *executor.Executor, *notify.Channel) {
	t.Helper()
	store := memory.New()
	if err := store.UpsertTenant(context.Background(), domain.Tenant{ID: "t-a", Owner: "alice"}); err != nil {
		t.Fatalf("UpsertTenant() err=%v", err)
	}
	ledger := chain.New(store, nil)
	creds := credentials.NewStaticResolver()
	creds.Set("t-a", p.Name(), &oauth2.Token{AccessToken: "tok-a"})
	notes := notify.NewChannel(16)
	cfg := executor.DefaultConfig()
	cfg.MaxConcurrent = 1
	exec, err := executor.New(cfg, executor.Deps{
		Chain:     ledger,
		Commands:  store,
		Resolver:  creds,
		Providers: provider.NewRegistry(p),
		Notifier:  notes,
	})
	if err != nil {
		t.Fatalf("executor.New() err=%v", err)
	}
	if purger == nil {
		purger = store
	}
	svc, err := New(Deps{
		Guard:    isolation.NewGuard(store, ledger, nil),
		Chain:    ledger,
		Queue:    exec,
		Commands: store,
		Purger:   purger,
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if run {
		(&fixture{exec: exec}).run(t)
	}
	return svc, exec, notes
}

func TestPurgeTimeoutRequeuesDroppedCommands(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := provider.Func{ProviderName: "echo", Fn: func(ctx context.Context, req provider.Request) ([]byte, error) {
		started <- struct{}{}
		<-gate
		return []byte("ok"), nil
	}}
	svc, exec, notes := newPurgeService(t, nil, slow, true)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, "alice", command("t-a", "c-1")); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	<-started
	if _, err := svc.Submit(ctx, "alice", command("t-a", "c-2")); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}

	purgeCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err := svc.Purge(purgeCtx, "alice", "t-a")
	if !apperrors.HasCode(err, apperrors.CodeTenantUnavailable) {
		t.Fatalf("Purge() err=%v, want TENANT_UNAVAILABLE", err)
	}
	if snap := exec.Snapshot(); snap.Queued["t-a"] != 1 {
		t.Fatalf("c-2 should be back on the queue: %+v", snap)
	}

	close(gate)
	seen := map[string]domain.CommandStatus{}
	for len(seen) < 2 {
		select {
		case n := <-notes.C():
			seen[n.CommandID] = n.Status
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for notifications, got %v", seen)
		}
	}
	if seen["c-2"] != domain.CommandStatusCompleted {
		t.Fatalf("c-2 status=%s, want completed", seen["c-2"])
	}
}

func TestFailedPurgeKeepsTenantServing(t *testing.T) {
	svc, exec, _ := newPurgeService(t, failingPurger{}, provider.Echo{}, false)
	subs := &recordingSubscribers{}
	svc.subscribers = subs
	ctx := context.Background()

	for _, id := range []string{"c-1", "c-2"} {
		if _, err := svc.Submit(ctx, "alice", command("t-a", id)); err != nil {
			t.Fatalf("Submit() err=%v", err)
		}
	}
	_, err := svc.Purge(ctx, "alice", "t-a")
	if !apperrors.HasCode(err, apperrors.CodeStorageUnavailable) {
		t.Fatalf("Purge() err=%v, want STORAGE_UNAVAILABLE", err)
	}
	if snap := exec.Snapshot(); snap.Queued["t-a"] != 2 {
		t.Fatalf("dropped commands should be requeued: %+v", snap)
	}
	if len(subs.closed) != 0 {
		t.Fatalf("failed purge closed streams: %v", subs.closed)
	}
	if _, err := svc.Submit(ctx, "alice", command("t-a", "c-3")); err != nil {
		t.Fatalf("Submit() after failed purge err=%v", err)
	}
}

func TestPurgeClosesSubscriberStreams(t *testing.T) {
	f := newFixture(t, false)
	subs := &recordingSubscribers{}
	f.svc.subscribers = subs

	res, err := f.svc.Purge(context.Background(), "alice", "t-a")
	if err != nil {
		t.Fatalf("Purge() err=%v", err)
	}
	if res.Streams != 2 || len(subs.closed) != 1 || subs.closed[0] != "t-a" {
		t.Fatalf("streams=%d closed=%v, want t-a closed", res.Streams, subs.closed)
	}
}

func TestCredentialWritesAreOwnerOnly(t *testing.T) {
	f := newFixture(t, false)
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity() err=%v", err)
	}
	sealed := credentials.NewSealedResolver(f.store, identity)
	f.svc.credentials = sealed
	ctx := context.Background()
	token := &oauth2.Token{AccessToken: "tok-new", Expiry: time.Now().Add(time.Hour)}

	err = f.svc.PutCredential(ctx, "bob", "t-a", "echo", token)
	if !apperrors.HasCode(err, apperrors.CodeIsolationDenied) {
		t.Fatalf("member PutCredential() err=%v, want ISOLATION_DENIED", err)
	}
	err = f.svc.PutCredential(ctx, "carol", "t-a", "echo", token)
	if !apperrors.HasCode(err, apperrors.CodeIsolationDenied) {
		t.Fatalf("cross-tenant PutCredential() err=%v, want ISOLATION_DENIED", err)
	}
	if err := f.svc.PutCredential(ctx, "alice", "t-a", "echo", token); err != nil {
		t.Fatalf("PutCredential() err=%v", err)
	}
	cred, err := sealed.Resolve(ctx, "t-a", "echo")
	if err != nil || cred.Token.AccessToken != "tok-new" {
		t.Fatalf("Resolve()=%+v err=%v", cred, err)
	}
	if _, err := sealed.Resolve(ctx, "t-b", "echo"); !apperrors.HasCode(err, apperrors.CodeCredentialMissing) {
		t.Fatalf("t-b Resolve() err=%v, want CREDENTIAL_MISSING", err)
	}

	if err := f.svc.DeleteCredential(ctx, "alice", "t-a", "echo"); err != nil {
		t.Fatalf("DeleteCredential() err=%v", err)
	}
	err = f.svc.DeleteCredential(ctx, "alice", "t-a", "echo")
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("second DeleteCredential() err=%v, want NOT_FOUND", err)
	}
}
