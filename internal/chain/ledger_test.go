package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/ledger-go/internal/audit"
	"github.com/animus-labs/ledger-go/internal/domain"
	apperrors "github.com/animus-labs/ledger-go/internal/platform/errors"
	"github.com/animus-labs/ledger-go/internal/repo"
	"github.com/animus-labs/ledger-go/internal/repo/memory"
)

// tamperStore rewrites entries on the way out of storage, the same view a
// verifier gets after someone edits rows behind the application's back.
type tamperStore struct {
	*memory.Store
	mutate func(*domain.ChainEntry)
}

func (s *tamperStore) ListEntries(ctx context.Context, tenantID string, afterIndex int64, limit int) ([]domain.ChainEntry, error) {
	page, err := s.Store.ListEntries(ctx, tenantID, afterIndex, limit)
	if err != nil {
		return nil, err
	}
	for i := range page {
		s.mutate(&page[i])
	}
	return page, nil
}

type failingStore struct {
	*memory.Store
}

func (failingStore) AppendEntry(ctx context.Context, tenantID string, build repo.BuildEntryFunc) (domain.ChainEntry, error) {
	return domain.ChainEntry{}, errors.New("disk full")
}

func appendN(t *testing.T, l *Ledger, tenantID string, n int) []domain.ChainEntry {
	t.Helper()
	out := make([]domain.ChainEntry, 0, n)
	for i := 0; i < n; i++ {
		entry, err := l.Append(context.Background(), tenantID, audit.Queued{CommandID: fmt.Sprintf("c-%d", i), Provider: "echo"})
		if err != nil {
			t.Fatalf("Append() err=%v", err)
		}
		out = append(out, entry)
	}
	return out
}

func TestAppendLinksEntries(t *testing.T) {
	l := New(memory.New(), nil)
	entries := appendN(t, l, "t-1", 3)

	if entries[0].PreviousHash != domain.GenesisHash {
		t.Fatalf("entry 0 previous=%q, want genesis", entries[0].PreviousHash)
	}
	for i, entry := range entries {
		if entry.Index != int64(i) {
			t.Fatalf("entry %d index=%d", i, entry.Index)
		}
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			t.Fatalf("entry %d not linked to predecessor", i)
		}
		want, err := ComputeHash(entry.PreviousHash, entry.Payload, entry.Index)
		if err != nil {
			t.Fatalf("ComputeHash() err=%v", err)
		}
		if entry.Hash != want {
			t.Fatalf("entry %d hash=%s, want %s", i, entry.Hash, want)
		}
	}

	v, err := l.Verify(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Verify() err=%v", err)
	}
	if !v.Valid || v.Entries != 3 || v.BrokenAt != -1 || v.HeadHash != entries[2].Hash {
		t.Fatalf("Verify()=%+v", v)
	}
	if v.Err() != nil {
		t.Fatalf("Err()=%v, want nil", v.Err())
	}
}

func TestComputeHashDependsOnEveryField(t *testing.T) {
	base, _ := ComputeHash("0", []byte("payload"), 0)
	variants := []struct {
		prev    string
		payload string
		index   int64
	}{
		{"1", "payload", 0},
		{"0", "payloaD", 0},
		{"0", "payload", 1},
	}
	for _, v := range variants {
		got, err := ComputeHash(v.prev, []byte(v.payload), v.index)
		if err != nil {
			t.Fatalf("ComputeHash() err=%v", err)
		}
		if got == base {
			t.Fatalf("ComputeHash(%q,%q,%d) collided with base", v.prev, v.payload, v.index)
		}
	}
	again, _ := ComputeHash("0", []byte("payload"), 0)
	if again != base {
		t.Fatalf("ComputeHash() not deterministic")
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	store := &tamperStore{Store: memory.New(), mutate: func(*domain.ChainEntry) {}}
	l := New(store, nil)
	appendN(t, l, "t-1", 3)

	store.mutate = func(e *domain.ChainEntry) {
		if e.Index == 1 {
			e.Payload = []byte(`{"type":"command.completed","data":{"command_id":"forged"}}`)
		}
	}
	v, err := l.Verify(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Verify() err=%v", err)
	}
	if v.Valid || v.BrokenAt != 1 || v.Reason != ReasonHashMismatch {
		t.Fatalf("Verify()=%+v, want brokenAt 1 hash mismatch", v)
	}
	if !apperrors.HasCode(v.Err(), apperrors.CodeChainIntegrityViolation) {
		t.Fatalf("Err()=%v, want CHAIN_INTEGRITY_VIOLATION", v.Err())
	}
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	store := &tamperStore{Store: memory.New(), mutate: func(*domain.ChainEntry) {}}
	l := New(store, nil)
	appendN(t, l, "t-1", 4)

	store.mutate = func(e *domain.ChainEntry) {
		if e.Index == 2 {
			e.PreviousHash = "deadbeef"
		}
	}
	v, err := l.Verify(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Verify() err=%v", err)
	}
	if v.Valid || v.BrokenAt != 2 || v.Reason != ReasonPreviousMismatch {
		t.Fatalf("Verify()=%+v, want brokenAt 2 previous mismatch", v)
	}
}

func TestVerifyDetectsGap(t *testing.T) {
	store := &tamperStore{Store: memory.New(), mutate: func(*domain.ChainEntry) {}}
	l := New(store, nil)
	appendN(t, l, "t-1", 3)

	store.mutate = func(e *domain.ChainEntry) {
		if e.Index == 1 {
			e.Index = 7
		}
	}
	v, err := l.Verify(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Verify() err=%v", err)
	}
	if v.Valid || v.BrokenAt != 1 || v.Reason != ReasonIndexGap {
		t.Fatalf("Verify()=%+v, want brokenAt 1 index gap", v)
	}
}

func TestVerifyEmptyChainIsValid(t *testing.T) {
	l := New(memory.New(), nil)
	v, err := l.Verify(context.Background(), "t-none")
	if err != nil {
		t.Fatalf("Verify() err=%v", err)
	}
	if !v.Valid || v.Entries != 0 {
		t.Fatalf("Verify()=%+v", v)
	}
}

func TestConcurrentAppendsStayGapFree(t *testing.T) {
	l := New(memory.New(), nil)
	const writers = 16
	const perWriter = 20

	var wg sync.WaitGroup
	errCh := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := l.Append(context.Background(), "t-1", audit.Executing{CommandID: fmt.Sprintf("w%d-%d", w, i)})
				if err != nil {
					errCh <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("Append() err=%v", err)
	}

	entries, err := l.List(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(entries) != writers*perWriter {
		t.Fatalf("len(List())=%d, want %d", len(entries), writers*perWriter)
	}
	v, err := l.Verify(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Verify() err=%v", err)
	}
	if !v.Valid {
		t.Fatalf("Verify()=%+v, want valid", v)
	}
}

func TestTenantsHaveIndependentChains(t *testing.T) {
	l := New(memory.New(), nil)
	appendN(t, l, "t-1", 2)
	entries := appendN(t, l, "t-2", 1)
	if entries[0].Index != 0 || entries[0].PreviousHash != domain.GenesisHash {
		t.Fatalf("t-2 first entry=%+v, want genesis", entries[0])
	}
}

func TestAppendFailureIsAuditUnavailable(t *testing.T) {
	l := New(failingStore{Store: memory.New()}, nil)
	_, err := l.Append(context.Background(), "t-1", audit.Queued{CommandID: "c-1"})
	if !apperrors.HasCode(err, apperrors.CodeAuditUnavailable) {
		t.Fatalf("Append() err=%v, want AUDIT_UNAVAILABLE", err)
	}
}

func TestListPagesPastPageSize(t *testing.T) {
	l := New(memory.New(), nil)
	l.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	appendN(t, l, "t-1", pageSize+5)
	entries, err := l.List(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(entries) != pageSize+5 {
		t.Fatalf("len(List())=%d, want %d", len(entries), pageSize+5)
	}
	if entries[len(entries)-1].Index != int64(pageSize+4) {
		t.Fatalf("last index=%d", entries[len(entries)-1].Index)
	}
}

func TestPurgeResetsChain(t *testing.T) {
	l := New(memory.New(), nil)
	appendN(t, l, "t-1", 2)
	n, err := l.Purge(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Purge() err=%v", err)
	}
	if n != 2 {
		t.Fatalf("Purge()=%d, want 2", n)
	}
	entries := appendN(t, l, "t-1", 1)
	if entries[0].Index != 0 {
		t.Fatalf("index after purge=%d, want 0", entries[0].Index)
	}
}
