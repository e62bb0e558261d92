package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/ledger-go/internal/domain"
	"github.com/animus-labs/ledger-go/internal/repo"
)

func TestAppendEntryUsesHead(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 3; i++ {
		_, err := s.AppendEntry(ctx, "t-1", func(head domain.ChainHead) (domain.ChainEntry, error) {
			return domain.ChainEntry{TenantID: "t-1", Index: head.NextIndex, PreviousHash: head.LastHash, Hash: string(rune('a' + i))}, nil
		})
		if err != nil {
			t.Fatalf("AppendEntry() err=%v", err)
		}
	}
	head, err := s.Head(ctx, "t-1")
	if err != nil {
		t.Fatalf("Head() err=%v", err)
	}
	if head.NextIndex != 3 || head.LastHash != "c" {
		t.Fatalf("Head()=%+v", head)
	}

	page, err := s.ListEntries(ctx, "t-1", 0, 1)
	if err != nil {
		t.Fatalf("ListEntries() err=%v", err)
	}
	if len(page) != 1 || page[0].Index != 1 || page[0].PreviousHash != "a" {
		t.Fatalf("ListEntries()=%+v", page)
	}

	other, err := s.Head(ctx, "t-2")
	if err != nil {
		t.Fatalf("Head() err=%v", err)
	}
	if other.NextIndex != 0 || other.LastHash != domain.GenesisHash {
		t.Fatalf("Head(t-2)=%+v, want genesis", other)
	}
}

func TestAppendEntryRejectsWrongIndex(t *testing.T) {
	s := New()
	_, err := s.AppendEntry(context.Background(), "t-1", func(head domain.ChainHead) (domain.ChainEntry, error) {
		return domain.ChainEntry{Index: head.NextIndex + 1}, nil
	})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("AppendEntry() err=%v, want ErrConflict", err)
	}
}

func TestCommandScopingAndTransitions(t *testing.T) {
	ctx := context.Background()
	s := New()
	cmd := domain.Command{ID: "c-1", TenantID: "t-1", Status: domain.CommandStatusPending, CreatedAt: time.Now()}
	if err := s.CreateCommand(ctx, cmd); err != nil {
		t.Fatalf("CreateCommand() err=%v", err)
	}
	if err := s.CreateCommand(ctx, cmd); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("CreateCommand() dup err=%v, want ErrConflict", err)
	}
	if taken, _ := s.CommandExists(ctx, "c-1"); !taken {
		t.Fatalf("CommandExists(c-1)=false, want true")
	}
	if _, err := s.GetCommand(ctx, "t-2", "c-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("GetCommand() cross-tenant err=%v, want ErrNotFound", err)
	}
	if err := s.UpdateCommandStatus(ctx, "t-1", "c-1", domain.CommandStatusExecuting, domain.CommandStatusCompleted, nil); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("UpdateCommandStatus() err=%v, want ErrConflict", err)
	}
	if err := s.UpdateCommandStatus(ctx, "t-1", "c-1", domain.CommandStatusPending, domain.CommandStatusExecuting, nil); err != nil {
		t.Fatalf("UpdateCommandStatus() err=%v", err)
	}
	got, err := s.GetCommand(ctx, "t-1", "c-1")
	if err != nil {
		t.Fatalf("GetCommand() err=%v", err)
	}
	if got.Status != domain.CommandStatusExecuting {
		t.Fatalf("status=%s, want executing", got.Status)
	}
}

func TestPurgeTenantLeavesOthers(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, tenant := range []string{"t-1", "t-2"} {
		tenant := tenant
		_ = s.UpsertTenant(ctx, domain.Tenant{ID: tenant, Owner: "o"})
		_, _ = s.AppendEntry(ctx, tenant, func(head domain.ChainHead) (domain.ChainEntry, error) {
			return domain.ChainEntry{TenantID: tenant, Index: head.NextIndex, Hash: "h"}, nil
		})
		_ = s.CreateCommand(ctx, domain.Command{ID: "c-" + tenant, TenantID: tenant})
		_ = s.PutCredential(ctx, repo.SealedCredential{TenantID: tenant, Provider: "echo", Ciphertext: "x"})
	}

	counts, err := s.PurgeTenant(ctx, "t-1")
	if err != nil {
		t.Fatalf("PurgeTenant() err=%v", err)
	}
	if counts.Entries != 1 || counts.Commands != 1 || counts.Credentials != 1 {
		t.Fatalf("PurgeTenant()=%+v", counts)
	}
	if _, err := s.GetTenant(ctx, "t-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("GetTenant() err=%v, want ErrNotFound", err)
	}
	head, _ := s.Head(ctx, "t-2")
	if head.NextIndex != 1 {
		t.Fatalf("t-2 chain should be untouched, head=%+v", head)
	}
	if _, err := s.GetCredential(ctx, "t-2", "ECHO"); err != nil {
		t.Fatalf("GetCredential() err=%v", err)
	}
}
