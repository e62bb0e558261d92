// Package chain maintains the per-tenant, hash-linked audit chain.
//
// Every entry links to its predecessor through PreviousHash, and its own
// Hash is recomputable from (PreviousHash, Payload, Index). Appends for one
// tenant are serialized in-process and again by the store transaction, so
// indices are gap-free even under concurrent writers.
package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/ledger-go/internal/audit"
	"github.com/animus-labs/ledger-go/internal/domain"
	apperrors "github.com/animus-labs/ledger-go/internal/platform/errors"
	"github.com/animus-labs/ledger-go/internal/repo"
)

const pageSize = 200

type Ledger struct {
	store  repo.ChainRepository
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store repo.ChainRepository, logger *slog.Logger) *Ledger {
	if store == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) tenantLock(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tenantID] = m
	}
	return m
}

// Append encodes ev and appends it to the tenant's chain.
func (l *Ledger) Append(ctx context.Context, tenantID string, ev audit.Event) (domain.ChainEntry, error) {
	payload, err := audit.Encode(ev)
	if err != nil {
		return domain.ChainEntry{}, apperrors.Wrap(apperrors.CodeAuditUnavailable, "encode audit event", err)
	}
	return l.AppendPayload(ctx, tenantID, payload)
}

// AppendPayload appends an already serialized payload. On any failure the
// chain is left unchanged and the error carries CodeAuditUnavailable.
func (l *Ledger) AppendPayload(ctx context.Context, tenantID string, payload []byte) (domain.ChainEntry, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.ChainEntry{}, apperrors.New(apperrors.CodeAuditUnavailable, "tenant id is required")
	}
	if len(payload) == 0 {
		return domain.ChainEntry{}, apperrors.New(apperrors.CodeAuditUnavailable, "payload is required")
	}

	lock := l.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	entry, err := l.store.AppendEntry(ctx, tenantID, func(head domain.ChainHead) (domain.ChainEntry, error) {
		prev := head.LastHash
		if head.NextIndex == 0 {
			prev = domain.GenesisHash
		}
		hash, err := ComputeHash(prev, payload, head.NextIndex)
		if err != nil {
			return domain.ChainEntry{}, err
		}
		return domain.ChainEntry{
			TenantID:     tenantID,
			Index:        head.NextIndex,
			Timestamp:    l.now().UTC(),
			Payload:      append([]byte(nil), payload...),
			PreviousHash: prev,
			Hash:         hash,
		}, nil
	})
	if err != nil {
		l.logger.Error("audit append failed", "tenant_id", tenantID, "error", err)
		return domain.ChainEntry{}, apperrors.Wrap(apperrors.CodeAuditUnavailable, "append audit entry", err)
	}
	return entry, nil
}

// Walk calls fn for every entry of the tenant's chain in index order.
// Returning io.EOF from fn stops the walk without error.
func (l *Ledger) Walk(ctx context.Context, tenantID string, fn func(domain.ChainEntry) error) error {
	after := int64(-1)
	for {
		page, err := l.store.ListEntries(ctx, tenantID, after, pageSize)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeAuditUnavailable, "list audit entries", err)
		}
		for _, entry := range page {
			if err := fn(entry); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			after = entry.Index
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// List returns the tenant's full chain in ascending index order.
func (l *Ledger) List(ctx context.Context, tenantID string) ([]domain.ChainEntry, error) {
	out := make([]domain.ChainEntry, 0)
	err := l.Walk(ctx, tenantID, func(entry domain.ChainEntry) error {
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Page returns up to limit entries after afterIndex; callers resume from the
// last index they saw.
func (l *Ledger) Page(ctx context.Context, tenantID string, afterIndex int64, limit int) ([]domain.ChainEntry, error) {
	if limit <= 0 || limit > pageSize {
		limit = pageSize
	}
	page, err := l.store.ListEntries(ctx, tenantID, afterIndex, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeAuditUnavailable, "list audit entries", err)
	}
	return page, nil
}

func (l *Ledger) Head(ctx context.Context, tenantID string) (domain.ChainHead, error) {
	head, err := l.store.Head(ctx, tenantID)
	if err != nil {
		return domain.ChainHead{}, apperrors.Wrap(apperrors.CodeAuditUnavailable, "load chain head", err)
	}
	return head, nil
}

// Purge removes the tenant's whole chain.
func (l *Ledger) Purge(ctx context.Context, tenantID string) (int64, error) {
	lock := l.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	n, err := l.store.DeleteChain(ctx, tenantID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeAuditUnavailable, "delete chain", err)
	}
	l.forget(tenantID)
	return n, nil
}

// Forget drops the in-process lock for a tenant whose chain was removed
// by a store-level purge.
func (l *Ledger) Forget(tenantID string) {
	l.forget(tenantID)
}

func (l *Ledger) forget(tenantID string) {
	l.mu.Lock()
	delete(l.locks, tenantID)
	l.mu.Unlock()
}
