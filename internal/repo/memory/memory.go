// Package memory is an in-process Store used by tests and single-node dev runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/ledger-go/internal/domain"
	"github.com/animus-labs/ledger-go/internal/repo"
)

type credKey struct {
	tenantID string
	provider string
}

type Store struct {
	mu          sync.Mutex
	chains      map[string][]domain.ChainEntry
	commands    map[string]domain.Command
	tenants     map[string]domain.Tenant
	credentials map[credKey]repo.SealedCredential
}

func New() *Store {
	return &Store{
		chains:      make(map[string][]domain.ChainEntry),
		commands:    make(map[string]domain.Command),
		tenants:     make(map[string]domain.Tenant),
		credentials: make(map[credKey]repo.SealedCredential),
	}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func (s *Store) AppendEntry(ctx context.Context, tenantID string, build repo.BuildEntryFunc) (domain.ChainEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChainEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.chains[tenantID]
	head := domain.Genesis(tenantID)
	if n := len(entries); n > 0 {
		head.NextIndex = int64(n)
		head.LastHash = entries[n-1].Hash
	}
	entry, err := build(head)
	if err != nil {
		return domain.ChainEntry{}, err
	}
	if entry.Index != head.NextIndex {
		return domain.ChainEntry{}, repo.ErrConflict
	}
	s.chains[tenantID] = append(entries, copyEntry(entry))
	return entry, nil
}

func (s *Store) ListEntries(ctx context.Context, tenantID string, afterIndex int64, limit int) ([]domain.ChainEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.chains[tenantID]
	start := int(afterIndex + 1)
	if start < 0 {
		start = 0
	}
	if start >= len(entries) {
		return nil, nil
	}
	end := len(entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]domain.ChainEntry, 0, end-start)
	for _, e := range entries[start:end] {
		out = append(out, copyEntry(e))
	}
	return out, nil
}

func (s *Store) Head(ctx context.Context, tenantID string) (domain.ChainHead, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChainHead{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	head := domain.Genesis(tenantID)
	if entries := s.chains[tenantID]; len(entries) > 0 {
		head.NextIndex = int64(len(entries))
		head.LastHash = entries[len(entries)-1].Hash
	}
	return head, nil
}

func (s *Store) DeleteChain(ctx context.Context, tenantID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.chains[tenantID]))
	delete(s.chains, tenantID)
	return n, nil
}

func (s *Store) CreateCommand(ctx context.Context, cmd domain.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commands[cmd.ID]; ok {
		return repo.ErrConflict
	}
	s.commands[cmd.ID] = copyCommand(cmd)
	return nil
}

func (s *Store) GetCommand(ctx context.Context, tenantID, id string) (domain.Command, error) {
	if err := ctx.Err(); err != nil {
		return domain.Command{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok || cmd.TenantID != tenantID {
		return domain.Command{}, repo.ErrNotFound
	}
	return copyCommand(cmd), nil
}

func (s *Store) CommandExists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.commands[id]
	return ok, nil
}

func (s *Store) ListCommands(ctx context.Context, filter repo.CommandFilter) ([]domain.Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Command, 0)
	for _, cmd := range s.commands {
		if cmd.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && cmd.Status != filter.Status {
			continue
		}
		out = append(out, copyCommand(cmd))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateCommandStatus(ctx context.Context, tenantID, id string, from, to domain.CommandStatus, result *domain.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok || cmd.TenantID != tenantID {
		return repo.ErrNotFound
	}
	if cmd.Status != from {
		return repo.ErrConflict
	}
	cmd.Status = to
	if result != nil {
		r := *result
		r.Output = append([]byte(nil), result.Output...)
		cmd.Result = &r
	}
	s.commands[id] = cmd
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return domain.Tenant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[id]
	if !ok {
		return domain.Tenant{}, repo.ErrNotFound
	}
	t.Members = append([]string(nil), t.Members...)
	return t, nil
}

func (s *Store) UpsertTenant(ctx context.Context, tenant domain.Tenant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant.Members = append([]string(nil), tenant.Members...)
	s.tenants[tenant.ID] = tenant
	return nil
}

func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		t.Members = append([]string(nil), t.Members...)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) PutCredential(ctx context.Context, cred repo.SealedCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[credKey{cred.TenantID, strings.ToLower(cred.Provider)}] = cred
	return nil
}

func (s *Store) GetCredential(ctx context.Context, tenantID, provider string) (repo.SealedCredential, error) {
	if err := ctx.Err(); err != nil {
		return repo.SealedCredential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[credKey{tenantID, strings.ToLower(provider)}]
	if !ok {
		return repo.SealedCredential{}, repo.ErrNotFound
	}
	return cred, nil
}

func (s *Store) DeleteCredential(ctx context.Context, tenantID, provider string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credKey{tenantID, strings.ToLower(provider)}
	if _, ok := s.credentials[key]; !ok {
		return repo.ErrNotFound
	}
	delete(s.credentials, key)
	return nil
}

func (s *Store) PurgeTenant(ctx context.Context, tenantID string) (repo.PurgeCounts, error) {
	if err := ctx.Err(); err != nil {
		return repo.PurgeCounts{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts repo.PurgeCounts
	counts.Entries = int64(len(s.chains[tenantID]))
	delete(s.chains, tenantID)
	for id, cmd := range s.commands {
		if cmd.TenantID == tenantID {
			delete(s.commands, id)
			counts.Commands++
		}
	}
	for key := range s.credentials {
		if key.tenantID == tenantID {
			delete(s.credentials, key)
			counts.Credentials++
		}
	}
	delete(s.tenants, tenantID)
	return counts, nil
}

func copyEntry(e domain.ChainEntry) domain.ChainEntry {
	e.Payload = append([]byte(nil), e.Payload...)
	return e
}

func copyCommand(c domain.Command) domain.Command {
	c.Payload = append([]byte(nil), c.Payload...)
	if c.Result != nil {
		r := *c.Result
		r.Output = append([]byte(nil), c.Result.Output...)
		c.Result = &r
	}
	return c
}

var _ repo.Store = (*Store)(nil)
