// Package postgres is the multi-node Store. Chain appends lock the tenant's
// head row so concurrent writers on different nodes still produce a gap-free
// chain.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/ledger-go/internal/domain"
	"github.com/animus-labs/ledger-go/internal/platform/postgres"
	"github.com/animus-labs/ledger-go/internal/repo"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	return postgres.ApplySchema(ctx, s.db, schema)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

func (s *Store) AppendEntry(ctx context.Context, tenantID string, build repo.BuildEntryFunc) (domain.ChainEntry, error) {
	var entry domain.ChainEntry
	err := postgres.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, ensureHeadQuery, tenantID, domain.GenesisHash); err != nil {
			return fmt.Errorf("ensure chain head: %w", err)
		}
		head := domain.ChainHead{TenantID: tenantID}
		if err := tx.QueryRowContext(ctx, lockHeadQuery, tenantID).Scan(&head.NextIndex, &head.LastHash); err != nil {
			return fmt.Errorf("lock chain head: %w", err)
		}
		built, err := build(head)
		if err != nil {
			return err
		}
		if built.Index != head.NextIndex || built.TenantID != tenantID {
			return repo.ErrConflict
		}
		if _, err := tx.ExecContext(ctx, insertEntryQuery,
			built.TenantID, built.Index, built.Timestamp.UTC(), built.Payload, built.PreviousHash, built.Hash,
		); err != nil {
			if postgres.IsUniqueViolation(err) {
				return repo.ErrConflict
			}
			return fmt.Errorf("insert chain entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, advanceHeadQuery, tenantID, built.Index+1, built.Hash); err != nil {
			return fmt.Errorf("advance chain head: %w", err)
		}
		entry = built
		return nil
	})
	if err != nil {
		return domain.ChainEntry{}, err
	}
	return entry, nil
}

func (s *Store) ListEntries(ctx context.Context, tenantID string, afterIndex int64, limit int) ([]domain.ChainEntry, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.QueryContext(ctx, listEntriesQuery, tenantID, afterIndex, lim)
	if err != nil {
		return nil, fmt.Errorf("list chain entries: %w", err)
	}
	defer rows.Close()

	var out []domain.ChainEntry
	for rows.Next() {
		var e domain.ChainEntry
		if err := rows.Scan(&e.TenantID, &e.Index, &e.Timestamp, &e.Payload, &e.PreviousHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan chain entry: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Head(ctx context.Context, tenantID string) (domain.ChainHead, error) {
	head := domain.Genesis(tenantID)
	err := s.db.QueryRowContext(ctx, selectHeadQuery, tenantID).Scan(&head.NextIndex, &head.LastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.ChainHead{}, fmt.Errorf("load chain head: %w", err)
	}
	return head, nil
}

func (s *Store) DeleteChain(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := postgres.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		var err error
		n, err = deleteChain(ctx, tx, tenantID)
		return err
	})
	return n, err
}

func deleteChain(ctx context.Context, tx *sql.Tx, tenantID string) (int64, error) {
	res, err := tx.ExecContext(ctx, deleteEntriesQuery, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete chain entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, deleteHeadQuery, tenantID); err != nil {
		return 0, fmt.Errorf("delete chain head: %w", err)
	}
	return n, nil
}

func encodeResult(r *domain.Result) (any, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode command result: %w", err)
	}
	return data, nil
}

func (s *Store) CreateCommand(ctx context.Context, cmd domain.Command) error {
	result, err := encodeResult(cmd.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertCommandQuery,
		cmd.ID, cmd.TenantID, cmd.SourcePrincipal, cmd.Provider, cmd.Payload,
		cmd.CreatedAt.UTC(), cmd.ExpiresAt.UTC(), string(cmd.Status), result,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("create command: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(row scanner) (domain.Command, error) {
	var (
		cmd    domain.Command
		status string
		result []byte
	)
	if err := row.Scan(&cmd.ID, &cmd.TenantID, &cmd.SourcePrincipal, &cmd.Provider, &cmd.Payload, &cmd.CreatedAt, &cmd.ExpiresAt, &status, &result); err != nil {
		return domain.Command{}, err
	}
	cmd.Status = domain.CommandStatus(status)
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	cmd.ExpiresAt = cmd.ExpiresAt.UTC()
	if len(result) > 0 {
		var r domain.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return domain.Command{}, fmt.Errorf("decode command result: %w", err)
		}
		cmd.Result = &r
	}
	return cmd, nil
}

func (s *Store) GetCommand(ctx context.Context, tenantID, id string) (domain.Command, error) {
	cmd, err := scanCommand(s.db.QueryRowContext(ctx, selectCommandQuery, tenantID, id))
	if err != nil {
		return domain.Command{}, handleNotFound(err)
	}
	return cmd, nil
}

func (s *Store) CommandExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, commandExistsQuery, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check command id: %w", err)
	}
	return exists, nil
}

// buildListCommandsQuery keeps tenant_id as the first predicate on every
// variant of the query.
func buildListCommandsQuery(filter repo.CommandFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT ` + commandColumns + ` FROM commands WHERE tenant_id = $1`)
	args := []any{filter.TenantID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		b.WriteString(` AND status = $` + strconv.Itoa(len(args)))
	}
	b.WriteString(` ORDER BY created_at ASC, id ASC`)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		b.WriteString(` LIMIT $` + strconv.Itoa(len(args)))
	}
	return b.String(), args
}

func (s *Store) ListCommands(ctx context.Context, filter repo.CommandFilter) ([]domain.Command, error) {
	query, args := buildListCommandsQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Command, 0)
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCommandStatus(ctx context.Context, tenantID, id string, from, to domain.CommandStatus, result *domain.Result) error {
	encoded, err := encodeResult(result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, updateCommandStatusQuery, tenantID, id, string(from), string(to), encoded)
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetCommand(ctx, tenantID, id); err != nil {
		return err
	}
	return repo.ErrConflict
}

func scanTenant(row scanner) (domain.Tenant, error) {
	var (
		t       domain.Tenant
		members []byte
	)
	if err := row.Scan(&t.ID, &t.Owner, &members); err != nil {
		return domain.Tenant{}, err
	}
	if len(members) > 0 {
		if err := json.Unmarshal(members, &t.Members); err != nil {
			return domain.Tenant{}, fmt.Errorf("decode tenant members: %w", err)
		}
	}
	return t, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, selectTenantQuery, id))
	if err != nil {
		return domain.Tenant{}, handleNotFound(err)
	}
	return t, nil
}

func (s *Store) UpsertTenant(ctx context.Context, tenant domain.Tenant) error {
	if strings.TrimSpace(tenant.ID) == "" {
		return errors.New("tenant id is required")
	}
	members := tenant.Members
	if members == nil {
		members = []string{}
	}
	data, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("encode tenant members: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertTenantQuery, tenant.ID, tenant.Owner, data); err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, listTenantsQuery)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Tenant, 0)
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) PutCredential(ctx context.Context, cred repo.SealedCredential) error {
	updated := cred.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, upsertCredentialQuery,
		cred.TenantID, strings.ToLower(cred.Provider), cred.Ciphertext, updated.UTC(),
	); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, tenantID, provider string) (repo.SealedCredential, error) {
	var cred repo.SealedCredential
	err := s.db.QueryRowContext(ctx, selectCredentialQuery, tenantID, strings.ToLower(provider)).
		Scan(&cred.TenantID, &cred.Provider, &cred.Ciphertext, &cred.UpdatedAt)
	if err != nil {
		return repo.SealedCredential{}, handleNotFound(err)
	}
	cred.UpdatedAt = cred.UpdatedAt.UTC()
	return cred, nil
}

func (s *Store) DeleteCredential(ctx context.Context, tenantID, provider string) error {
	res, err := s.db.ExecContext(ctx, deleteCredentialQuery, tenantID, strings.ToLower(provider))
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) PurgeTenant(ctx context.Context, tenantID string) (repo.PurgeCounts, error) {
	var counts repo.PurgeCounts
	err := postgres.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		var err error
		if counts.Entries, err = deleteChain(ctx, tx, tenantID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, deleteCommandsQuery, tenantID)
		if err != nil {
			return fmt.Errorf("delete commands: %w", err)
		}
		counts.Commands, _ = res.RowsAffected()
		res, err = tx.ExecContext(ctx, deleteCredentialsQuery, tenantID)
		if err != nil {
			return fmt.Errorf("delete credentials: %w", err)
		}
		counts.Credentials, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx, deleteTenantQuery, tenantID); err != nil {
			return fmt.Errorf("delete tenant: %w", err)
		}
		return nil
	})
	if err != nil {
		return repo.PurgeCounts{}, err
	}
	return counts, nil
}

var _ repo.Store = (*Store)(nil)
