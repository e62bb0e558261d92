// Package sqlite is a single-file Store backed by modernc SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/ledger-go/internal/domain"
	platformsqlite "github.com/animus-labs/ledger-go/internal/platform/sqlite"
	"github.com/animus-labs/ledger-go/internal/repo"
	"github.com/animus-labs/ledger-go/internal/repo/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

type Store struct {
	db *sql.DB
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

// Open opens the database at cfg.Path and applies embedded migrations.
func Open(ctx context.Context, cfg platformsqlite.Config) (*Store, error) {
	db, err := platformsqlite.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := platformsqlite.ApplyMigrations(ctx, db, migrations.FS, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) AppendEntry(ctx context.Context, tenantID string, build repo.BuildEntryFunc) (domain.ChainEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChainEntry{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	head, err := headTx(ctx, tx, tenantID)
	if err != nil {
		return domain.ChainEntry{}, err
	}
	entry, err := build(head)
	if err != nil {
		return domain.ChainEntry{}, err
	}
	if entry.Index != head.NextIndex || entry.TenantID != tenantID {
		return domain.ChainEntry{}, repo.ErrConflict
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chain_entries (tenant_id, idx, ts, payload, previous_hash, hash) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.TenantID, entry.Index, toNanos(entry.Timestamp), entry.Payload, entry.PreviousHash, entry.Hash,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ChainEntry{}, repo.ErrConflict
		}
		return domain.ChainEntry{}, fmt.Errorf("insert chain entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chain_heads (tenant_id, next_index, last_hash) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET next_index = excluded.next_index, last_hash = excluded.last_hash`,
		tenantID, entry.Index+1, entry.Hash,
	); err != nil {
		return domain.ChainEntry{}, fmt.Errorf("advance chain head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ChainEntry{}, fmt.Errorf("commit append: %w", err)
	}
	return entry, nil
}

func headTx(ctx context.Context, tx *sql.Tx, tenantID string) (domain.ChainHead, error) {
	head := domain.Genesis(tenantID)
	err := tx.QueryRowContext(ctx,
		`SELECT next_index, last_hash FROM chain_heads WHERE tenant_id = ?`, tenantID,
	).Scan(&head.NextIndex, &head.LastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.ChainHead{}, fmt.Errorf("load chain head: %w", err)
	}
	return head, nil
}

func (s *Store) ListEntries(ctx context.Context, tenantID string, afterIndex int64, limit int) ([]domain.ChainEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, idx, ts, payload, previous_hash, hash
		 FROM chain_entries
		 WHERE tenant_id = ? AND idx > ?
		 ORDER BY idx ASC
		 LIMIT ?`,
		tenantID, afterIndex, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list chain entries: %w", err)
	}
	defer rows.Close()

	var out []domain.ChainEntry
	for rows.Next() {
		var (
			e  domain.ChainEntry
			ts int64
		)
		if err := rows.Scan(&e.TenantID, &e.Index, &ts, &e.Payload, &e.PreviousHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan chain entry: %w", err)
		}
		e.Timestamp = fromNanos(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Head(ctx context.Context, tenantID string) (domain.ChainHead, error) {
	head := domain.Genesis(tenantID)
	err := s.db.QueryRowContext(ctx,
		`SELECT next_index, last_hash FROM chain_heads WHERE tenant_id = ?`, tenantID,
	).Scan(&head.NextIndex, &head.LastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.ChainHead{}, fmt.Errorf("load chain head: %w", err)
	}
	return head, nil
}

func (s *Store) DeleteChain(ctx context.Context, tenantID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete chain: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	n, err := deleteChainTx(ctx, tx, tenantID)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func deleteChainTx(ctx context.Context, tx *sql.Tx, tenantID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM chain_entries WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete chain entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chain_heads WHERE tenant_id = ?`, tenantID); err != nil {
		return 0, fmt.Errorf("delete chain head: %w", err)
	}
	return n, nil
}

func (s *Store) CreateCommand(ctx context.Context, cmd domain.Command) error {
	result, err := encodeResult(cmd.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO commands (id, tenant_id, source_principal, provider, payload, created_at, expires_at, status, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.TenantID, cmd.SourcePrincipal, cmd.Provider, cmd.Payload,
		toNanos(cmd.CreatedAt), toNanos(cmd.ExpiresAt), string(cmd.Status), result,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("create command: %w", err)
	}
	return nil
}

const commandColumns = `id, tenant_id, source_principal, provider, payload, created_at, expires_at, status, result`

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(row scanner) (domain.Command, error) {
	var (
		cmd       domain.Command
		status    string
		createdAt int64
		expiresAt int64
		result    sql.NullString
	)
	if err := row.Scan(&cmd.ID, &cmd.TenantID, &cmd.SourcePrincipal, &cmd.Provider, &cmd.Payload, &createdAt, &expiresAt, &status, &result); err != nil {
		return domain.Command{}, err
	}
	cmd.Status = domain.CommandStatus(status)
	cmd.CreatedAt = fromNanos(createdAt)
	cmd.ExpiresAt = fromNanos(expiresAt)
	if result.Valid && result.String != "" {
		var r domain.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return domain.Command{}, fmt.Errorf("decode command result: %w", err)
		}
		cmd.Result = &r
	}
	return cmd, nil
}

func (s *Store) GetCommand(ctx context.Context, tenantID, id string) (domain.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE tenant_id = ? AND id = ?`, tenantID, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Command{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.Command{}, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

func (s *Store) CommandExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM commands WHERE id = ?)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check command id: %w", err)
	}
	return exists, nil
}

func (s *Store) ListCommands(ctx context.Context, filter repo.CommandFilter) ([]domain.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE tenant_id = ?`
	args := []any{filter.TenantID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, result = COALESCE(?, result)
		 WHERE tenant_id = ? AND id = ? AND status = ?`,
		string(to), encoded, tenantID, id, string(from),
	)
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

func encodeResult(r *domain.Result) (any, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode command result: %w", err)
	}
	return string(data), nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var (
		t       domain.Tenant
		members string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, owner, members FROM tenants WHERE id = ?`, id).Scan(&t.ID, &t.Owner, &members)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tenant{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	if err := json.Unmarshal([]byte(members), &t.Members); err != nil {
		return domain.Tenant{}, fmt.Errorf("decode tenant members: %w", err)
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, owner, members, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET owner = excluded.owner, members = excluded.members, updated_at = excluded.updated_at`,
		tenant.ID, tenant.Owner, string(data), toNanos(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner, members FROM tenants ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Tenant, 0)
	for rows.Next() {
		var (
			t       domain.Tenant
			members string
		)
		if err := rows.Scan(&t.ID, &t.Owner, &members); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		if err := json.Unmarshal([]byte(members), &t.Members); err != nil {
			return nil, fmt.Errorf("decode tenant members: %w", err)
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (tenant_id, provider, ciphertext, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id, provider) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		cred.TenantID, strings.ToLower(cred.Provider), cred.Ciphertext, toNanos(updated),
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, tenantID, provider string) (repo.SealedCredential, error) {
	var (
		cred    repo.SealedCredential
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, provider, ciphertext, updated_at FROM credentials WHERE tenant_id = ? AND provider = ?`,
		tenantID, strings.ToLower(provider),
	).Scan(&cred.TenantID, &cred.Provider, &cred.Ciphertext, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return repo.SealedCredential{}, repo.ErrNotFound
	}
	if err != nil {
		return repo.SealedCredential{}, fmt.Errorf("get credential: %w", err)
	}
	cred.UpdatedAt = fromNanos(updated)
	return cred, nil
}

func (s *Store) DeleteCredential(ctx context.Context, tenantID, provider string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE tenant_id = ? AND provider = ?`, tenantID, strings.ToLower(provider))
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) PurgeTenant(ctx context.Context, tenantID string) (repo.PurgeCounts, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return repo.PurgeCounts{}, fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var counts repo.PurgeCounts
	if counts.Entries, err = deleteChainTx(ctx, tx, tenantID); err != nil {
		return repo.PurgeCounts{}, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM commands WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return repo.PurgeCounts{}, fmt.Errorf("delete commands: %w", err)
	}
	counts.Commands, _ = res.RowsAffected()
	res, err = tx.ExecContext(ctx, `DELETE FROM credentials WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return repo.PurgeCounts{}, fmt.Errorf("delete credentials: %w", err)
	}
	counts.Credentials, _ = res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, tenantID); err != nil {
		return repo.PurgeCounts{}, fmt.Errorf("delete tenant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return repo.PurgeCounts{}, fmt.Errorf("commit purge: %w", err)
	}
	return counts, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ repo.Store = (*Store)(nil)
