package postgres

const (
	ensureHeadQuery = `
INSERT INTO chain_heads (tenant_id, next_index, last_hash)
VALUES ($1, 0, $2)
ON CONFLICT (tenant_id) DO NOTHING`

	lockHeadQuery = `
SELECT next_index, last_hash
FROM chain_heads
WHERE tenant_id = $1
FOR UPDATE`

	insertEntryQuery = `
INSERT INTO chain_entries (tenant_id, idx, ts, payload, previous_hash, hash)
VALUES ($1, $2, $3, $4, $5, $6)`

	advanceHeadQuery = `
UPDATE chain_heads
SET next_index = $2, last_hash = $3
WHERE tenant_id = $1`

	listEntriesQuery = `
SELECT tenant_id, idx, ts, payload, previous_hash, hash
FROM chain_entries
WHERE tenant_id = $1 AND idx > $2
ORDER BY idx ASC
LIMIT $3`

	selectHeadQuery = `
SELECT next_index, last_hash
FROM chain_heads
WHERE tenant_id = $1`

	deleteEntriesQuery = `DELETE FROM chain_entries WHERE tenant_id = $1`
	deleteHeadQuery    = `DELETE FROM chain_heads WHERE tenant_id = $1`

	insertCommandQuery = `
INSERT INTO commands (id, tenant_id, source_principal, provider, payload, created_at, expires_at, status, result)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	commandColumns = `id, tenant_id, source_principal, provider, payload, created_at, expires_at, status, result`

	selectCommandQuery = `
SELECT ` + commandColumns + `
FROM commands
WHERE tenant_id = $1 AND id = $2`

	commandExistsQuery = `SELECT EXISTS (SELECT 1 FROM commands WHERE id = $1)`

	updateCommandStatusQuery = `
UPDATE commands
SET status = $4, result = COALESCE($5, result)
WHERE tenant_id = $1 AND id = $2 AND status = $3`

	deleteCommandsQuery = `DELETE FROM commands WHERE tenant_id = $1`

	selectTenantQuery = `SELECT id, owner, members FROM tenants WHERE id = $1`
	listTenantsQuery  = `SELECT id, owner, members FROM tenants ORDER BY id ASC`

	upsertTenantQuery = `
INSERT INTO tenants (id, owner, members, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO UPDATE
SET owner = EXCLUDED.owner, members = EXCLUDED.members, updated_at = now()`

	deleteTenantQuery = `DELETE FROM tenants WHERE id = $1`

	upsertCredentialQuery = `
INSERT INTO credentials (tenant_id, provider, ciphertext, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, provider) DO UPDATE
SET ciphertext = EXCLUDED.ciphertext, updated_at = EXCLUDED.updated_at`

	selectCredentialQuery = `
SELECT tenant_id, provider, ciphertext, updated_at
FROM credentials
WHERE tenant_id = $1 AND provider = $2`

	deleteCredentialQuery  = `DELETE FROM credentials WHERE tenant_id = $1 AND provider = $2`
	deleteCredentialsQuery = `DELETE FROM credentials WHERE tenant_id = $1`
)
