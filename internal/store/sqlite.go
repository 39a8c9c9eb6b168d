// Package store persists tenant records: each tenant's knowledge base
// configuration, the index ids it was provisioned with and its sync status.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, registers "sqlite"
)

// Sync statuses of a tenant.
const (
	SyncQueued    = "QUEUED"
	SyncRunning   = "RUNNING"
	SyncSucceeded = "SUCCEEDED"
	SyncFailed    = "FAILED"
)

// Knowledge base types.
const (
	KnowledgeBaseShared    = "shared"
	KnowledgeBaseDedicated = "dedicated"
)

// ErrNotFound is returned when no tenant matches.
var ErrNotFound = errors.New("tenant not found")

// Tenant is one stored tenant record.
type Tenant struct {
	OwnerID  string `json:"owner_id"`
	TenantID string `json:"tenant_id"`

	// KnowledgeBase is the tenant's index configuration as JSON, or nil when
	// the tenant has no knowledge base.
	KnowledgeBase json.RawMessage `json:"knowledge_base,omitempty"`

	IndexID       string   `json:"index_id,omitempty"`
	DataSourceIDs []string `json:"data_source_ids,omitempty"`

	SyncStatus string    `json:"sync_status"`
	SyncReason string    `json:"sync_reason"`
	LastExecID string    `json:"last_exec_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TenantStore is the full tenant record surface.
type TenantStore interface {
	Get(ctx context.Context, ownerID, tenantID string) (*Tenant, error)
	Put(ctx context.Context, t Tenant) error
	FindQueued(ctx context.Context) ([]Tenant, error)
	FindShared(ctx context.Context) ([]Tenant, error)
	UpdateIndexIDs(ctx context.Context, ownerID, tenantID, indexID string, dataSourceIDs []string) error
	UpdateSyncStatus(ctx context.Context, ownerID, tenantID, status, reason, lastExecID string) error
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	owner_id        TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	knowledge_base  TEXT,
	index_id        TEXT NOT NULL DEFAULT '',
	data_source_ids TEXT NOT NULL DEFAULT '[]',
	sync_status     TEXT NOT NULL DEFAULT '',
	sync_reason     TEXT NOT NULL DEFAULT '',
	last_exec_id    TEXT NOT NULL DEFAULT '',
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (owner_id, tenant_id)
);
CREATE INDEX IF NOT EXISTS idx_tenants_sync_status ON tenants(sync_status);
`

// SQLiteStore keeps tenants in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ TenantStore = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path. An empty path opens a
// private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating store dir: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening tenant store: %w", err)
	}
	// One connection: a single writer avoids SQLITE_BUSY, and an in-memory
	// database only lives as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a tenant.
func (s *SQLiteStore) Put(ctx context.Context, t Tenant) error {
	ids, err := json.Marshal(nonNil(t.DataSourceIDs))
	if err != nil {
		return fmt.Errorf("encoding data source ids: %w", err)
	}
	var kb any
	if len(t.KnowledgeBase) > 0 {
		kb = string(t.KnowledgeBase)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (owner_id, tenant_id, knowledge_base, index_id, data_source_ids,
			sync_status, sync_reason, last_exec_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, tenant_id) DO UPDATE SET
			knowledge_base = excluded.knowledge_base,
			index_id = excluded.index_id,
			data_source_ids = excluded.data_source_ids,
			sync_status = excluded.sync_status,
			sync_reason = excluded.sync_reason,
			last_exec_id = excluded.last_exec_id,
			updated_at = excluded.updated_at`,
		t.OwnerID, t.TenantID, kb, t.IndexID, string(ids),
		t.SyncStatus, t.SyncReason, t.LastExecID, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("putting tenant %s/%s: %w", t.OwnerID, t.TenantID, err)
	}
	return nil
}

const selectTenant = `SELECT owner_id, tenant_id, knowledge_base, index_id, data_source_ids,
	sync_status, sync_reason, last_exec_id, updated_at FROM tenants`

// Get returns one tenant, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, ownerID, tenantID string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, selectTenant+` WHERE owner_id = ? AND tenant_id = ?`, ownerID, tenantID)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting tenant %s/%s: %w", ownerID, tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting tenant %s/%s: %w", ownerID, tenantID, err)
	}
	return t, nil
}

// FindQueued returns every tenant whose sync status is QUEUED.
func (s *SQLiteStore) FindQueued(ctx context.Context) ([]Tenant, error) {
	return s.query(ctx, selectTenant+` WHERE sync_status = ? ORDER BY owner_id, tenant_id`, SyncQueued)
}

// FindShared returns every tenant whose knowledge base is of type shared.
func (s *SQLiteStore) FindShared(ctx context.Context) ([]Tenant, error) {
	return s.query(ctx, selectTenant+` WHERE json_extract(knowledge_base, '$.type') = ? ORDER BY owner_id, tenant_id`,
		KnowledgeBaseShared)
}

// UpdateIndexIDs records the index and data sources a tenant was
// provisioned with.
func (s *SQLiteStore) UpdateIndexIDs(ctx context.Context, ownerID, tenantID, indexID string, dataSourceIDs []string) error {
	ids, err := json.Marshal(nonNil(dataSourceIDs))
	if err != nil {
		return fmt.Errorf("encoding data source ids: %w", err)
	}
	return s.update(ctx, ownerID, tenantID,
		`UPDATE tenants SET index_id = ?, data_source_ids = ?, updated_at = ? WHERE owner_id = ? AND tenant_id = ?`,
		indexID, string(ids), s.now().UnixMilli(), ownerID, tenantID)
}

// UpdateSyncStatus overwrites a tenant's sync status fields.
func (s *SQLiteStore) UpdateSyncStatus(ctx context.Context, ownerID, tenantID, status, reason, lastExecID string) error {
	return s.update(ctx, ownerID, tenantID,
		`UPDATE tenants SET sync_status = ?, sync_reason = ?, last_exec_id = ?, updated_at = ? WHERE owner_id = ? AND tenant_id = ?`,
		status, reason, lastExecID, s.now().UnixMilli(), ownerID, tenantID)
}

func (s *SQLiteStore) update(ctx context.Context, ownerID, tenantID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating tenant %s/%s: %w", ownerID, tenantID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating tenant %s/%s: %w", ownerID, tenantID, err)
	}
	if n == 0 {
		return fmt.Errorf("updating tenant %s/%s: %w", ownerID, tenantID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenants: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(sc scanner) (*Tenant, error) {
	var (
		t       Tenant
		kb      sql.NullString
		ids     string
		updated int64
	)
	if err := sc.Scan(&t.OwnerID, &t.TenantID, &kb, &t.IndexID, &ids,
		&t.SyncStatus, &t.SyncReason, &t.LastExecID, &updated); err != nil {
		return nil, err
	}
	if kb.Valid && kb.String != "" {
		t.KnowledgeBase = json.RawMessage(kb.String)
	}
	if err := json.Unmarshal([]byte(ids), &t.DataSourceIDs); err != nil {
		return nil, fmt.Errorf("decoding data source ids: %w", err)
	}
	if len(t.DataSourceIDs) == 0 {
		t.DataSourceIDs = nil
	}
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return &t, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
