package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/objectstore/internal/pagination"
	_ "modernc.org/sqlite"
)

// SQLite is the single-node adapter. Timestamps are stored as unix
// nanoseconds so ordering stays exact.
type SQLite struct {
	db      *sql.DB
	timeout time.Duration
}

func NewSQLite(path string, opts Options) (*SQLite, error) {
	opts = opts.withDefaults()
	if path == "" {
		path = "objectstore.db"
	}
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps PRAGMAs and :memory: databases consistent.
	d.SetMaxOpenConns(1)
	return &SQLite{db: d, timeout: opts.CommandTimeout}, nil
}

var sqliteSchema = []string{
	`PRAGMA foreign_keys = ON`,
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		secret_hash TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		created_at INTEGER NOT NULL,
		last_used INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credentials_tenant ON credentials (tenant_id)`,
	`CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		json_schema TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE (tenant_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_collections_seek ON collections (tenant_id, created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS objects (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		collection_name TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (tenant_id, collection_name) REFERENCES collections (tenant_id, name) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_objects_seek ON objects (tenant_id, collection_name, created_at DESC, id DESC)`,
}

func (s *SQLite) Init(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite init: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SQLite) CreateTenant(ctx context.Context, t *Tenant) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)`,
		t.ID, t.Name, t.CreatedAt.UnixNano())
	return liteError(err)
}

func (s *SQLite) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var t Tenant
	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &created)
	if err != nil {
		return nil, liteError(err)
	}
	t.CreatedAt = fromNanos(created)
	return &t, nil
}

func (s *SQLite) InsertCredential(ctx context.Context, c *Credential) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO credentials (secret_hash, tenant_id, created_at) VALUES (?, ?, ?)`,
		c.SecretHash, c.TenantID, c.CreatedAt.UnixNano())
	return liteError(err)
}

func (s *SQLite) ListCredentials(ctx context.Context) ([]*Credential, error) {
	return s.queryCredentials(ctx, `SELECT secret_hash, tenant_id, created_at, last_used FROM credentials ORDER BY created_at`)
}

func (s *SQLite) ListTenantCredentials(ctx context.Context, tenantID string) ([]*Credential, error) {
	return s.queryCredentials(ctx, `SELECT secret_hash, tenant_id, created_at, last_used FROM credentials WHERE tenant_id = ? ORDER BY created_at`, tenantID)
}

func (s *SQLite) queryCredentials(ctx context.Context, query string, args ...any) ([]*Credential, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, liteError(err)
	}
	defer rows.Close()

	out := []*Credential{}
	for rows.Next() {
		var c Credential
		var created int64
		var lastUsed sql.NullInt64
		if err := rows.Scan(&c.SecretHash, &c.TenantID, &created, &lastUsed); err != nil {
			return nil, err
		}
		c.CreatedAt = fromNanos(created)
		if lastUsed.Valid {
			t := fromNanos(lastUsed.Int64)
			c.LastUsed = &t
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLite) TouchCredential(ctx context.Context, secretHash string, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE credentials SET last_used = ? WHERE secret_hash = ?`, at.UnixNano(), secretHash)
	return affected(res, liteError(err))
}

func (s *SQLite) DeleteCredential(ctx context.Context, secretHash string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE secret_hash = ?`, secretHash)
	return liteError(err)
}

func (s *SQLite) UpsertCollection(ctx context.Context, c *Collection) (*Collection, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO collections (id, tenant_id, name, json_schema, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, name) DO UPDATE SET json_schema = excluded.json_schema
		RETURNING `+collectionColumns,
		c.ID, c.TenantID, c.Name, jsonArg(c.Schema), c.CreatedAt.UnixNano())
	return scanLiteCollection(row)
}

func (s *SQLite) GetCollection(ctx context.Context, tenantID, name string) (*Collection, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+collectionColumns+` FROM collections WHERE tenant_id = ? AND name = ?`, tenantID, name)
	return scanLiteCollection(row)
}

func (s *SQLite) ListCollections(ctx context.Context, tenantID string, q pagination.Query) ([]*Collection, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	where, args := "tenant_id = ?", []any{tenantID}
	if clause, extra := q.Seek(pagination.SQLite, len(args)+1); clause != "" {
		where += " AND " + clause
		args = append(args, extra...)
	}
	query := fmt.Sprintf(`SELECT %s FROM collections WHERE %s ORDER BY %s LIMIT %d`,
		collectionColumns, where, q.OrderBy(), q.FetchLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, liteError(err)
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		c, err := scanLiteCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateCollectionSchema(ctx context.Context, tenantID, name string, schema json.RawMessage) (*Collection, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		UPDATE collections SET json_schema = ?
		WHERE tenant_id = ? AND name = ?
		RETURNING `+collectionColumns,
		jsonArg(schema), tenantID, name)
	return scanLiteCollection(row)
}

func (s *SQLite) DeleteCollection(ctx context.Context, tenantID, name string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE tenant_id = ? AND name = ?`, tenantID, name)
	return affected(res, liteError(err))
}

func (s *SQLite) CollectionExists(ctx context.Context, tenantID, name string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM collections WHERE tenant_id = ? AND name = ?)`, tenantID, name).Scan(&ok)
	return ok, liteError(err)
}

func (s *SQLite) CountCollections(ctx context.Context, tenantID string) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, liteError(err)
}

func (s *SQLite) InsertObject(ctx context.Context, o *Object) (*Object, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	at := o.CreatedAt.UnixNano()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO objects (id, tenant_id, collection_name, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING `+objectColumns,
		o.ID, o.TenantID, o.CollectionName, string(o.Body), at, at)
	return scanLiteObject(row)
}

func (s *SQLite) GetObject(ctx context.Context, tenantID, id string) (*Object, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE tenant_id = ? AND id = ?`, tenantID, id)
	return scanLiteObject(row)
}

func (s *SQLite) ListObjects(ctx context.Context, tenantID, collection string, q pagination.Query) ([]*Object, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	where, args := "tenant_id = ? AND collection_name = ?", []any{tenantID, collection}
	if clause, extra := q.Seek(pagination.SQLite, len(args)+1); clause != "" {
		where += " AND " + clause
		args = append(args, extra...)
	}
	query := fmt.Sprintf(`SELECT %s FROM objects WHERE %s ORDER BY %s LIMIT %d`,
		objectColumns, where, q.OrderBy(), q.FetchLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, liteError(err)
	}
	defer rows.Close()

	var out []*Object
	for rows.Next() {
		o, err := scanLiteObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateObjectBody(ctx context.Context, tenantID, id string, body json.RawMessage, at time.Time) (*Object, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		UPDATE objects SET body = ?, updated_at = MAX(?, created_at)
		WHERE tenant_id = ? AND id = ?
		RETURNING `+objectColumns,
		string(body), at.UnixNano(), tenantID, id)
	return scanLiteObject(row)
}

func (s *SQLite) DeleteObject(ctx context.Context, tenantID, id string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE tenant_id = ? AND id = ?`, tenantID, id)
	return affected(res, liteError(err))
}

func (s *SQLite) CountObjects(ctx context.Context, tenantID, collection string) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE tenant_id = ? AND collection_name = ?`, tenantID, collection).Scan(&n)
	return n, liteError(err)
}

func scanLiteCollection(row scanner) (*Collection, error) {
	var c Collection
	var schema sql.NullString
	var created int64
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &schema, &created); err != nil {
		return nil, liteError(err)
	}
	c.CreatedAt = fromNanos(created)
	if schema.Valid {
		c.Schema = json.RawMessage(schema.String)
	}
	return &c, nil
}

func scanLiteObject(row scanner) (*Object, error) {
	var o Object
	var body string
	var created, updated int64
	if err := row.Scan(&o.ID, &o.TenantID, &o.CollectionName, &body, &created, &updated); err != nil {
		return nil, liteError(err)
	}
	o.Body = json.RawMessage(body)
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	return &o, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// liteError maps constraint failures by message; the driver reports
// them as SQLITE_CONSTRAINT with the kind in the text.
func liteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "PRIMARY KEY constraint failed"):
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	}
	return err
}
