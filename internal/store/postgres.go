package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/objectstore/internal/pagination"
	"github.com/lib/pq"
)

const (
	collectionColumns = "id, tenant_id, name, json_schema, created_at"
	objectColumns     = "id, tenant_id, collection_name, body, created_at, updated_at"
)

// Postgres is the production adapter. The schema comes from migrations.
type Postgres struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgres(dsn string, opts Options) (*Postgres, error) {
	opts = opts.withDefaults()
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(opts.MaxOpenConns)
	d.SetMaxIdleConns(opts.MaxIdleConns)
	return &Postgres{db: d, timeout: opts.CommandTimeout}, nil
}

// Init only verifies connectivity; tables are created by migrations.
func (p *Postgres) Init(ctx context.Context) error {
	return p.Ping(ctx)
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error { return p.db.Close() }

// bound applies the command timeout.
func (p *Postgres) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Postgres) CreateTenant(ctx context.Context, t *Tenant) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)`, t.ID, t.Name, t.CreatedAt)
	return pgError(err)
}

func (p *Postgres) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	var t Tenant
	err := p.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		return nil, lookupError(err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func (p *Postgres) InsertCredential(ctx context.Context, c *Credential) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `INSERT INTO credentials (secret_hash, tenant_id, created_at) VALUES ($1, $2, $3)`,
		c.SecretHash, c.TenantID, c.CreatedAt)
	return pgError(err)
}

func (p *Postgres) ListCredentials(ctx context.Context) ([]*Credential, error) {
	return p.queryCredentials(ctx, `SELECT secret_hash, tenant_id, created_at, last_used FROM credentials ORDER BY created_at`)
}

func (p *Postgres) ListTenantCredentials(ctx context.Context, tenantID string) ([]*Credential, error) {
	return p.queryCredentials(ctx, `SELECT secret_hash, tenant_id, created_at, last_used FROM credentials WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
}

func (p *Postgres) queryCredentials(ctx context.Context, query string, args ...any) ([]*Credential, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	out := []*Credential{}
	for rows.Next() {
		var c Credential
		var lastUsed sql.NullTime
		if err := rows.Scan(&c.SecretHash, &c.TenantID, &c.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		if lastUsed.Valid {
			t := lastUsed.Time.UTC()
			c.LastUsed = &t
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (p *Postgres) TouchCredential(ctx context.Context, secretHash string, at time.Time) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `UPDATE credentials SET last_used = $2 WHERE secret_hash = $1`, secretHash, at)
	return affected(res, pgError(err))
}

func (p *Postgres) DeleteCredential(ctx context.Context, secretHash string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `DELETE FROM credentials WHERE secret_hash = $1`, secretHash)
	return pgError(err)
}

func (p *Postgres) UpsertCollection(ctx context.Context, c *Collection) (*Collection, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO collections (id, tenant_id, name, json_schema, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (tenant_id, name) DO UPDATE SET json_schema = EXCLUDED.json_schema
		RETURNING `+collectionColumns,
		c.ID, c.TenantID, c.Name, jsonArg(c.Schema), c.CreatedAt)
	return scanPgCollection(row)
}

func (p *Postgres) GetCollection(ctx context.Context, tenantID, name string) (*Collection, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `SELECT `+collectionColumns+` FROM collections WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	c, err := scanPgCollection(row)
	return c, lookupError(err)
}

func (p *Postgres) ListCollections(ctx context.Context, tenantID string, q pagination.Query) ([]*Collection, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	where, args := "tenant_id = $1", []any{tenantID}
	if clause, extra := q.Seek(pagination.Postgres, len(args)+1); clause != "" {
		where += " AND " + clause
		args = append(args, extra...)
	}
	query := fmt.Sprintf(`SELECT %s FROM collections WHERE %s ORDER BY %s LIMIT %d`,
		collectionColumns, where, q.OrderBy(), q.FetchLimit())

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		c, err := scanPgCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateCollectionSchema(ctx context.Context, tenantID, name string, schema json.RawMessage) (*Collection, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `
		UPDATE collections SET json_schema = $3::jsonb
		WHERE tenant_id = $1 AND name = $2
		RETURNING `+collectionColumns,
		tenantID, name, jsonArg(schema))
	c, err := scanPgCollection(row)
	return c, lookupError(err)
}

func (p *Postgres) DeleteCollection(ctx context.Context, tenantID, name string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `DELETE FROM collections WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	return affected(res, lookupError(err))
}

func (p *Postgres) CollectionExists(ctx context.Context, tenantID, name string) (bool, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	var ok bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM collections WHERE tenant_id = $1 AND name = $2)`, tenantID, name).Scan(&ok)
	return ok, pgError(err)
}

func (p *Postgres) CountCollections(ctx context.Context, tenantID string) (int, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE tenant_id = $1`, tenantID).Scan(&n)
	return n, pgError(err)
}

func (p *Postgres) InsertObject(ctx context.Context, o *Object) (*Object, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO objects (id, tenant_id, collection_name, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $5)
		RETURNING `+objectColumns,
		o.ID, o.TenantID, o.CollectionName, string(o.Body), o.CreatedAt)
	return scanPgObject(row)
}

func (p *Postgres) GetObject(ctx context.Context, tenantID, id string) (*Object, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	o, err := scanPgObject(row)
	return o, lookupError(err)
}

func (p *Postgres) ListObjects(ctx context.Context, tenantID, collection string, q pagination.Query) ([]*Object, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	where, args := "tenant_id = $1 AND collection_name = $2", []any{tenantID, collection}
	if clause, extra := q.Seek(pagination.Postgres, len(args)+1); clause != "" {
		where += " AND " + clause
		args = append(args, extra...)
	}
	query := fmt.Sprintf(`SELECT %s FROM objects WHERE %s ORDER BY %s LIMIT %d`,
		objectColumns, where, q.OrderBy(), q.FetchLimit())

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	var out []*Object
	for rows.Next() {
		o, err := scanPgObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateObjectBody(ctx context.Context, tenantID, id string, body json.RawMessage, at time.Time) (*Object, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `
		UPDATE objects SET body = $3::jsonb, updated_at = GREATEST($4::timestamptz, created_at)
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+objectColumns,
		tenantID, id, string(body), at)
	o, err := scanPgObject(row)
	return o, lookupError(err)
}

func (p *Postgres) DeleteObject(ctx context.Context, tenantID, id string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `DELETE FROM objects WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return affected(res, lookupError(err))
}

func (p *Postgres) CountObjects(ctx context.Context, tenantID, collection string) (int, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE tenant_id = $1 AND collection_name = $2`, tenantID, collection).Scan(&n)
	return n, pgError(err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPgCollection(row scanner) (*Collection, error) {
	var c Collection
	var schema []byte
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &schema, &c.CreatedAt); err != nil {
		return nil, pgError(err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if schema != nil {
		c.Schema = json.RawMessage(schema)
	}
	return &c, nil
}

func scanPgObject(row scanner) (*Object, error) {
	var o Object
	var body []byte
	if err := row.Scan(&o.ID, &o.TenantID, &o.CollectionName, &body, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, pgError(err)
	}
	o.Body = json.RawMessage(body)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

// jsonArg binds an optional document; absent and JSON null become SQL NULL.
func jsonArg(raw json.RawMessage) any {
	if raw = normalizeSchema(raw); raw == nil {
		return nil
	}
	return string(raw)
}

// pgError maps driver errors onto the package sentinels.
func pgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", ErrNotFound, pqErr.Message)
		}
	}
	return err
}

// lookupError is pgError for reads and writes addressed by id: an id that
// is not a valid uuid cannot name a row.
func lookupError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "22P02" { // invalid_text_representation
		return ErrNotFound
	}
	return pgError(err)
}

// affected turns a zero-row mutation into ErrNotFound.
func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
