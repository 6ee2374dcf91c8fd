// Package store persists tenants, credentials, collections and objects.
// Every collection and object query takes the tenant as a mandatory filter.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/objectstore/internal/pagination"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Backend is implemented by the Postgres, SQLite and Memory adapters.
type Backend interface {
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)

	InsertCredential(ctx context.Context, c *Credential) error
	ListCredentials(ctx context.Context) ([]*Credential, error)
	ListTenantCredentials(ctx context.Context, tenantID string) ([]*Credential, error)
	TouchCredential(ctx context.Context, secretHash string, at time.Time) error
	DeleteCredential(ctx context.Context, secretHash string) error

	// UpsertCollection inserts c or, when (tenant, name) exists, replaces
	// only its schema. The stored row is returned.
	UpsertCollection(ctx context.Context, c *Collection) (*Collection, error)
	GetCollection(ctx context.Context, tenantID, name string) (*Collection, error)
	// ListCollections returns up to q.FetchLimit() rows in q's order.
	ListCollections(ctx context.Context, tenantID string, q pagination.Query) ([]*Collection, error)
	UpdateCollectionSchema(ctx context.Context, tenantID, name string, schema json.RawMessage) (*Collection, error)
	// DeleteCollection removes the collection and all of its objects.
	DeleteCollection(ctx context.Context, tenantID, name string) error
	CollectionExists(ctx context.Context, tenantID, name string) (bool, error)
	CountCollections(ctx context.Context, tenantID string) (int, error)

	// InsertObject fails with ErrNotFound when the collection is missing.
	InsertObject(ctx context.Context, o *Object) (*Object, error)
	GetObject(ctx context.Context, tenantID, id string) (*Object, error)
	ListObjects(ctx context.Context, tenantID, collection string, q pagination.Query) ([]*Object, error)
	// UpdateObjectBody replaces the body and sets updated_at to
	// max(at, created_at).
	UpdateObjectBody(ctx context.Context, tenantID, id string, body json.RawMessage, at time.Time) (*Object, error)
	DeleteObject(ctx context.Context, tenantID, id string) error
	CountObjects(ctx context.Context, tenantID, collection string) (int, error)
}

// Options configures the SQL adapters.
type Options struct {
	CommandTimeout time.Duration
	MaxOpenConns   int
	MaxIdleConns   int
}

// DefaultCommandTimeout bounds every SQL statement.
const DefaultCommandTimeout = 60 * time.Second

func (o Options) withDefaults() Options {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 10
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 2
	}
	return o
}

// Open returns an initialized backend for adapter: postgres, sqlite or
// memory. target is the DSN or the SQLite file path.
func Open(ctx context.Context, adapter, target string, opts Options) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch adapter {
	case "postgres":
		b, err = NewPostgres(target, opts)
	case "sqlite":
		b, err = NewSQLite(target, opts)
	case "memory":
		b = NewMemory()
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", adapter)
	}
	if err != nil {
		return nil, err
	}
	if err := b.Init(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}
