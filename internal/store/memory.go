package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/example/objectstore/internal/pagination"
)

// Memory keeps everything in process. Not recommended for production.
type Memory struct {
	mu          sync.RWMutex
	tenants     map[string]*Tenant
	credentials map[string]*Credential
	collections map[collectionKey]*Collection
	objects     map[string]*Object
}

type collectionKey struct{ tenant, name string }

func NewMemory() *Memory {
	return &Memory{
		tenants:     map[string]*Tenant{},
		credentials: map[string]*Credential{},
		collections: map[collectionKey]*Collection{},
		objects:     map[string]*Object{},
	}
}

func (m *Memory) Init(context.Context) error { return nil }
func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error { return nil }

func (m *Memory) CreateTenant(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; ok {
		return ErrConflict
	}
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *Memory) GetTenant(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) InsertCredential(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[c.TenantID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.credentials[c.SecretHash]; ok {
		return ErrConflict
	}
	m.credentials[c.SecretHash] = c.clone()
	return nil
}

func (m *Memory) ListCredentials(_ context.Context) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.credentialsWhere(func(*Credential) bool { return true }), nil
}

func (m *Memory) ListTenantCredentials(_ context.Context, tenantID string) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.credentialsWhere(func(c *Credential) bool { return c.TenantID == tenantID }), nil
}

func (m *Memory) credentialsWhere(keep func(*Credential) bool) []*Credential {
	out := []*Credential{}
	for _, c := range m.credentials {
		if keep(c) {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) TouchCredential(_ context.Context, secretHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[secretHash]
	if !ok {
		return ErrNotFound
	}
	c.LastUsed = &at
	return nil
}

func (m *Memory) DeleteCredential(_ context.Context, secretHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, secretHash)
	return nil
}

func (m *Memory) UpsertCollection(_ context.Context, c *Collection) (*Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[c.TenantID]; !ok {
		return nil, ErrNotFound
	}
	key := collectionKey{c.TenantID, c.Name}
	if existing, ok := m.collections[key]; ok {
		existing.Schema = cloneJSON(normalizeSchema(c.Schema))
		return existing.clone(), nil
	}
	stored := c.clone()
	stored.Schema = normalizeSchema(stored.Schema)
	m.collections[key] = stored
	return stored.clone(), nil
}

func (m *Memory) GetCollection(_ context.Context, tenantID, name string) (*Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collectionKey{tenantID, name}]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

func (m *Memory) ListCollections(_ context.Context, tenantID string, q pagination.Query) ([]*Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Collection
	for _, c := range m.collections {
		if c.TenantID == tenantID && q.Admits(c.CreatedAt, c.ID) {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return q.Less(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	return truncate(out, q.FetchLimit()), nil
}

func (m *Memory) UpdateCollectionSchema(_ context.Context, tenantID, name string, schema json.RawMessage) (*Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collectionKey{tenantID, name}]
	if !ok {
		return nil, ErrNotFound
	}
	c.Schema = cloneJSON(normalizeSchema(schema))
	return c.clone(), nil
}

func (m *Memory) DeleteCollection(_ context.Context, tenantID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := collectionKey{tenantID, name}
	if _, ok := m.collections[key]; !ok {
		return ErrNotFound
	}
	delete(m.collections, key)
	for id, o := range m.objects {
		if o.TenantID == tenantID && o.CollectionName == name {
			delete(m.objects, id)
		}
	}
	return nil
}

func (m *Memory) CollectionExists(_ context.Context, tenantID, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[collectionKey{tenantID, name}]
	return ok, nil
}

func (m *Memory) CountCollections(_ context.Context, tenantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for key := range m.collections {
		if key.tenant == tenantID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertObject(_ context.Context, o *Object) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collectionKey{o.TenantID, o.CollectionName}]; !ok {
		return nil, ErrNotFound
	}
	if _, ok := m.objects[o.ID]; ok {
		return nil, ErrConflict
	}
	stored := o.clone()
	m.objects[o.ID] = stored
	return stored.clone(), nil
}

func (m *Memory) GetObject(_ context.Context, tenantID, id string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[id]
	if !ok || o.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return o.clone(), nil
}

func (m *Memory) ListObjects(_ context.Context, tenantID, collection string, q pagination.Query) ([]*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Object
	for _, o := range m.objects {
		if o.TenantID == tenantID && o.CollectionName == collection && q.Admits(o.CreatedAt, o.ID) {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return q.Less(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	return truncate(out, q.FetchLimit()), nil
}

func (m *Memory) UpdateObjectBody(_ context.Context, tenantID, id string, body json.RawMessage, at time.Time) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[id]
	if !ok || o.TenantID != tenantID {
		return nil, ErrNotFound
	}
	o.Body = cloneJSON(body)
	o.UpdatedAt = at
	if at.Before(o.CreatedAt) {
		o.UpdatedAt = o.CreatedAt
	}
	return o.clone(), nil
}

func (m *Memory) DeleteObject(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[id]
	if !ok || o.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.objects, id)
	return nil
}

func (m *Memory) CountObjects(_ context.Context, tenantID, collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.objects {
		if o.TenantID == tenantID && o.CollectionName == collection {
			n++
		}
	}
	return n, nil
}

func truncate[T any](rows []T, n int) []T {
	if len(rows) > n {
		return rows[:n]
	}
	return rows
}
