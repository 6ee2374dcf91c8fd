// Package storetest holds the behaviour every store.Backend must share.
// Adapter tests call Run with a constructor for a fresh, initialized backend.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/example/objectstore/internal/pagination"
	"github.com/example/objectstore/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty backend. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Backend

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func Run(t *testing.T, newBackend Factory) {
	cases := map[string]func(*testing.T, store.Backend){
		"Tenants":                tenants,
		"Credentials":            credentials,
		"UpsertKeepsIdentity":    upsertKeepsIdentity,
		"CollectionSchema":       collectionSchema,
		"DeleteCascades":         deleteCascades,
		"ObjectLifecycle":        objectLifecycle,
		"ObjectNeedsCollection":  objectNeedsCollection,
		"TenantIsolation":        tenantIsolation,
		"UpdatedNeverBeforeMade": updatedNeverBeforeCreated,
		"ObjectTraversal":        objectTraversal,
		"CollectionTraversal":    collectionTraversal,
	}
	for name, fn := range cases {
		fn := fn
		t.Run(name, func(t *testing.T) {
			fn(t, newBackend(t))
		})
	}
}

func mustTenant(t *testing.T, b store.Backend, name string) *store.Tenant {
	t.Helper()
	tn := &store.Tenant{ID: uuid.NewString(), Name: name, CreatedAt: base}
	require.NoError(t, b.CreateTenant(context.Background(), tn))
	return tn
}

func mustCollection(t *testing.T, b store.Backend, tenantID, name string, schema string) *store.Collection {
	t.Helper()
	c := &store.Collection{ID: uuid.NewString(), TenantID: tenantID, Name: name, CreatedAt: base}
	if schema != "" {
		c.Schema = json.RawMessage(schema)
	}
	got, err := b.UpsertCollection(context.Background(), c)
	require.NoError(t, err)
	return got
}

func mustObject(t *testing.T, b store.Backend, tenantID, collection string, at time.Time, body string) *store.Object {
	t.Helper()
	o := &store.Object{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		CollectionName: collection,
		Body:           json.RawMessage(body),
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	got, err := b.InsertObject(context.Background(), o)
	require.NoError(t, err)
	return got
}

func firstPage(t *testing.T, limit int, order pagination.Order) pagination.Query {
	t.Helper()
	q, err := pagination.Params{Limit: limit, Order: order}.Query(nil)
	require.NoError(t, err)
	return q
}

func tenants(t *testing.T, b store.Backend) {
	ctx := context.Background()
	tn := mustTenant(t, b, "acme")

	got, err := b.GetTenant(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name)
	assert.True(t, base.Equal(got.CreatedAt))

	assert.ErrorIs(t, b.CreateTenant(ctx, tn), store.ErrConflict)
	_, err = b.GetTenant(ctx, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func credentials(t *testing.T, b store.Backend) {
	ctx := context.Background()
	a := mustTenant(t, b, "a")
	other := mustTenant(t, b, "b")

	require.NoError(t, b.InsertCredential(ctx, &store.Credential{SecretHash: "h1", TenantID: a.ID, CreatedAt: base}))
	require.NoError(t, b.InsertCredential(ctx, &store.Credential{SecretHash: "h2", TenantID: other.ID, CreatedAt: base.Add(time.Second)}))
	assert.ErrorIs(t, b.InsertCredential(ctx, &store.Credential{SecretHash: "h1", TenantID: a.ID, CreatedAt: base}), store.ErrConflict)
	assert.ErrorIs(t, b.InsertCredential(ctx, &store.Credential{SecretHash: "h3", TenantID: uuid.NewString(), CreatedAt: base}), store.ErrNotFound)

	all, err := b.ListCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "h1", all[0].SecretHash)
	assert.Nil(t, all[0].LastUsed)

	used := base.Add(time.Hour)
	require.NoError(t, b.TouchCredential(ctx, "h1", used))
	mine, err := b.ListTenantCredentials(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.NotNil(t, mine[0].LastUsed)
	assert.True(t, used.Equal(*mine[0].LastUsed))
	assert.ErrorIs(t, b.TouchCredential(ctx, "missing", used), store.ErrNotFound)

	require.NoError(t, b.DeleteCredential(ctx, "h1"))
	require.NoError(t, b.DeleteCredential(ctx, "h1"))
	all, err = b.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func upsertKeepsIdentity(t *testing.T, b store.Backend) {
	ctx := context.Background()
	tn := mustTenant(t, b, "acme")
	first := mustCollection(t, b, tn.ID, "notes", `{"type":"object"}`)

	again, err := b.UpsertCollection(ctx, &store.Collection{
		ID:        uuid.NewString(),
		TenantID:  tn.ID,
		Name:      "notes",
		Schema:    json.RawMessage(`{"type":"object","required":["title"]}`),
		CreatedAt: base.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, first.CreatedAt.Equal(again.CreatedAt))
	assert.JSONEq(t, `{"type":"object","required":["title"]}`, string(again.Schema))

	n, err := b.CountCollections(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = b.UpsertCollection(ctx, &store.Collection{ID: uuid.NewString(), TenantID: uuid.NewString(), Name: "x", CreatedAt: base})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func collectionSchema(t *testing.T, b store.Backend) {
	ctx := context.Background()
	tn := mustTenant(t, b, "acme")
	c := mustCollection(t, b, tn.ID, "plain", "")
	assert.Nil(t, c.Schema)

	updated, err := b.UpdateCollectionSchema(ctx, tn.ID, "plain", json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"object"}`, string(updated.Schema))

	cleared, err := b.UpdateCollectionSchema(ctx, tn.ID, "plain", json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Nil(t, cleared.Schema)

	_, err = b.UpdateCollectionSchema(ctx, tn.ID, "missing", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	ok, err := b.CollectionExists(ctx, tn.ID, "plain")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.CollectionExists(ctx, tn.ID, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func deleteCascades(t *testing.T, b store.Backend) {
	ctx := context.Background()
	tn := mustTenant(t, b, "acme")
	mustCollection(t, b, tn.ID, "notes", "")
	mustCollection(t, b, tn.ID, "keep", "")
	o := mustObject(t, b, tn.ID, "notes", base, `{"a":1}`)
	kept := mustObject(t, b, tn.ID, "keep", base, `{"a":2}`)

	require.NoError(t, b.DeleteCollection(ctx, tn.ID, "notes"))
	assert.ErrorIs(t, b.DeleteCollection(ctx, tn.ID, "notes"), store.ErrNotFound)

	_, err := b.GetObject(ctx, tn.ID, o.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = b.GetObject(ctx, tn.ID, kept.ID)
	assert.NoError(t, err)

	// Recreating the name starts from an empty collection.
	mustCollection(t, b, tn.ID, "notes", "")
	n, err := b.CountObjects(ctx, tn.ID, "notes")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func objectLifecycle(t *testing.T, b store.Backend) {
	ctx := context.Background()
	tn := mustTenant(t, b, "acme")
	mustCollection(t, b, tn.ID, "notes", "")
	o := mustObject(t, b, tn.ID, "notes", base, `{"title":"a","n":1}`)
	assert.True(t, base.Equal(o.CreatedAt))
	assert.True(t, base.Equal(o.UpdatedAt))

	got, err := b.GetObject(ctx, tn.ID, o.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"a","n":1}`, string(got.Body))
	assert.Equal(t, "notes", got.CollectionName)

	later := base.Add(time.Minute)
	up, err := b.UpdateObjectBody(ctx, tn.ID, o.ID, json.RawMessage(`{"title":"b","n":1}`), later)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"b","n":1}`, string(up.Body))
	assert.True(t, later.Equal(up.UpdatedAt))
	assert.True(t, base.Equal(up.CreatedAt))

	require.NoError(t, b.DeleteObject(ctx, tn.ID, o.ID))
	assert.ErrorIs(t, b.DeleteObject(ctx, tn.ID, o.ID), store.ErrNotFound)
	_, err = b.UpdateObjectBody(ctx, tn.ID, o.ID, json.RawMessage(`{}`), later)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func objectNeedsCollection(t *testing.T, b store.Backend) {
	tn := mustTenant(t, b, "acme")
	_, err := b.InsertObject(context.Background(), &store.Object{
		ID:             uuid.NewString(),
		TenantID:       tn.ID,
		CollectionName: "missing",
		Body:           json.RawMessage(`{}`),
		CreatedAt:      base,
		UpdatedAt:      base,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func tenantIsolation(t *testing.T, b store.Backend) {
	ctx := context.Background()
	a := mustTenant(t, b, "a")
	other := mustTenant(t, b, "b")
	mustCollection(t, b, a.ID, "notes", "")
	mustCollection(t, b, other.ID, "notes", "")
	o := mustObject(t, b, a.ID, "notes", base, `{"secret":true}`)

	_, err := b.GetObject(ctx, other.ID, o.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = b.UpdateObjectBody(ctx, other.ID, o.ID, json.RawMessage(`{}`), base)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, b.DeleteObject(ctx, other.ID, o.ID), store.ErrNotFound)

	rows, err := b.ListObjects(ctx, other.ID, "notes", firstPage(t, 10, pagination.Desc))
	require.NoError(t, err)
	assert.Empty(t, rows)

	cols, err := b.ListCollections(ctx, other.ID, firstPage(t, 10, pagination.Desc))
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, other.ID, cols[0].TenantID)

	require.NoError(t, b.DeleteCollection(ctx, other.ID, "notes"))
	_, err = b.GetObject(ctx, a.ID, o.ID)
	assert.NoError(t, err)
}

func updatedNeverBeforeCreated(t *testing.T, b store.Backend) {
	tn := mustTenant(t, b, "acme")
	mustCollection(t, b, tn.ID, "notes", "")
	o := mustObject(t, b, tn.ID, "notes", base, `{}`)

	up, err := b.UpdateObjectBody(context.Background(), tn.ID, o.ID, json.RawMessage(`{"x":1}`), base.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, up.UpdatedAt.Equal(up.CreatedAt))
}

func objectTraversal(t *testing.T, b store.Backend) {
	ctx := context.Background()
	tn := mustTenant(t, b, "acme")
	mustCollection(t, b, tn.ID, "notes", "")

	want := map[string]bool{}
	for i := 0; i < 23; i++ {
		// groups of three share a timestamp to exercise the id tie-break
		at := base.Add(time.Duration(i/3) * time.Second)
		o := mustObject(t, b, tn.ID, "notes", at, `{}`)
		want[o.ID] = true
	}

	for _, order := range []pagination.Order{pagination.Desc, pagination.Asc} {
		seen := map[string]bool{}
		var prev *store.Object
		params := pagination.Params{Limit: 5, Order: order}
		filters := map[string]string{"collection": "notes"}
		for pages := 0; ; pages++ {
			require.Less(t, pages, 10, "traversal did not terminate")
			q, err := params.Query(filters)
			require.NoError(t, err)
			rows, err := b.ListObjects(ctx, tn.ID, "notes", q)
			require.NoError(t, err)
			page, err := pagination.Paginate(rows, q, func(o *store.Object) (time.Time, string) { return o.CreatedAt, o.ID })
			require.NoError(t, err)

			for _, o := range page.Items {
				require.False(t, seen[o.ID], "object %s returned twice", o.ID)
				seen[o.ID] = true
				if prev != nil {
					require.True(t, q.Less(prev.CreatedAt, prev.ID, o.CreatedAt, o.ID), "rows out of order")
				}
				prev = o
			}
			if !page.HasMore {
				break
			}
			params.Cursor = page.NextCursor
		}
		assert.Equal(t, want, seen, "order %s", order)
	}
}

func collectionTraversal(t *testing.T, b store.Backend) {
	ctx := context.Background()
	tn := mustTenant(t, b, "acme")
	for i := 0; i < 7; i++ {
		c := &store.Collection{ID: uuid.NewString(), TenantID: tn.ID, Name: "c" + string(rune('a'+i)), CreatedAt: base.Add(time.Duration(i) * time.Second)}
		_, err := b.UpsertCollection(ctx, c)
		require.NoError(t, err)
	}

	var names []string
	params := pagination.Params{Limit: 3, Order: pagination.Asc}
	for {
		q, err := params.Query(nil)
		require.NoError(t, err)
		rows, err := b.ListCollections(ctx, tn.ID, q)
		require.NoError(t, err)
		page, err := pagination.Paginate(rows, q, func(c *store.Collection) (time.Time, string) { return c.CreatedAt, c.ID })
		require.NoError(t, err)
		for _, c := range page.Items {
			names = append(names, c.Name)
		}
		if !page.HasMore {
			break
		}
		params.Cursor = page.NextCursor
	}
	assert.Equal(t, []string{"ca", "cb", "cc", "cd", "ce", "cf", "cg"}, names)
}
