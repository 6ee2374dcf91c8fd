package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	cfg "github.com/example/objectstore/internal/config"
	"github.com/example/objectstore/internal/pagination"
	"github.com/example/objectstore/internal/ratelimit"
	"github.com/example/objectstore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	app     *App
	handler http.Handler
	keyA    string
	keyB    string
}

func newTestEnv(t *testing.T, limits string, mutate ...func(*cfg.Config)) *testEnv {
	t.Helper()
	parsed, err := ratelimit.ParseLimits(limits)
	require.NoError(t, err)
	c := &cfg.Config{
		RateLimits:       parsed,
		RateLimitCleanup: time.Minute,
		RateLimitBypass:  ratelimit.DefaultBypassPaths,
		DefaultPageSize:  50,
		MaxPageSize:      200,
		MaxBodyBytes:     1 << 20,
		BcryptCost:       bcrypt.MinCost,
	}
	for _, m := range mutate {
		m(c)
	}

	backend := store.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"tenant-a", "tenant-b"} {
		require.NoError(t, backend.CreateTenant(ctx, &store.Tenant{ID: id, Name: id, CreatedAt: time.Now()}))
	}
	app := newApp(c, backend)
	env := &testEnv{app: app, handler: app.Router()}
	env.keyA, err = app.Credentials.Issue(ctx, "tenant-a")
	require.NoError(t, err)
	env.keyB, err = app.Credentials.Issue(ctx, "tenant-b")
	require.NoError(t, err)
	return env
}

// generous limits so only the rate limit tests ever see a 429
const roomyLimits = "key:1000/s,write:1000/s,ip:1000/s"

func (e *testEnv) do(t *testing.T, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const collectionsA = "/api/v1/tenants/tenant-a/collections"

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, roomyLimits)
	for _, path := range []string{"/health", "/live", "/ready"} {
		rec := env.do(t, "GET", path, "", "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	}
}

func TestAuthFailuresLookAlike(t *testing.T) {
	env := newTestEnv(t, roomyLimits)
	var bodies []string
	for _, key := range []string{"", "not-a-real-key"} {
		rec := env.do(t, "GET", collectionsA, key, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		bodies = append(bodies, rec.Body.String())
	}
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, "UNAUTHORIZED", decode[APIError](t, env.do(t, "GET", collectionsA, "", "")).Code)

	// revoked keys fail the same way
	require.NoError(t, env.app.Credentials.Revoke(context.Background(), env.keyA))
	rec := env.do(t, "GET", collectionsA, env.keyA, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, bodies[0], rec.Body.String())
}

func TestCrossTenantPathIsUnauthorized(t *testing.T) {
	env := newTestEnv(t, roomyLimits)
	rec := env.do(t, "GET", collectionsA, env.keyB, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNotesScenario(t *testing.T) {
	env := newTestEnv(t, roomyLimits)
	rec := env.do(t, "POST", collectionsA, env.keyA,
		`{"name":"notes","schema":{"type":"object","properties":{"title":{"type":"string"}},"required":["title"]}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, "POST", collectionsA+"/notes/objects", env.keyA, `{"body":{"title":"a"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	obj := decode[objectResponse](t, rec)
	assert.Equal(t, "notes", obj.Collection)
	assert.JSONEq(t, `{"title":"a"}`, string(obj.Body))

	rec = env.do(t, "POST", collectionsA+"/notes/objects", env.keyA, `{"body":{}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decode[APIError](t, rec)
	assert.Equal(t, "VALIDATION_FAILED", apiErr.Code)
	require.NotEmpty(t, apiErr.Details)
	assert.Contains(t, apiErr.Details[0], "title")

	// partial update dropping the required field is rejected
	rec = env.do(t, "PATCH", "/api/v1/objects/"+obj.ID, env.keyA, `{"body":{"title":null}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "PATCH", "/api/v1/objects/"+obj.ID, env.keyA, `{"body":{"tags":["x"]}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"title":"a","tags":["x"]}`, string(decode[objectResponse](t, rec).Body))

	rec = env.do(t, "GET", collectionsA+"/notes", env.keyA, "")
	require.Equal(t, http.StatusOK, rec.Code)
	col := decode[collectionResponse](t, rec)
	require.NotNil(t, col.ObjectCount)
	assert.Equal(t, 1, *col.ObjectCount)
}

func TestCollectionUpsertAndPatch(t *testing.T) {
	env := newTestEnv(t, roomyLimits)
	first := decode[collectionResponse](t, env.do(t, "POST", collectionsA, env.keyA, `{"name":"docs"}`))
	second := decode[collectionResponse](t, env.do(t, "POST", collectionsA, env.keyA, `{"name":"docs","schema":{"type":"object"}}`))
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
	assert.JSONEq(t, `{"type":"object"}`, string(second.Schema))

	rec := env.do(t, "PATCH", collectionsA+"/docs", env.keyA, `{"schema":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", string(decode[collectionResponse](t, rec).Schema))

	rec = env.do(t, "PATCH", collectionsA+"/docs", env.keyA, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", collectionsA, env.keyA, `{"name":"bad","schema":{"type":12}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_SCHEMA", decode[APIError](t, rec).Code)

	rec = env.do(t, "POST", collectionsA, env.keyA, `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[APIError](t, rec).Code)
}

func TestListObjectsFollowsCursors(t *testing.T) {
	env := newTestEnv(t, roomyLimits)
	require.Equal(t, http.StatusCreated, env.do(t, "POST", collectionsA, env.keyA, `{"name":"notes"}`).Code)
	for i := 0; i < 5; i++ {
		rec := env.do(t, "POST", collectionsA+"/notes/objects", env.keyA, `{"body":{"i":`+strconv.Itoa(i)+`}}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	seen := map[string]bool{}
	path := collectionsA + "/notes/objects?limit=2"
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		rec := env.do(t, "GET", path, env.keyA, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		page := decode[listResponse[objectResponse]](t, rec)
		for _, o := range page.Items {
			require.False(t, seen[o.ID])
			seen[o.ID] = true
		}
		if !page.HasMore {
			assert.Nil(t, page.NextCursor)
			assert.Empty(t, rec.Header().Get("Link"))
			break
		}
		require.NotNil(t, page.NextCursor)
		link := rec.Header().Get("Link")
		require.True(t, strings.HasSuffix(link, `>; rel="next"`), link)
		path = strings.TrimSuffix(strings.TrimPrefix(link, "<"), `>; rel="next"`)
	}
	assert.Len(t, seen, 5)
}

func TestListRejectsBadParameters(t *testing.T) {
	env := newTestEnv(t, roomyLimits)
	require.Equal(t, http.StatusCreated, env.do(t, "POST", collectionsA, env.keyA, `{"name":"notes"}`).Code)

	cases := map[string]string{
		"?limit=0":        "INVALID_PAGINATION",
		"?limit=201":      "INVALID_PAGINATION",
		"?order=sideways": "INVALID_PAGINATION",
		"?cursor=garbage": "INVALID_CURSOR",
	}
	for query, code := range cases {
		rec := env.do(t, "GET", collectionsA+"/notes/objects"+query, env.keyA, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
		assert.Equal(t, code, decode[APIError](t, rec).Code, query)
	}

	rec := env.do(t, "GET", collectionsA+"/missing/objects", env.keyA, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRejectsTamperedCursors(t *testing.T) {
	env := newTestEnv(t, roomyLimits)
	require.Equal(t, http.StatusCreated, env.do(t, "POST", collectionsA, env.keyA, `{"name":"notes"}`).Code)
	require.Equal(t, http.StatusCreated, env.do(t, "POST", collectionsA, env.keyA, `{"name":"todos"}`).Code)

	badID, err := pagination.Encode(pagination.Cursor{
		CreatedAt: time.Now(), ID: "'; not-a-uuid", Filters: map[string]string{"collection": "notes"},
	})
	require.NoError(t, err)
	rec := env.do(t, "GET", collectionsA+"/notes/objects?cursor="+badID, env.keyA, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_CURSOR", decode[APIError](t, rec).Code)

	// a collections cursor carries no filters and must not page objects
	rec = env.do(t, "GET", collectionsA+"?limit=1", env.keyA, "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[listResponse[collectionResponse]](t, rec)
	require.NotNil(t, page.NextCursor)
	rec = env.do(t, "GET", collectionsA+"/notes/objects?cursor="+*page.NextCursor, env.keyA, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_CURSOR", decode[APIError](t, rec).Code)
}

func TestOtherTenantsObjectsAreNotFound(t *testing.T) {
	env := newTestEnv(t, roomyLimits)
	require.Equal(t, http.StatusCreated, env.do(t, "POST", "/api/v1/tenants/tenant-b/collections", env.keyB, `{"name":"notes"}`).Code)
	rec := env.do(t, "POST", "/api/v1/tenants/tenant-b/collections/notes/objects", env.keyB, `{"body":{"secret":1}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[objectResponse](t, rec).ID

	missing := env.do(t, "GET", "/api/v1/objects/00000000-0000-0000-0000-000000000000", env.keyA, "")
	for _, method := range []string{"GET", "DELETE"} {
		rec := env.do(t, method, "/api/v1/objects/"+id, env.keyA, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, method)
		assert.Equal(t, missing.Body.String(), rec.Body.String())
	}
	rec = env.do(t, "PATCH", "/api/v1/objects/"+id, env.keyA, `{"body":{"secret":2}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/v1/objects/"+id, env.keyB, "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/v1/objects/not-a-uuid", env.keyB, "").Code)
}

func TestDeleteCollectionCascades(t *testing.T) {
	env := newTestEnv(t, roomyLimits)
	require.Equal(t, http.StatusCreated, env.do(t, "POST", collectionsA, env.keyA, `{"name":"notes"}`).Code)
	id := decode[objectResponse](t, env.do(t, "POST", collectionsA+"/notes/objects", env.keyA, `{"body":{}}`)).ID

	assert.Equal(t, http.StatusNoContent, env.do(t, "DELETE", collectionsA+"/notes", env.keyA, "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/v1/objects/"+id, env.keyA, "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "DELETE", collectionsA+"/notes", env.keyA, "").Code)
}

func TestRateLimitPerKey(t *testing.T) {
	env := newTestEnv(t, "key:2/m,write:1000/s,ip:1000/s")
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, env.do(t, "GET", collectionsA, env.keyA, "").Code)
	}
	rec := env.do(t, "GET", collectionsA, env.keyA, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	apiErr := decode[APIError](t, rec)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", apiErr.Code)
	assert.Equal(t, "key", apiErr.LimitClass)

	// other credentials have their own bucket
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/v1/tenants/tenant-b/collections", env.keyB, "").Code)
	// health checks bypass the gate
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/health", env.keyA, "").Code)
}

func TestRateLimitWrites(t *testing.T) {
	env := newTestEnv(t, "key:1000/s,write:1/m,ip:1000/s")
	require.Equal(t, http.StatusCreated, env.do(t, "POST", collectionsA, env.keyA, `{"name":"a"}`).Code)
	rec := env.do(t, "POST", collectionsA, env.keyA, `{"name":"b"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "write", decode[APIError](t, rec).LimitClass)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", collectionsA, env.keyA, "").Code)
}

func TestRateLimitRunsBeforeAuth(t *testing.T) {
	env := newTestEnv(t, "key:1000/s,write:1000/s,ip:1/m")
	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", collectionsA, "", "").Code)
	rec := env.do(t, "GET", collectionsA, "", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "ip", decode[APIError](t, rec).LimitClass)
}

func TestRateLimitCoversUnroutedRequests(t *testing.T) {
	env := newTestEnv(t, "key:1000/s,write:1000/s,ip:2/h")
	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		codes[env.do(t, "GET", "/api/v1/nope", "", "").Code]++
		codes[env.do(t, "PUT", "/api/v1/objects/x", "", "").Code]++
	}
	assert.Equal(t, map[int]int{
		http.StatusNotFound:         1,
		http.StatusMethodNotAllowed: 1,
		http.StatusTooManyRequests:  18,
	}, codes)
}

func TestReloadedLimitsApply(t *testing.T) {
	env := newTestEnv(t, roomyLimits)
	require.Equal(t, http.StatusOK, env.do(t, "GET", collectionsA, env.keyA, "").Code)

	tight, err := ratelimit.ParseLimits("key:1/m")
	require.NoError(t, err)
	env.app.Gate.SetLimits(tight)
	env.app.registry.Reset()

	require.Equal(t, http.StatusOK, env.do(t, "GET", collectionsA, env.keyA, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, "GET", collectionsA, env.keyA, "").Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, roomyLimits)
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	env = newTestEnv(t, roomyLimits, func(c *cfg.Config) { c.CORSOrigins = []string{"https://app.example"} })
	req = httptest.NewRequest("OPTIONS", collectionsA, nil)
	req.Header.Set("Origin", "https://app.example")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestBodyLimit(t *testing.T) {
	env := newTestEnv(t, roomyLimits, func(c *cfg.Config) { c.MaxBodyBytes = 64 })
	big := `{"name":"notes","schema":{"description":"` + strings.Repeat("x", 200) + `"}}`
	rec := env.do(t, "POST", collectionsA, env.keyA, big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[APIError](t, rec).Message, "exceeds")
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, roomyLimits)
	rec := env.do(t, "GET", "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[APIError](t, rec).Code)
}
