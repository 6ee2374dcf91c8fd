package pagination

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	tests := []Cursor{
		{CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), ID: "3f1c9a4e-3d0a-4a43-9a8f-3f8b2f0d7c11"},
		{CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC), ID: "b"},
		{CreatedAt: time.Date(2023, 12, 31, 23, 59, 59, 999999000, berlin), ID: "c"},
		{CreatedAt: time.Date(2024, 6, 1, 0, 0, 0, 1, time.UTC), ID: "d", Filters: map[string]string{"collection": "notes", "order": "asc"}},
	}
	for _, in := range tests {
		t.Run(in.ID, func(t *testing.T) {
			token, err := Encode(in)
			require.NoError(t, err)
			assert.NotContains(t, token, "=")

			out, err := Decode(token)
			require.NoError(t, err)
			assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
			assert.Equal(t, in.ID, out.ID)
			assert.Equal(t, in.Filters, out.Filters)

			again, err := Encode(out)
			require.NoError(t, err)
			assert.Equal(t, token, again)
		})
	}
}

func TestEncodeRequiresFields(t *testing.T) {
	_, err := Encode(Cursor{ID: "x"})
	assert.Error(t, err)
	_, err = Encode(Cursor{CreatedAt: time.Now()})
	assert.Error(t, err)
}

func TestDecodeRejectsBadTokens(t *testing.T) {
	b64 := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	valid, err := Encode(Cursor{CreatedAt: time.Now(), ID: "0f0e0d0c-0000-4000-8000-000000000000"})
	require.NoError(t, err)

	tests := map[string]string{
		"empty":           "",
		"whitespace":      "   ",
		"not base64":      "!!!not-base64!!!",
		"not json":        b64("hello"),
		"json array":      b64(`[1,2,3]`),
		"missing id":      b64(`{"created_at":"2024-01-01T00:00:00Z"}`),
		"missing time":    b64(`{"id":"x"}`),
		"bad timestamp":   b64(`{"created_at":"yesterday","id":"x"}`),
		"wrong types":     b64(`{"created_at":12,"id":true}`),
		"truncated token": valid[:len(valid)/2],
		"oversized":       strings.Repeat("A", maxCursorLen+1),
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(token)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestDecodeAcceptsPaddedTokens(t *testing.T) {
	raw := `{"created_at":"2024-01-01T00:00:00Z","id":"x"}`
	padded := base64.URLEncoding.EncodeToString([]byte(raw))
	c, err := Decode(padded)
	require.NoError(t, err)
	assert.Equal(t, "x", c.ID)
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    Params
		wantErr error
	}{
		{name: "defaults", query: "", want: Params{Limit: 50, Order: Desc}},
		{name: "explicit", query: "limit=10&order=asc&cursor=abc", want: Params{Limit: 10, Order: Asc, Cursor: "abc"}},
		{name: "lower bound", query: "limit=1", want: Params{Limit: 1, Order: Desc}},
		{name: "upper bound", query: "limit=200", want: Params{Limit: 200, Order: Desc}},
		{name: "zero", query: "limit=0", wantErr: ErrInvalidLimit},
		{name: "too large", query: "limit=201", wantErr: ErrInvalidLimit},
		{name: "negative", query: "limit=-3", wantErr: ErrInvalidLimit},
		{name: "not a number", query: "limit=ten", wantErr: ErrInvalidLimit},
		{name: "bad order", query: "order=sideways", wantErr: ErrInvalidOrder},
		{name: "order is case sensitive", query: "order=DESC", wantErr: ErrInvalidOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			got, err := ParseParams(v, DefaultLimit, MaxLimit)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseParamsConfiguredBounds(t *testing.T) {
	p, err := ParseParams(url.Values{}, 20, 100)
	require.NoError(t, err)
	assert.Equal(t, 20, p.Limit)

	_, err = ParseParams(url.Values{"limit": {"150"}}, 20, 100)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	p, err = ParseParams(url.Values{}, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, p.Limit, "max is clamped to 200 and default falls back")
}

const rowID = "6b1f0a3c-52d4-4c1e-9f4a-0c2d8e7b5a11"

func TestQueryRejectsForeignCursor(t *testing.T) {
	token, err := Encode(Cursor{CreatedAt: time.Now(), ID: rowID, Filters: map[string]string{"collection": "notes"}})
	require.NoError(t, err)

	_, err = Params{Limit: 10, Order: Desc, Cursor: token}.Query(map[string]string{"collection": "tasks"})
	assert.ErrorIs(t, err, ErrCursorMismatch)
	_, err = Params{Limit: 10, Order: Desc, Cursor: token}.Query(nil)
	assert.ErrorIs(t, err, ErrCursorMismatch)

	q, err := Params{Limit: 10, Order: Desc, Cursor: token}.Query(map[string]string{"collection": "notes"})
	require.NoError(t, err)
	require.NotNil(t, q.After)
	assert.Equal(t, rowID, q.After.ID)
	assert.Equal(t, 11, q.FetchLimit())
}

func TestQueryRejectsUnfilteredCursorOnFilteredListing(t *testing.T) {
	token, err := Encode(Cursor{CreatedAt: time.Now(), ID: rowID})
	require.NoError(t, err)

	_, err = Params{Limit: 10, Order: Desc, Cursor: token}.Query(map[string]string{"collection": "notes"})
	assert.ErrorIs(t, err, ErrCursorMismatch)

	q, err := Params{Limit: 10, Order: Desc, Cursor: token}.Query(nil)
	require.NoError(t, err)
	assert.Equal(t, rowID, q.After.ID)
}

func TestQueryRejectsCursorWithMalformedID(t *testing.T) {
	filters := map[string]string{"collection": "notes"}
	for _, id := range []string{"'; not-a-uuid", "x", "id-001"} {
		token, err := Encode(Cursor{CreatedAt: time.Now(), ID: id, Filters: filters})
		require.NoError(t, err)
		_, err = Params{Limit: 10, Order: Desc, Cursor: token}.Query(filters)
		assert.ErrorIs(t, err, ErrInvalidCursor, id)
	}
}

func TestQueryValidatesBeforeDecoding(t *testing.T) {
	_, err := Params{Limit: 0, Order: Desc}.Query(nil)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = Params{Limit: 5, Order: "up"}.Query(nil)
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = Params{Limit: 5, Order: Asc, Cursor: "%%%"}.Query(nil)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestSeekClause(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 500, time.UTC)
	desc := Query{Limit: 10, Order: Desc, After: &Cursor{CreatedAt: ts, ID: "abc"}}
	asc := desc
	asc.Order = Asc

	clause, args := desc.Seek(Postgres, 2)
	assert.Equal(t, "(created_at < $2 OR (created_at = $3 AND id < $4))", clause)
	assert.Equal(t, []any{ts, ts, "abc"}, args)
	assert.Equal(t, "created_at DESC, id DESC", desc.OrderBy())

	clause, args = asc.Seek(SQLite, 3)
	assert.Equal(t, "(created_at > ? OR (created_at = ? AND id > ?))", clause)
	assert.Equal(t, []any{ts.UnixNano(), ts.UnixNano(), "abc"}, args)
	assert.Equal(t, "created_at ASC, id ASC", asc.OrderBy())

	clause, args = Query{Limit: 10, Order: Desc}.Seek(Postgres, 2)
	assert.Empty(t, clause)
	assert.Nil(t, args)
}

type row struct {
	created time.Time
	id      string
}

func rowKey(r row) (time.Time, string) { return r.created, r.id }

// listPage mimics a backend: filter past the cursor, sort, fetch limit+1.
func listPage(all []row, q Query) []row {
	var out []row
	for _, r := range all {
		if q.Admits(r.created, r.id) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return q.Less(out[i].created, out[i].id, out[j].created, out[j].id) })
	if len(out) > q.FetchLimit() {
		out = out[:q.FetchLimit()]
	}
	return out
}

func TestTraversalIsCompleteWithoutOverlap(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var all []row
	for i := 0; i < 57; i++ {
		// Groups of three rows share a timestamp so the id tie-break matters.
		all = append(all, row{created: base.Add(time.Duration(i/3) * time.Millisecond), id: fmt.Sprintf("00000000-0000-4000-8000-%012d", (i*37)%57)})
	}
	filters := map[string]string{"collection": "notes"}

	for _, order := range []Order{Desc, Asc} {
		for _, limit := range []int{1, 7, 10, 57, 200} {
			t.Run(fmt.Sprintf("%s/%d", order, limit), func(t *testing.T) {
				var seen []row
				cursor := ""
				pages := 0
				for {
					q, err := Params{Limit: limit, Order: order, Cursor: cursor}.Query(filters)
					require.NoError(t, err)
					page, err := Paginate(listPage(all, q), q, rowKey)
					require.NoError(t, err)
					require.LessOrEqual(t, len(page.Items), limit)
					seen = append(seen, page.Items...)
					pages++
					if !page.HasMore {
						assert.Empty(t, page.NextCursor)
						break
					}
					require.NotEmpty(t, page.NextCursor)
					cursor = page.NextCursor
					require.Less(t, pages, 100)
				}

				want := append([]row(nil), all...)
				q := Query{Order: order}
				sort.Slice(want, func(i, j int) bool { return q.Less(want[i].created, want[i].id, want[j].created, want[j].id) })
				assert.Equal(t, want, seen)
			})
		}
	}
}

func TestPaginateEmpty(t *testing.T) {
	page, err := Paginate[row](nil, Query{Limit: 5, Order: Desc}, rowKey)
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
}

func TestPaginateExactPageHasNoMore(t *testing.T) {
	now := time.Now()
	rows := []row{{now, "a"}, {now, "b"}}
	page, err := Paginate(rows, Query{Limit: 2, Order: Desc}, rowKey)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.False(t, page.HasMore)
}

func TestNextLink(t *testing.T) {
	base, err := url.Parse("https://api.example.com/api/v1/tenants/t1/collections?limit=5&cursor=old&foo=bar")
	require.NoError(t, err)

	link := NextLink(base, Params{Limit: 5, Order: Asc}, "NEXT")
	assert.Equal(t, `<https://api.example.com/api/v1/tenants/t1/collections?cursor=NEXT&foo=bar&limit=5&order=asc>; rel="next"`, link)
	assert.Equal(t, "limit=5&cursor=old&foo=bar", base.RawQuery, "base is not modified")
}
