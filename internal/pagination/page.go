package pagination

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Page is one slice of a listing.
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// Paginate turns up to q.FetchLimit() rows into a page. The extra row only
// signals that more exist; the next cursor is built from the last row kept.
func Paginate[T any](rows []T, q Query, key func(T) (time.Time, string)) (Page[T], error) {
	page := Page[T]{Items: rows}
	if len(rows) > q.Limit {
		page.Items = rows[:q.Limit]
		page.HasMore = true
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	if page.HasMore {
		created, id := key(page.Items[len(page.Items)-1])
		next, err := Encode(Cursor{CreatedAt: created, ID: id, Filters: q.Filters})
		if err != nil {
			return Page[T]{}, err
		}
		page.NextCursor = next
	}
	return page, nil
}

// NextLink renders an RFC 8288 Link header value pointing at the next page.
// Query parameters already on base are kept.
func NextLink(base *url.URL, p Params, next string) string {
	u := *base
	v := u.Query()
	v.Set("limit", strconv.Itoa(p.Limit))
	v.Set("order", string(p.Order))
	v.Set("cursor", next)
	u.RawQuery = v.Encode()
	return fmt.Sprintf("<%s>; rel=\"next\"", u.String())
}
