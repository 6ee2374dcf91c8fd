package pagination

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var (
	ErrInvalidLimit   = errors.New("invalid limit")
	ErrInvalidOrder   = errors.New("invalid order")
	ErrCursorMismatch = errors.New("cursor was issued for a different listing")
)

// Order is the traversal direction over (created_at, id).
type Order string

const (
	Desc Order = "desc"
	Asc  Order = "asc"
)

// Params are the raw list parameters of a request.
type Params struct {
	Limit  int
	Order  Order
	Cursor string
}

// ParseParams reads limit, order and cursor from v. maxLimit is clamped
// to MaxLimit.
func ParseParams(v url.Values, defaultLimit, maxLimit int) (Params, error) {
	if maxLimit <= 0 || maxLimit > MaxLimit {
		maxLimit = MaxLimit
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = min(DefaultLimit, maxLimit)
	}
	p := Params{Limit: defaultLimit, Order: Desc, Cursor: v.Get("cursor")}

	if raw := strings.TrimSpace(v.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			return Params{}, fmt.Errorf("%w: must be an integer between 1 and %d", ErrInvalidLimit, maxLimit)
		}
		p.Limit = n
	}
	if raw := v.Get("order"); raw != "" {
		switch Order(raw) {
		case Asc, Desc:
			p.Order = Order(raw)
		default:
			return Params{}, fmt.Errorf("%w: must be asc or desc", ErrInvalidOrder)
		}
	}
	return p, nil
}

// Query is a validated list request: page size, direction, the decoded
// cursor (nil on the first page) and the filters echoed into next cursors.
type Query struct {
	Limit   int
	Order   Order
	After   *Cursor
	Filters map[string]string
}

// Query validates p and decodes its cursor. A cursor whose filters differ
// from filters, including one with none, is rejected with ErrCursorMismatch.
func (p Params) Query(filters map[string]string) (Query, error) {
	if p.Limit < 1 || p.Limit > MaxLimit {
		return Query{}, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidLimit, MaxLimit)
	}
	if p.Order != Asc && p.Order != Desc {
		return Query{}, ErrInvalidOrder
	}
	q := Query{Limit: p.Limit, Order: p.Order, Filters: filters}
	if p.Cursor == "" {
		return q, nil
	}
	c, err := Decode(p.Cursor)
	if err != nil {
		return Query{}, err
	}
	// row ids are uuids; anything else was not issued by Paginate
	if _, err := uuid.Parse(c.ID); err != nil {
		return Query{}, fmt.Errorf("%w: malformed id", ErrInvalidCursor)
	}
	if !maps.Equal(c.Filters, filters) {
		return Query{}, ErrCursorMismatch
	}
	q.After = &c
	return q, nil
}

// FetchLimit is the number of rows to ask the backend for.
func (q Query) FetchLimit() int { return q.Limit + 1 }

// Less reports whether row a comes before row b in traversal order.
func (q Query) Less(aCreated time.Time, aID string, bCreated time.Time, bID string) bool {
	if q.Order == Asc {
		return aCreated.Before(bCreated) || (aCreated.Equal(bCreated) && aID < bID)
	}
	return aCreated.After(bCreated) || (aCreated.Equal(bCreated) && aID > bID)
}

// Admits reports whether a row lies strictly past the cursor.
func (q Query) Admits(created time.Time, id string) bool {
	if q.After == nil {
		return true
	}
	return q.Less(q.After.CreatedAt, q.After.ID, created, id)
}
