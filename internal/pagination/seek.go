package pagination

import (
	"fmt"
	"strconv"
	"time"
)

// Dialect adapts seek clauses to a SQL driver.
type Dialect struct {
	Placeholder func(n int) string
	// Time converts the cursor timestamp to the stored representation.
	Time func(time.Time) any
}

var (
	// Postgres numbers placeholders and stores timestamptz.
	Postgres = Dialect{
		Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		Time:        func(t time.Time) any { return t },
	}
	// SQLite uses positional placeholders and stores unix nanoseconds.
	SQLite = Dialect{
		Placeholder: func(int) string { return "?" },
		Time:        func(t time.Time) any { return t.UnixNano() },
	}
)

// Seek returns the range condition continuing after the cursor, with its
// arguments numbered from next. Both are empty on the first page.
//
//	desc: (created_at < $ts OR (created_at = $ts AND id < $id))
//	asc:  (created_at > $ts OR (created_at = $ts AND id > $id))
func (q Query) Seek(d Dialect, next int) (string, []any) {
	if q.After == nil {
		return "", nil
	}
	op := "<"
	if q.Order == Asc {
		op = ">"
	}
	ts := d.Time(q.After.CreatedAt)
	clause := fmt.Sprintf("(created_at %s %s OR (created_at = %s AND id %s %s))",
		op, d.Placeholder(next), d.Placeholder(next+1), op, d.Placeholder(next+2))
	return clause, []any{ts, ts, q.After.ID}
}

// OrderBy returns the ORDER BY expression matching Seek.
func (q Query) OrderBy() string {
	if q.Order == Asc {
		return "created_at ASC, id ASC"
	}
	return "created_at DESC, id DESC"
}
