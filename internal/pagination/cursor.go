// Package pagination implements opaque seek cursors over (created_at, id).
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for any cursor that cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// maxCursorLen bounds the work done on untrusted input.
const maxCursorLen = 4096

// Cursor is the ordering key of the last row of a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
	// Filters echoes the request parameters the cursor was issued for.
	Filters map[string]string
}

type cursorJSON struct {
	CreatedAt string            `json:"created_at"`
	ID        string            `json:"id"`
	Filters   map[string]string `json:"filters,omitempty"`
}

// Encode returns the URL-safe base64 form of c.
func Encode(c Cursor) (string, error) {
	if c.CreatedAt.IsZero() || c.ID == "" {
		return "", fmt.Errorf("encode cursor: created_at and id are required")
	}
	raw, err := json.Marshal(cursorJSON{
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
		ID:        c.ID,
		Filters:   c.Filters,
	})
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a token produced by Encode. Every failure wraps
// ErrInvalidCursor.
func Decode(token string) (Cursor, error) {
	token = strings.TrimRight(strings.TrimSpace(token), "=")
	if token == "" {
		return Cursor{}, fmt.Errorf("%w: empty", ErrInvalidCursor)
	}
	if len(token) > maxCursorLen {
		return Cursor{}, fmt.Errorf("%w: too long", ErrInvalidCursor)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: not base64", ErrInvalidCursor)
	}
	var cj cursorJSON
	if err := json.Unmarshal(raw, &cj); err != nil {
		return Cursor{}, fmt.Errorf("%w: not json", ErrInvalidCursor)
	}
	if cj.ID == "" || cj.CreatedAt == "" {
		return Cursor{}, fmt.Errorf("%w: missing fields", ErrInvalidCursor)
	}
	ts, err := time.Parse(time.RFC3339Nano, cj.CreatedAt)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: bad timestamp", ErrInvalidCursor)
	}
	return Cursor{CreatedAt: ts.UTC(), ID: cj.ID, Filters: cj.Filters}, nil
}
