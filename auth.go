package main

import (
	"context"
)

type ctxKey int

const (
	tenantKey ctxKey = iota
	requestInfoKey
)

// requestInfo is filled in by inner middleware so the logging middleware
// can report it after the handler returns.
type requestInfo struct {
	tenantID   string
	limitClass string
}

func withTenant(ctx context.Context, tenantID string) context.Context {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		info.tenantID = tenantID
	}
	return context.WithValue(ctx, tenantKey, tenantID)
}

// tenantFromContext returns the authenticated tenant.
func tenantFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey).(string)
	return id, ok && id != ""
}
