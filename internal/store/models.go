package store

import (
	"encoding/json"
	"time"
)

type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Credential holds only the salted hash of a secret.
type Credential struct {
	SecretHash string
	TenantID   string
	CreatedAt  time.Time
	LastUsed   *time.Time
}

type Collection struct {
	ID        string
	TenantID  string
	Name      string
	Schema    json.RawMessage // nil when the collection is schemaless
	CreatedAt time.Time
}

type Object struct {
	ID             string
	TenantID       string
	CollectionName string
	Body           json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (c *Collection) clone() *Collection {
	cp := *c
	cp.Schema = cloneJSON(c.Schema)
	return &cp
}

func (o *Object) clone() *Object {
	cp := *o
	cp.Body = cloneJSON(o.Body)
	return &cp
}

func (c *Credential) clone() *Credential {
	cp := *c
	if c.LastUsed != nil {
		t := *c.LastUsed
		cp.LastUsed = &t
	}
	return &cp
}

func cloneJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// normalizeSchema maps an absent or JSON null schema to nil.
func normalizeSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
