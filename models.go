package main

import (
	"encoding/json"
	"time"

	"github.com/example/objectstore/internal/store"
)

type createCollectionRequest struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type objectRequest struct {
	Body json.RawMessage `json:"body"`
}

type collectionResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Schema      json.RawMessage `json:"schema"`
	CreatedAt   time.Time       `json:"created_at"`
	ObjectCount *int            `json:"object_count,omitempty"`
}

type objectResponse struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// listResponse is the envelope of every paginated listing.
type listResponse[T any] struct {
	Items      []T     `json:"items"`
	NextCursor *string `json:"next_cursor"`
	HasMore    bool    `json:"has_more"`
}

func toCollection(c *store.Collection) collectionResponse {
	return collectionResponse{ID: c.ID, Name: c.Name, Schema: c.Schema, CreatedAt: c.CreatedAt}
}

func toObject(o *store.Object) objectResponse {
	return objectResponse{
		ID:         o.ID,
		Collection: o.CollectionName,
		Body:       o.Body,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
}
