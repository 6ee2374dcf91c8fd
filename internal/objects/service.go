// Package objects implements tenant-scoped collections and JSON objects.
//
// Every repository call carries the tenant as a filter, so a row owned by
// another tenant is reported exactly like a missing one.
package objects

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/example/objectstore/internal/apperr"
	"github.com/example/objectstore/internal/pagination"
	"github.com/example/objectstore/internal/schema"
	"github.com/example/objectstore/internal/store"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Repository is the persistence the service needs.
type Repository interface {
	UpsertCollection(ctx context.Context, c *store.Collection) (*store.Collection, error)
	GetCollection(ctx context.Context, tenantID, name string) (*store.Collection, error)
	ListCollections(ctx context.Context, tenantID string, q pagination.Query) ([]*store.Collection, error)
	UpdateCollectionSchema(ctx context.Context, tenantID, name string, schema json.RawMessage) (*store.Collection, error)
	DeleteCollection(ctx context.Context, tenantID, name string) error
	CollectionExists(ctx context.Context, tenantID, name string) (bool, error)
	CountObjects(ctx context.Context, tenantID, collection string) (int, error)

	InsertObject(ctx context.Context, o *store.Object) (*store.Object, error)
	GetObject(ctx context.Context, tenantID, id string) (*store.Object, error)
	ListObjects(ctx context.Context, tenantID, collection string, q pagination.Query) ([]*store.Object, error)
	UpdateObjectBody(ctx context.Context, tenantID, id string, body json.RawMessage, at time.Time) (*store.Object, error)
	DeleteObject(ctx context.Context, tenantID, id string) error
}

// Validator checks schemas and documents. *schema.Validator implements it.
type Validator interface {
	Check(raw []byte) error
	Validate(schema, doc []byte) error
}

var collectionName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

type Service struct {
	repo      Repository
	validator Validator
	nowFn     func() time.Time
	newID     func() string
}

func NewService(repo Repository, validator Validator) *Service {
	return &Service{
		repo:      repo,
		validator: validator,
		nowFn:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newID:     uuid.NewString,
	}
}

// CreateCollection declares a collection. Repeating the call with the same
// name replaces the schema and keeps the original id and created_at.
func (s *Service) CreateCollection(ctx context.Context, tenantID, name string, sch json.RawMessage) (*store.Collection, error) {
	if !collectionName.MatchString(name) {
		return nil, apperr.Client(apperr.CodeInvalidRequest, "collection name must be 1-100 characters of letters, digits, '_' or '-'")
	}
	sch, err := s.checkSchema(sch)
	if err != nil {
		return nil, err
	}
	c, err := s.repo.UpsertCollection(ctx, &store.Collection{
		ID:        s.newID(),
		TenantID:  tenantID,
		Name:      name,
		Schema:    sch,
		CreatedAt: s.nowFn(),
	})
	if err != nil {
		return nil, storeError("collection", err)
	}
	return c, nil
}

func (s *Service) GetCollection(ctx context.Context, tenantID, name string) (*store.Collection, error) {
	c, err := s.repo.GetCollection(ctx, tenantID, name)
	if err != nil {
		return nil, storeError("collection", err)
	}
	return c, nil
}

// CountObjects returns the number of objects in a collection.
func (s *Service) CountObjects(ctx context.Context, tenantID, name string) (int, error) {
	n, err := s.repo.CountObjects(ctx, tenantID, name)
	if err != nil {
		return 0, storeError("collection", err)
	}
	return n, nil
}

func (s *Service) ListCollections(ctx context.Context, tenantID string, p pagination.Params) (pagination.Page[*store.Collection], error) {
	q, err := p.Query(nil)
	if err != nil {
		return pagination.Page[*store.Collection]{}, PaginationError(err)
	}
	rows, err := s.repo.ListCollections(ctx, tenantID, q)
	if err != nil {
		return pagination.Page[*store.Collection]{}, storeError("collection", err)
	}
	page, err := pagination.Paginate(rows, q, func(c *store.Collection) (time.Time, string) { return c.CreatedAt, c.ID })
	if err != nil {
		return pagination.Page[*store.Collection]{}, apperr.Internal(err)
	}
	return page, nil
}

// UpdateCollection replaces the schema; a nil or null schema clears it.
// Existing objects are not revalidated.
func (s *Service) UpdateCollection(ctx context.Context, tenantID, name string, sch json.RawMessage) (*store.Collection, error) {
	sch, err := s.checkSchema(sch)
	if err != nil {
		return nil, err
	}
	c, err := s.repo.UpdateCollectionSchema(ctx, tenantID, name, sch)
	if err != nil {
		return nil, storeError("collection", err)
	}
	return c, nil
}

// DeleteCollection removes the collection and every object in it.
func (s *Service) DeleteCollection(ctx context.Context, tenantID, name string) error {
	if err := s.repo.DeleteCollection(ctx, tenantID, name); err != nil {
		return storeError("collection", err)
	}
	log.WithFields(log.Fields{"tenant_id": tenantID, "collection": name}).Info("deleted collection")
	return nil
}

func (s *Service) CreateObject(ctx context.Context, tenantID, collection string, body json.RawMessage) (*store.Object, error) {
	if _, err := decodeBody(body); err != nil {
		return nil, err
	}
	if err := checkText(body); err != nil {
		return nil, err
	}
	c, err := s.repo.GetCollection(ctx, tenantID, collection)
	if err != nil {
		return nil, storeError("collection", err)
	}
	if err := s.validate(c, body); err != nil {
		return nil, err
	}
	now := s.nowFn()
	o, err := s.repo.InsertObject(ctx, &store.Object{
		ID:             s.newID(),
		TenantID:       tenantID,
		CollectionName: collection,
		Body:           body,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		// the collection can vanish between the lookup and the insert
		return nil, storeError("collection", err)
	}
	return o, nil
}

func (s *Service) GetObject(ctx context.Context, tenantID, id string) (*store.Object, error) {
	if !validID(id) {
		return nil, apperr.NotFound("object")
	}
	o, err := s.repo.GetObject(ctx, tenantID, id)
	if err != nil {
		return nil, storeError("object", err)
	}
	return o, nil
}

func (s *Service) ListObjects(ctx context.Context, tenantID, collection string, p pagination.Params) (pagination.Page[*store.Object], error) {
	q, err := p.Query(map[string]string{"collection": collection})
	if err != nil {
		return pagination.Page[*store.Object]{}, PaginationError(err)
	}
	ok, err := s.repo.CollectionExists(ctx, tenantID, collection)
	if err != nil {
		return pagination.Page[*store.Object]{}, storeError("collection", err)
	}
	if !ok {
		return pagination.Page[*store.Object]{}, apperr.NotFound("collection")
	}
	rows, err := s.repo.ListObjects(ctx, tenantID, collection, q)
	if err != nil {
		return pagination.Page[*store.Object]{}, storeError("object", err)
	}
	page, err := pagination.Paginate(rows, q, func(o *store.Object) (time.Time, string) { return o.CreatedAt, o.ID })
	if err != nil {
		return pagination.Page[*store.Object]{}, apperr.Internal(err)
	}
	return page, nil
}

// UpdateObject shallow-merges patch onto the stored body and validates the
// merged document, not the patch alone.
func (s *Service) UpdateObject(ctx context.Context, tenantID, id string, patch map[string]json.RawMessage) (*store.Object, error) {
	if !validID(id) {
		return nil, apperr.NotFound("object")
	}
	existing, err := s.repo.GetObject(ctx, tenantID, id)
	if err != nil {
		return nil, storeError("object", err)
	}
	merged, err := decodeBody(existing.Body)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for k, v := range patch {
		merged[k] = v
	}
	body, err := json.Marshal(merged)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if err := checkText(body); err != nil {
		return nil, err
	}

	c, err := s.repo.GetCollection(ctx, tenantID, existing.CollectionName)
	if err != nil {
		return nil, storeError("object", err)
	}
	if err := s.validate(c, body); err != nil {
		return nil, err
	}

	o, err := s.repo.UpdateObjectBody(ctx, tenantID, id, body, s.nowFn())
	if err != nil {
		return nil, storeError("object", err)
	}
	return o, nil
}

func (s *Service) DeleteObject(ctx context.Context, tenantID, id string) error {
	if !validID(id) {
		return apperr.NotFound("object")
	}
	if err := s.repo.DeleteObject(ctx, tenantID, id); err != nil {
		return storeError("object", err)
	}
	return nil
}

// checkSchema normalizes an optional schema and rejects ones that do not
// compile.
func (s *Service) checkSchema(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if err := checkText(raw); err != nil {
		return nil, err
	}
	if err := s.validator.Check(raw); err != nil {
		return nil, apperr.Client(apperr.CodeInvalidSchema, "schema is not a valid JSON Schema").WithDetails(err.Error())
	}
	return raw, nil
}

// validate checks doc against the collection schema. A stored schema that
// no longer compiles is corrupt data, so it is a server error.
func (s *Service) validate(c *store.Collection, doc json.RawMessage) error {
	if c.Schema == nil {
		return nil
	}
	err := s.validator.Validate(c.Schema, doc)
	if err == nil {
		return nil
	}
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		return apperr.Client(apperr.CodeValidationFailed, "object does not match the collection schema").WithDetails(ve.Errors...)
	}
	log.WithFields(log.Fields{"tenant_id": c.TenantID, "collection": c.Name}).WithError(err).Error("stored collection schema is unusable")
	return apperr.Internal(err)
}

func decodeBody(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, apperr.Client(apperr.CodeInvalidRequest, "body must be a JSON object")
	}
	return m, nil
}

// checkText rejects documents holding a NUL character in any string or
// key. jsonb cannot store them. JSON can only spell NUL as \u0000.
func checkText(raw json.RawMessage) error {
	if !bytes.Contains(raw, []byte(`\u0000`)) {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return apperr.Client(apperr.CodeInvalidRequest, "body must be valid JSON")
	}
	if hasNUL(v) {
		return apperr.Client(apperr.CodeInvalidRequest, "strings must not contain NUL characters")
	}
	return nil
}

func hasNUL(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.ContainsRune(t, 0)
	case map[string]any:
		for k, e := range t {
			if strings.ContainsRune(k, 0) || hasNUL(e) {
				return true
			}
		}
	case []any:
		for _, e := range t {
			if hasNUL(e) {
				return true
			}
		}
	}
	return false
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// PaginationError maps pagination failures onto client errors.
func PaginationError(err error) error {
	switch {
	case errors.Is(err, pagination.ErrInvalidCursor), errors.Is(err, pagination.ErrCursorMismatch):
		return apperr.Client(apperr.CodeInvalidCursor, "invalid cursor")
	case errors.Is(err, pagination.ErrInvalidLimit), errors.Is(err, pagination.ErrInvalidOrder):
		return apperr.Client(apperr.CodeInvalidPagination, "%s", err.Error())
	}
	return apperr.Internal(err)
}

func storeError(what string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(what)
	case errors.Is(err, store.ErrConflict):
		return apperr.Conflict("%s already exists", what)
	}
	return apperr.Internal(err)
}
