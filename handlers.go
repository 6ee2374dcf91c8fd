package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/example/objectstore/internal/apperr"
	"github.com/example/objectstore/internal/objects"
	"github.com/example/objectstore/internal/pagination"
	"github.com/gorilla/mux"
)

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Backend.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// decodeJSON reads a size-capped JSON request body into v.
func (a *App) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Client(apperr.CodeInvalidRequest, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperr.Client(apperr.CodeInvalidRequest, "invalid request body")
	}
	return nil
}

// listParams parses limit, order and cursor from the query string.
func (a *App) listParams(r *http.Request) (pagination.Params, error) {
	p, err := pagination.ParseParams(r.URL.Query(), a.defaultPageSize, a.maxPageSize)
	if err != nil {
		return pagination.Params{}, objects.PaginationError(err)
	}
	return p, nil
}

// writePage renders a page and, when more rows exist, a Link header.
func writePage[T, R any](w http.ResponseWriter, r *http.Request, p pagination.Params, page pagination.Page[T], conv func(T) R) {
	resp := listResponse[R]{Items: make([]R, 0, len(page.Items)), HasMore: page.HasMore}
	for _, item := range page.Items {
		resp.Items = append(resp.Items, conv(item))
	}
	if page.HasMore {
		next := page.NextCursor
		resp.NextCursor = &next
		w.Header().Set("Link", pagination.NextLink(r.URL, p, next))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) HandleCreateCollection(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenantFromContext(r.Context())
	var req createCollectionRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	c, err := a.Objects.CreateCollection(r.Context(), tenantID, req.Name, req.Schema)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCollection(c))
}

func (a *App) HandleListCollections(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenantFromContext(r.Context())
	p, err := a.listParams(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	page, err := a.Objects.ListCollections(r.Context(), tenantID, p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writePage(w, r, p, page, toCollection)
}

func (a *App) HandleGetCollection(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenantFromContext(r.Context())
	name := mux.Vars(r)["name"]
	c, err := a.Objects.GetCollection(r.Context(), tenantID, name)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	n, err := a.Objects.CountObjects(r.Context(), tenantID, name)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	resp := toCollection(c)
	resp.ObjectCount = &n
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) HandleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenantFromContext(r.Context())
	var req map[string]json.RawMessage
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	schema, ok := req["schema"]
	if !ok {
		writeAppError(w, r, apperr.Client(apperr.CodeInvalidRequest, "schema is required; use null to remove it"))
		return
	}
	c, err := a.Objects.UpdateCollection(r.Context(), tenantID, mux.Vars(r)["name"], schema)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCollection(c))
}

func (a *App) HandleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenantFromContext(r.Context())
	if err := a.Objects.DeleteCollection(r.Context(), tenantID, mux.Vars(r)["name"]); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
