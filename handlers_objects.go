package main

import (
	"encoding/json"
	"net/http"

	"github.com/example/objectstore/internal/apperr"
	"github.com/gorilla/mux"
)

func (a *App) HandleCreateObject(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenantFromContext(r.Context())
	var req objectRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	if len(req.Body) == 0 {
		writeAppError(w, r, apperr.Client(apperr.CodeInvalidRequest, "body is required"))
		return
	}
	o, err := a.Objects.CreateObject(r.Context(), tenantID, mux.Vars(r)["name"], req.Body)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toObject(o))
}

func (a *App) HandleListObjects(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenantFromContext(r.Context())
	p, err := a.listParams(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	page, err := a.Objects.ListObjects(r.Context(), tenantID, mux.Vars(r)["name"], p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writePage(w, r, p, page, toObject)
}

func (a *App) HandleGetObject(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenantFromContext(r.Context())
	o, err := a.Objects.GetObject(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toObject(o))
}

// HandleUpdateObject applies {"body": {...}} as a shallow merge.
func (a *App) HandleUpdateObject(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenantFromContext(r.Context())
	var req objectRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(req.Body, &patch); err != nil || patch == nil {
		writeAppError(w, r, apperr.Client(apperr.CodeInvalidRequest, "body must be a JSON object"))
		return
	}
	o, err := a.Objects.UpdateObject(r.Context(), tenantID, mux.Vars(r)["id"], patch)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toObject(o))
}

func (a *App) HandleDeleteObject(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenantFromContext(r.Context())
	if err := a.Objects.DeleteObject(r.Context(), tenantID, mux.Vars(r)["id"]); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
