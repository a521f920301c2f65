// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package rest

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/access"
	"github.com/relabs-tech/livestore/core/query"
	"github.com/relabs-tech/livestore/core/value"
)

func (a *API) handleDocumentRoutes() {
	listRoute := "/collections/{collection}/documents"
	itemRoute := listRoute + "/{document}"
	a.handleRoute(listRoute, a.listDocuments, http.MethodGet)
	a.handleRoute(listRoute, a.createDocument, http.MethodPost)
	a.handleRoute(itemRoute, a.getDocument, http.MethodGet)
	a.handleRoute(itemRoute, a.replaceDocument, http.MethodPut)
	a.handleRoute(itemRoute, a.mergeDocument, http.MethodPatch)
	a.handleRoute(itemRoute, a.deleteDocument, http.MethodDelete)
}

// ParseFilterValue parses a query parameter value as JSON. Values which are not valid
// JSON are taken as string.
func ParseFilterValue(s string) value.Value {
	var v value.Value
	if err := v.UnmarshalJSON([]byte(s)); err != nil {
		return value.String(s)
	}
	return v
}

// ParseQuery builds a query from url parameters
func ParseQuery(params url.Values) (query.Query, error) {
	var q query.Query
	conditions := value.NewObject()
	for key, values := range params {
		if len(values) != 1 {
			return q, core.Validation("illegal parameter array '%s'", key)
		}
		param := values[0]
		var err error
		switch key {
		case "limit":
			q.Limit, err = strconv.Atoi(param)
		case "offset":
			q.Offset, err = strconv.Atoi(param)
		case "orderBy":
			q.OrderBy, err = query.ParseOrder(param)
		default:
			conditions.Set(key, ParseFilterValue(param))
		}
		if err != nil {
			return q, core.Validation("parameter '%s': %s", key, err)
		}
	}
	filter, err := query.Compile(conditions)
	if err != nil {
		return q, err
	}
	q.Filter = filter
	return q, nil
}

func (a *API) listDocuments(w http.ResponseWriter, r *http.Request) {
	q, err := ParseQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := a.store.ListDocuments(r.Context(), mux.Vars(r)["collection"], q, access.IdentityFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Pagination-Limit", strconv.Itoa(query.ClampLimit(q.Limit)))
	w.Header().Set("Pagination-Offset", strconv.Itoa(query.ClampOffset(q.Offset)))
	w.Header().Set("Pagination-Total-Count", strconv.Itoa(page.Total))
	writeJSON(w, http.StatusOK, page)
}

func (a *API) createDocument(w http.ResponseWriter, r *http.Request) {
	collectionID := mux.Vars(r)["collection"]
	if err := a.authorizeCollection(r, collectionID); err != nil {
		writeError(w, r, err)
		return
	}
	data := value.NewObject()
	if err := readJSON(r, data); err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := a.store.CreateDocument(r.Context(), collectionID, data, r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (a *API) getDocument(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	doc, err := a.store.GetDocument(r.Context(), vars["collection"], vars["document"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Etag", strconv.FormatInt(doc.Revision, 10))
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) replaceDocument(w http.ResponseWriter, r *http.Request) {
	a.updateDocument(w, r, false)
}

func (a *API) mergeDocument(w http.ResponseWriter, r *http.Request) {
	a.updateDocument(w, r, true)
}

func (a *API) updateDocument(w http.ResponseWriter, r *http.Request, merge bool) {
	vars := mux.Vars(r)
	if err := a.authorizeCollection(r, vars["collection"]); err != nil {
		writeError(w, r, err)
		return
	}
	revision, err := parseRevision(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	patch := value.NewObject()
	if err = readJSON(r, patch); err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := a.store.UpdateDocument(r.Context(), vars["collection"], vars["document"], patch, merge, revision)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Etag", strconv.FormatInt(doc.Revision, 10))
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) deleteDocument(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.authorizeCollection(r, vars["collection"]); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.store.DeleteDocument(r.Context(), vars["collection"], vars["document"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
