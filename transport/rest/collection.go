// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/livestore/core/access"
	"github.com/relabs-tech/livestore/core/store"
)

type collectionRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	WebhookURL string `json:"webhookUrl"`
}

func (a *API) handleCollectionRoutes() {
	a.handleRoute("/collections", a.listCollections, http.MethodGet)
	a.handleRoute("/collections", a.createCollection, http.MethodPost)
	a.handleRoute("/collections/{collection}", a.getCollection, http.MethodGet)
	a.handleRoute("/collections/{collection}", a.updateCollection, http.MethodPatch)
	a.handleRoute("/collections/{collection}", a.deleteCollection, http.MethodDelete)
}

func (a *API) listCollections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.ListCollections(r.Context()))
}

func (a *API) createCollection(w http.ResponseWriter, r *http.Request) {
	if err := a.authorize(r, ""); err != nil {
		writeError(w, r, err)
		return
	}
	var req collectionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	owner := ""
	if identity := access.IdentityFromContext(r.Context()); identity != nil {
		owner = identity.UserID
	}
	c, err := a.store.CreateCollection(r.Context(), req.Name, req.WebhookURL, req.ID, owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) getCollection(w http.ResponseWriter, r *http.Request) {
	c, err := a.store.GetCollection(r.Context(), mux.Vars(r)["collection"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// authorizeCollection checks that the caller may mutate the collection
func (a *API) authorizeCollection(r *http.Request, collectionID string) error {
	c, err := a.store.GetCollection(r.Context(), collectionID)
	if err != nil {
		return err
	}
	return a.authorize(r, c.Owner)
}

func (a *API) updateCollection(w http.ResponseWriter, r *http.Request) {
	collectionID := mux.Vars(r)["collection"]
	if err := a.authorizeCollection(r, collectionID); err != nil {
		writeError(w, r, err)
		return
	}
	var update store.CollectionUpdate
	if err := readJSON(r, &update); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := a.store.UpdateCollection(r.Context(), collectionID, update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) deleteCollection(w http.ResponseWriter, r *http.Request) {
	collectionID := mux.Vars(r)["collection"]
	if err := a.authorizeCollection(r, collectionID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.store.DeleteCollection(r.Context(), collectionID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
