// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package rest

import (
	"net/http"

	"github.com/relabs-tech/livestore/core/access"
	"github.com/relabs-tech/livestore/core/value"
)

type credentials struct {
	Email    string        `json:"email"`
	Password string        `json:"password"`
	Data     *value.Object `json:"data,omitempty"`
}

// SessionResponse is returned by register and login
type SessionResponse struct {
	Token string      `json:"token"`
	User  access.User `json:"user"`
}

func (a *API) handleAuthRoutes() {
	a.handleRoute("/auth/register", a.register, http.MethodPost)
	a.handleRoute("/auth/login", a.login, http.MethodPost)
	a.handleRoute("/auth/logout", a.logout, http.MethodPost)
	a.handleRoute("/auth/me", a.me, http.MethodGet)
	a.handleRoute("/auth/me", a.updateMe, http.MethodPatch)
	a.handleRoute("/auth/me", a.deleteMe, http.MethodDelete)
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := readJSON(r, &c); err != nil {
		writeError(w, r, err)
		return
	}
	session := access.NewSession()
	user, err := a.access.Register(r.Context(), session, c.Email, c.Password, c.Data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{Token: session.Token(), User: user})
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := readJSON(r, &c); err != nil {
		writeError(w, r, err)
		return
	}
	// a client presenting its current token gets it replaced
	session := access.NewSessionWithToken(BearerToken(r))
	if _, err := a.access.Login(r.Context(), session, c.Email, c.Password); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := a.access.GetUserInfo(r.Context(), session)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Token: session.Token(), User: user})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	if err := a.access.Logout(r.Context(), access.NewSessionWithToken(BearerToken(r))); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	user, err := a.access.GetUserInfo(r.Context(), access.NewSessionWithToken(BearerToken(r)))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) updateMe(w http.ResponseWriter, r *http.Request) {
	var update access.UserUpdate
	if err := readJSON(r, &update); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := a.access.UpdateUserInfo(r.Context(), access.NewSessionWithToken(BearerToken(r)), update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) deleteMe(w http.ResponseWriter, r *http.Request) {
	if err := a.access.DeleteUser(r.Context(), access.NewSessionWithToken(BearerToken(r))); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
