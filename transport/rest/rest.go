// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package rest provides the HTTP API of the document store.

Routes:

  POST   /auth/register
  POST   /auth/login
  POST   /auth/logout
  GET    /auth/me
  PATCH  /auth/me
  DELETE /auth/me

  GET    /collections
  POST   /collections
  GET    /collections/{collection}
  PATCH  /collections/{collection}
  DELETE /collections/{collection}

  GET    /collections/{collection}/documents
  POST   /collections/{collection}/documents
  GET    /collections/{collection}/documents/{document}
  PUT    /collections/{collection}/documents/{document}
  PATCH  /collections/{collection}/documents/{document}
  DELETE /collections/{collection}/documents/{document}

  GET    /connections

PUT replaces the document data, PATCH merges it. An "If-Match" header with a
revision number makes an update conditional. Listing accepts filter parameters
(field=value or field_<operator>=value), orderBy=field:asc,other:desc, limit and
offset. Filter values are parsed as JSON if possible, otherwise taken as string.

Bearer tokens are accepted in the "Authorization" header.
*/
package rest

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/access"
	"github.com/relabs-tech/livestore/core/connection"
	"github.com/relabs-tech/livestore/core/logger"
	"github.com/relabs-tech/livestore/core/store"
)

// APIKeyHeader is the header carrying the project api key
const APIKeyHeader = "X-API-Key"

// Builder is a builder helper for the API
type Builder struct {
	// Router is the mux router the routes are added to. Mandatory.
	Router *mux.Router
	// Store is the document store. Mandatory.
	Store *store.Store
	// Access is the session manager. Mandatory.
	Access *access.Manager
	// Connections is the connection registry, for introspection. Optional.
	Connections *connection.Registry
	// RequireAuth requires an authenticated user for all mutations
	RequireAuth bool
	// RequireAPIKey requires the X-API-Key header on every request. The key itself is
	// validated upstream.
	RequireAPIKey bool
}

// API is the HTTP API
type API struct {
	router        *mux.Router
	store         *store.Store
	access        *access.Manager
	connections   *connection.Registry
	requireAuth   bool
	requireAPIKey bool
}

// New creates the API and adds its routes to the router
func New(bb *Builder) *API {
	if bb.Router == nil {
		panic("router missing")
	}
	if bb.Store == nil {
		panic("store missing")
	}
	if bb.Access == nil {
		panic("access missing")
	}
	a := &API{
		router:        bb.Router,
		store:         bb.Store,
		access:        bb.Access,
		connections:   bb.Connections,
		requireAuth:   bb.RequireAuth,
		requireAPIKey: bb.RequireAPIKey,
	}
	logger.AddRequestID(a.router)
	a.handleCORS()
	a.router.Use(a.identityMiddleware)
	a.handleAuthRoutes()
	a.handleCollectionRoutes()
	a.handleDocumentRoutes()
	if a.connections != nil {
		a.handleRoute("/connections", a.listConnections, http.MethodGet)
	}
	return a
}

func (a *API) handleRoute(path string, f http.HandlerFunc, methods ...string) {
	logger.Default().Debugln("  handle route:", path, strings.Join(methods, ","))
	a.router.Handle(path, handlers.CompressHandler(f)).Methods(append(methods, http.MethodOptions)...)
}

func (a *API) handleCORS() {
	a.router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, If-Match, "+APIKeyHeader)
			w.Header().Set("Access-Control-Expose-Headers", "*")
			w.Header().Set("Access-Control-Max-Age", "86400")
			if r.Method == http.MethodOptions {
				logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method, "(handled by CORS middleware)")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			h.ServeHTTP(w, r)
		})
	})
}

// BearerToken returns the bearer token of the request, or an empty string
func BearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) == 0 || bearer == "null" {
		return ""
	}
	if len(bearer) >= 7 && strings.EqualFold(bearer[:7], "bearer ") {
		return strings.TrimSpace(bearer[7:])
	}
	return bearer
}

// identityMiddleware validates the bearer token and adds the identity to the request
// context. A request with an invalid token is rejected; a request without token
// continues unauthenticated.
func (a *API) identityMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.requireAPIKey && r.Header.Get(APIKeyHeader) == "" {
			http.Error(w, "missing api key", http.StatusUnauthorized)
			return
		}
		token := BearerToken(r)
		if token == "" {
			h.ServeHTTP(w, r)
			return
		}
		identity, err := a.access.Validate(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := identity.ContextWithIdentity(r.Context())
		ctx, _ = logger.ContextWithLoggerIdentity(ctx, identity.UserID)
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize checks that the caller may mutate a collection owned by owner
func (a *API) authorize(r *http.Request, owner string) error {
	identity := access.IdentityFromContext(r.Context())
	if identity == nil {
		if a.requireAuth || owner != "" {
			return core.Unauthenticated("authentication required")
		}
		return nil
	}
	if owner != "" && owner != identity.UserID {
		return core.Unauthorized("collection belongs to another user")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		logger.Default().WithError(err).Errorln("Error 4760: cannot encode response")
		http.Error(w, "Error 4760", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := core.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4761: internal error")
		http.Error(w, "Error 4761", status)
		return
	}
	logger.FromContext(r.Context()).Debugln("request failed:", err)
	http.Error(w, err.Error(), status)
}

func readJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return core.Validation("cannot read body: %s", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err = json.Unmarshal(body, v); err != nil {
		return core.Validation("invalid body: %s", err)
	}
	return nil
}

func (a *API) listConnections(w http.ResponseWriter, r *http.Request) {
	if access.IdentityFromContext(r.Context()) == nil {
		writeError(w, r, core.Unauthenticated("authentication required"))
		return
	}
	writeJSON(w, http.StatusOK, a.connections.List())
}

func parseRevision(r *http.Request) (*int64, error) {
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `" `)
	if ifMatch == "" {
		return nil, nil
	}
	revision, err := strconv.ParseInt(ifMatch, 10, 64)
	if err != nil {
		return nil, core.Validation("If-Match must be a revision number")
	}
	return &revision, nil
}
