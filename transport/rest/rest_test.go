// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package rest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/access"
	"github.com/relabs-tech/livestore/core/client"
	"github.com/relabs-tech/livestore/core/persistence"
	"github.com/relabs-tech/livestore/core/query"
	"github.com/relabs-tech/livestore/core/store"
	"github.com/relabs-tech/livestore/core/value"
)

func newTestAPI(t *testing.T, requireAPIKey bool) (*mux.Router, client.Client) {
	t.Helper()
	driver := persistence.NewMemory()
	router := mux.NewRouter()
	New(&Builder{
		Router: router,
		Store:  store.New(&store.Builder{Driver: driver}),
		Access: access.New(&access.Builder{
			Driver:     driver,
			Secret:     []byte("test-secret"),
			BcryptCost: bcrypt.MinCost,
		}),
		RequireAPIKey: requireAPIKey,
	})
	return router, client.NewWithRouter(router)
}

func stringField(t *testing.T, doc core.Document, name string) string {
	t.Helper()
	v, ok := doc.Data.Get(name)
	require.True(t, ok, "field %s missing", name)
	s, ok := v.AsString()
	require.True(t, ok, "field %s is not a string", name)
	return s
}

func TestAuth(t *testing.T) {
	_, anonymous := newTestAPI(t, false)

	alice, session, err := anonymous.Register("alice@example.com", "secret", map[string]interface{}{"name": "Alice"})
	require.NoError(t, err)
	require.NotEmpty(t, session.Token)
	assert.Equal(t, "alice@example.com", session.User.Email)

	_, _, err = anonymous.Register("ALICE@example.com", "other", nil)
	require.Error(t, err, "emails are unique ignoring case")

	var me access.User
	status, err := alice.Me(&me)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, session.User.ID, me.ID)

	status, err = anonymous.Me(nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Error(t, err)

	_, _, err = anonymous.Login("alice@example.com", "wrong")
	require.Error(t, err)

	alice2, session2, err := anonymous.Login("alice@example.com", "secret")
	require.NoError(t, err)
	assert.NotEqual(t, session.Token, session2.Token)
	assert.Equal(t, session.User.ID, session2.User.ID)

	// a login from a second device keeps the first session alive
	_, err = alice.Me(nil)
	require.NoError(t, err)

	status, err = alice2.Logout()
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, err = alice2.Me(nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Error(t, err)

	status, err = anonymous.WithToken("garbage").Me(nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Error(t, err)
}

func TestUpdateAndDeleteMe(t *testing.T) {
	_, anonymous := newTestAPI(t, false)
	alice, _, err := anonymous.Register("alice@example.com", "secret", map[string]interface{}{"name": "Alice", "city": "Berlin"})
	require.NoError(t, err)

	var me access.User
	_, err = alice.RawPatch("/auth/me", map[string]interface{}{"data": map[string]interface{}{"city": "Munich"}}, &me)
	require.NoError(t, err)
	name, _ := me.Data.Get("name")
	city, _ := me.Data.Get("city")
	assert.Equal(t, value.String("Alice"), name)
	assert.Equal(t, value.String("Munich"), city)

	status, err := alice.RawDelete("/auth/me")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = alice.Me(nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	_, _, err = anonymous.Login("alice@example.com", "secret")
	assert.Error(t, err)
}

func TestCollections(t *testing.T) {
	_, anonymous := newTestAPI(t, false)
	alice, _, err := anonymous.Register("alice@example.com", "secret", nil)
	require.NoError(t, err)
	bob, _, err := anonymous.Register("bob@example.com", "secret", nil)
	require.NoError(t, err)

	var public core.Collection
	status, err := anonymous.CreateCollection(map[string]string{"name": "Public"}, &public)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, public.ID)
	assert.Empty(t, public.Owner)

	var private core.Collection
	_, err = alice.CreateCollection(map[string]string{"id": "private", "name": "Private"}, &private)
	require.NoError(t, err)
	assert.Equal(t, "private", private.ID)
	assert.NotEmpty(t, private.Owner)

	status, err = alice.CreateCollection(map[string]string{"id": "private", "name": "Again"}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Error(t, err)

	status, err = alice.CreateCollection(map[string]string{"id": "_reserved", "name": "Reserved"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Error(t, err)

	var collections []core.Collection
	_, err = anonymous.ListCollections(&collections)
	require.NoError(t, err)
	assert.Len(t, collections, 2)

	status, err = bob.Collection("private").Update(map[string]string{"name": "Mine"}, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Error(t, err)

	status, err = anonymous.Collection("private").Delete()
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Error(t, err)

	var updated core.Collection
	_, err = alice.Collection("private").Update(map[string]string{"name": "Renamed"}, &updated)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)

	status, err = alice.Collection("private").Delete()
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, err = alice.Collection("private").Read(nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Error(t, err)
}

func TestDocuments(t *testing.T) {
	_, anonymous := newTestAPI(t, false)
	_, err := anonymous.CreateCollection(map[string]string{"id": "notes", "name": "Notes"}, nil)
	require.NoError(t, err)
	notes := anonymous.Collection("notes")

	var doc core.Document
	status, err := notes.WithParameter("id", "n1").Create(map[string]interface{}{"title": "first", "tags": []string{"a"}}, &doc)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "n1", doc.ID)
	assert.Equal(t, int64(1), doc.Revision)

	status, err = notes.WithParameter("id", "n1").Create(map[string]interface{}{"title": "dup"}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Error(t, err)

	_, err = notes.Document("n1").Merge(map[string]interface{}{"body": "text"}, &doc)
	require.NoError(t, err)
	assert.Equal(t, "first", stringField(t, doc, "title"))
	assert.Equal(t, "text", stringField(t, doc, "body"))
	assert.Equal(t, int64(2), doc.Revision)

	_, err = notes.Document("n1").Replace(map[string]interface{}{"title": "second"}, &doc)
	require.NoError(t, err)
	assert.Equal(t, "second", stringField(t, doc, "title"))
	_, found := doc.Data.Get("body")
	assert.False(t, found, "replace drops fields not in the body")
	assert.Equal(t, int64(3), doc.Revision)

	status, err = notes.Document("n1").WithRevision(2).Merge(map[string]interface{}{"title": "stale"}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Error(t, err)

	_, err = notes.Document("n1").WithRevision(3).Merge(map[string]interface{}{"title": "fresh"}, &doc)
	require.NoError(t, err)
	assert.Equal(t, int64(4), doc.Revision)

	_, header, err := anonymous.RawGetWithHeader(notes.Document("n1").Path(), nil, &doc)
	require.NoError(t, err)
	assert.Equal(t, "4", header.Get("Etag"))
	assert.Equal(t, "fresh", stringField(t, doc, "title"))

	status, err = notes.Document("n1").Delete()
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, err = notes.Document("n1").Read(nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Error(t, err)

	status, err = anonymous.Collection("missing").Create(map[string]interface{}{"title": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Error(t, err)
}

func TestListDocuments(t *testing.T) {
	_, anonymous := newTestAPI(t, false)
	alice, session, err := anonymous.Register("alice@example.com", "secret", nil)
	require.NoError(t, err)
	_, err = anonymous.CreateCollection(map[string]string{"id": "tasks", "name": "Tasks"}, nil)
	require.NoError(t, err)
	tasks := anonymous.Collection("tasks")

	for i := 1; i <= 5; i++ {
		owner := "someone"
		if i%2 == 1 {
			owner = session.User.ID
		}
		_, err = tasks.Create(map[string]interface{}{"rank": i, "owner": owner, "status": "open"}, nil)
		require.NoError(t, err)
	}

	var page store.Page
	_, header, err := anonymous.RawGetWithHeader(
		tasks.WithFilter("rank_gte", "3").WithParameter("orderBy", "rank:desc").WithParameter("limit", "2").DocumentsPath(),
		nil, &page)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, "3", header.Get("Pagination-Total-Count"))
	assert.Equal(t, "2", header.Get("Pagination-Limit"))
	assert.Equal(t, "0", header.Get("Pagination-Offset"))
	require.Len(t, page.Documents, 2)
	rank, _ := page.Documents[0].Data.Get("rank")
	assert.Equal(t, value.Number(5), rank)

	var ranks []float64
	p := tasks.WithParameter("orderBy", "rank").FirstPage(2)
	for p.HasData() {
		var result store.Page
		_, err = p.Get(&result)
		require.NoError(t, err)
		for _, doc := range result.Documents {
			r, _ := doc.Data.Get("rank")
			n, _ := r.AsNumber()
			ranks = append(ranks, n)
		}
		p = p.Next()
	}
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, ranks)

	status, err := tasks.WithFilter("owner", query.CurrentUser).List(nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Error(t, err)

	page = store.Page{}
	_, err = alice.Collection("tasks").WithFilter("owner", query.CurrentUser).List(&page)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	status, err = tasks.WithParameter("orderBy", "rank:sideways").List(nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Error(t, err)

	status, err = tasks.WithParameter("limit", "many").List(nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Error(t, err)
}

func TestRequireAPIKey(t *testing.T) {
	_, anonymous := newTestAPI(t, true)

	status, err := anonymous.ListCollections(nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Error(t, err)

	status, err = anonymous.WithHeader(APIKeyHeader, "key").ListCollections(nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}

func TestCORS(t *testing.T) {
	router, _ := newTestAPI(t, false)
	r := httptest.NewRequest(http.MethodOptions, "/collections", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", BearerToken(r))
	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", BearerToken(r))
	r.Header.Set("Authorization", "bearer  xyz ")
	assert.Equal(t, "xyz", BearerToken(r))
	r.Header.Set("Authorization", "null")
	assert.Equal(t, "", BearerToken(r))
}

func TestParseQuery(t *testing.T) {
	params := url.Values{}
	params.Set("status", "open")
	params.Set("rank_gte", "3")
	params.Set("tags_array_contains_any", `["a","b"]`)
	params.Set("orderBy", "rank:desc,title")
	params.Set("limit", "10")
	params.Set("offset", "20")

	q, err := ParseQuery(params)
	require.NoError(t, err)
	assert.Equal(t, 10, q.Limit)
	assert.Equal(t, 20, q.Offset)
	require.Len(t, q.OrderBy, 2)
	assert.Equal(t, query.Order{Field: "rank", Direction: query.Descending}, q.OrderBy[0])
	assert.Equal(t, query.Order{Field: "title", Direction: query.Ascending}, q.OrderBy[1])

	require.Len(t, q.Filter, 3)
	byField := map[string]query.Predicate{}
	for _, p := range q.Filter {
		byField[p.Field] = p
	}
	assert.Equal(t, query.OpGte, byField["rank"].Operator)
	assert.Equal(t, value.Number(3), byField["rank"].Value)
	assert.Equal(t, query.OpEq, byField["status"].Operator)
	assert.Equal(t, value.String("open"), byField["status"].Value)
	assert.Equal(t, query.OpArrayContainsAny, byField["tags"].Operator)

	params = url.Values{"status": []string{"a", "b"}}
	_, err = ParseQuery(params)
	assert.Error(t, err)

	params = url.Values{"rank_gt": []string{"true"}}
	_, err = ParseQuery(params)
	assert.Error(t, err, "gt requires a number or a date")
}

func TestParseFilterValue(t *testing.T) {
	assert.Equal(t, value.Number(42), ParseFilterValue("42"))
	assert.Equal(t, value.Bool(true), ParseFilterValue("true"))
	assert.Equal(t, value.String("hello"), ParseFilterValue("hello"))
	assert.Equal(t, value.String("quoted"), ParseFilterValue(`"quoted"`))
	assert.Equal(t, value.String(query.CurrentUser), ParseFilterValue(query.CurrentUser))
	assert.Equal(t, value.String("123 Main St"), ParseFilterValue("123 Main St"))
	assert.Equal(t, value.String("true story"), ParseFilterValue("true story"))
	assert.Equal(t, value.String("null pointer"), ParseFilterValue("null pointer"))
}
