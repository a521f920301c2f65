// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package client

import (
	"net/http"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	client := NewWithRouter(nil)

	collection := client.Collection("notes")
	assert.Equal(t, "/collections/notes", collection.Path())
	assert.Equal(t, "/collections/notes/documents", collection.DocumentsPath())

	filtered := collection.WithFilter("status", "open").WithParameter("orderBy", "rank:desc")
	assert.Equal(t, "/collections/notes/documents?status=open&orderBy=rank%3Adesc", filtered.DocumentsPath())
	assert.Equal(t, "/collections/notes/documents", collection.DocumentsPath(), "parameters must not leak into the original")

	assert.Equal(t, "/collections/notes/documents/a%20b", collection.Document("a b").Path())
}

func TestHeadersAndToken(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"authorization":"` + r.Header.Get("Authorization") + `","key":"` + r.Header.Get("X-API-Key") + `"}`))
	})

	base := NewWithRouter(router)
	client := base.WithHeader("X-API-Key", "k1").WithToken("t1")
	assert.Equal(t, "t1", client.Token())

	var result map[string]string
	status, err := client.RawGet("/echo", &result)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Bearer t1", result["authorization"])
	assert.Equal(t, "k1", result["key"])

	result = nil
	_, err = base.RawGet("/echo", &result)
	require.NoError(t, err)
	assert.Equal(t, "", result["authorization"])
	assert.Equal(t, "", result["key"], "WithHeader must not modify the original client")
}

func TestUnexpectedStatus(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such thing", http.StatusNotFound)
	})
	status, err := NewWithRouter(router).RawGet("/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such thing")
}
