// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy access to the livestore REST api

With NewWithRouter, the client talks directly to the mux router instead of
marshalling HTTP. This is perfectly suited for unit tests. With NewWithURL, it makes
real HTTP requests against a running server.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/livestore/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		if k != key {
			headers[k] = v
		}
	}
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client which sends the bearer token with every request
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// Token returns the bearer token of the client
func (c Client) Token() string {
	return c.token
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of the client
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Session is the response of register and login
type Session struct {
	Token string      `json:"token"`
	User  access.User `json:"user"`
}

type credentials struct {
	Email    string                 `json:"email"`
	Password string                 `json:"password"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Register registers a new user. On success the returned client carries the new
// session token.
func (c Client) Register(email, password string, data map[string]interface{}) (Client, Session, error) {
	var session Session
	_, err := c.RawPost("/auth/register", credentials{Email: email, Password: password, Data: data}, &session)
	if err != nil {
		return c, session, err
	}
	return c.WithToken(session.Token), session, nil
}

// Login logs in an existing user. On success the returned client carries the new
// session token.
func (c Client) Login(email, password string) (Client, Session, error) {
	var session Session
	_, err := c.RawPost("/auth/login", credentials{Email: email, Password: password}, &session)
	if err != nil {
		return c, session, err
	}
	return c.WithToken(session.Token), session, nil
}

// Logout revokes the session token of the client
func (c Client) Logout() (int, error) {
	return c.RawPost("/auth/logout", nil, nil)
}

// Me reads the user info of the authenticated user
func (c Client) Me(result interface{}) (int, error) {
	return c.RawGet("/auth/me", result)
}

// Collection represents a document collection
type Collection struct {
	client     *Client
	id         string
	parameters []string
}

// Collection returns a new collection client
func (c Client) Collection(id string) Collection {
	return Collection{
		client: &c,
		id:     id,
	}
}

// CreateCollection creates a new collection. body is typically a map with "name" and
// optionally "id" and "webhookUrl".
func (c Client) CreateCollection(body interface{}, result interface{}) (int, error) {
	return c.RawPost("/collections", body, result)
}

// ListCollections lists all collections
func (c Client) ListCollections(result interface{}) (int, error) {
	return c.RawGet("/collections", result)
}

// WithParameter returns a new collection client with a url parameter added
func (r Collection) WithParameter(key string, value string) Collection {
	// we want a true copy to avoid side effects
	parameters := append([]string{}, r.parameters...)
	parameters = append(parameters, url.QueryEscape(key)+"="+url.QueryEscape(value))
	return Collection{
		client:     r.client,
		id:         r.id,
		parameters: parameters,
	}
}

// WithFilter returns a new collection client with a filter added. This is syntactic
// sugar for WithParameter.
func (r Collection) WithFilter(key string, value string) Collection {
	return r.WithParameter(key, value)
}

// Path returns the path of the collection itself
func (r Collection) Path() string {
	return "/collections/" + url.PathEscape(r.id)
}

// DocumentsPath returns the path of the documents in the collection, including
// parameters
func (r Collection) DocumentsPath() string {
	path := r.Path() + "/documents"
	if len(r.parameters) > 0 {
		path += "?" + strings.Join(r.parameters, "&")
	}
	return path
}

// Read reads the collection
func (r Collection) Read(result interface{}) (int, error) {
	return r.client.RawGet(r.Path(), result)
}

// Update patches name or webhook url of the collection
func (r Collection) Update(body interface{}, result interface{}) (int, error) {
	return r.client.RawPatch(r.Path(), body, result)
}

// Delete deletes the collection and all its documents
func (r Collection) Delete() (int, error) {
	return r.client.RawDelete(r.Path())
}

// Create creates a new document with body as data. An id parameter added with
// WithParameter selects the document id.
func (r Collection) Create(body interface{}, result interface{}) (int, error) {
	return r.client.RawPost(r.DocumentsPath(), body, result)
}

// List lists the documents of the collection, taking all parameters into account
func (r Collection) List(result interface{}) (int, error) {
	return r.client.RawGet(r.DocumentsPath(), result)
}

// Document represents a single document
type Document struct {
	collection Collection
	id         string
	headers    map[string]string
}

// Document returns a client for a single document of the collection
func (r Collection) Document(id string) Document {
	return Document{collection: r, id: id}
}

// WithRevision returns a new document client whose updates are conditional on the
// document having the given revision
func (r Document) WithRevision(revision int64) Document {
	r.headers = map[string]string{"If-Match": strconv.FormatInt(revision, 10)}
	return r
}

// Path returns the path of the document
func (r Document) Path() string {
	return r.collection.Path() + "/documents/" + url.PathEscape(r.id)
}

// Read reads the document
func (r Document) Read(result interface{}) (int, error) {
	return r.collection.client.RawGet(r.Path(), result)
}

// Replace replaces the document data with body
func (r Document) Replace(body interface{}, result interface{}) (int, error) {
	status, _, err := r.collection.client.do(http.MethodPut, r.Path(), r.headers, body, result, http.StatusOK)
	return status, err
}

// Merge merges body into the document data
func (r Document) Merge(body interface{}, result interface{}) (int, error) {
	status, _, err := r.collection.client.do(http.MethodPatch, r.Path(), r.headers, body, result, http.StatusOK)
	return status, err
}

// Delete deletes the document
func (r Document) Delete() (int, error) {
	return r.collection.client.RawDelete(r.Path())
}

// Page is a page of a document list
type Page struct {
	r          Collection
	limit      int
	offset     int
	totalCount int
	fetched    bool
}

// FirstPage returns a page requester for the collection, with limit documents per page
//
// Do not specify offset or limit parameters when using the page requester, as
// it manages them itself. You can set all other parameters, including filters.
func (r Collection) FirstPage(limit int) Page {
	return Page{r: r, limit: limit}
}

// HasData returns true if the page has data (by definition true for the first page)
func (p Page) HasData() bool {
	return !p.fetched || p.offset < p.totalCount
}

// TotalCount returns the total number of documents (only available after you have called Get on the page)
func (p Page) TotalCount() int {
	return p.totalCount
}

// Get gets one page of the collection
func (p *Page) Get(result interface{}) (int, error) {
	path := p.r.
		WithParameter("limit", strconv.Itoa(p.limit)).
		WithParameter("offset", strconv.Itoa(p.offset)).
		DocumentsPath()
	status, header, err := p.r.client.RawGetWithHeader(path, nil, result)
	if err != nil {
		return status, err
	}
	totalCount, err := strconv.Atoi(header.Get("Pagination-Total-Count"))
	if err == nil {
		p.totalCount = totalCount
	}
	p.fetched = true
	return status, nil
}

// Next returns the next page
func (p Page) Next() Page {
	return Page{
		r:          p.r,
		limit:      p.limit,
		offset:     p.offset + p.limit,
		totalCount: p.totalCount,
		fetched:    p.fetched,
	}
}

// do executes a request. body can be a []byte, result can be a raw *[]byte. result can be
// nil. Any status not in expect is flagged as error.
func (c Client) do(method, path string, headers map[string]string, body interface{}, result interface{}, expect ...int) (int, http.Header, error) {
	var reader io.Reader
	if body != nil {
		j, ok := body.([]byte)
		if !ok {
			var err error
			j, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, nil, fmt.Errorf("%s to %s: %w", method, path, err)
			}
		}
		reader = bytes.NewBuffer(j)
	}

	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	for key, value := range headers {
		r.Header.Add(key, value)
	}
	if c.token != "" {
		r.Header.Add("Authorization", "Bearer "+c.token)
	}

	var res *http.Response
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, nil, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}

	status := res.StatusCode
	valid := false
	for _, e := range expect {
		valid = valid || e == status
	}
	if !valid {
		return status, res.Header, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, expect, strings.TrimSpace(string(resBody)))
	}
	if status == http.StatusNoContent || len(resBody) == 0 || result == nil {
		return status, res.Header, nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return status, res.Header, nil
	}
	return status, res.Header, json.Unmarshal(resBody, result)
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.do(http.MethodGet, path, nil, nil, result, http.StatusOK)
	return status, err
}

// RawGetWithHeader gets the resource from path with additional request headers.
// Returns the actual http status code and the response header.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	return c.do(http.MethodGet, path, header, nil, result, http.StatusOK)
}

// RawPost posts a resource to path. Expects http.StatusCreated, http.StatusOK or
// http.StatusNoContent as response, otherwise it will flag an error. Returns the actual
// http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.do(http.MethodPost, path, nil, body, result, http.StatusCreated, http.StatusOK, http.StatusNoContent)
	return status, err
}

// RawPut puts a resource to path. Expects http.StatusOK as response.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.do(http.MethodPut, path, nil, body, result, http.StatusOK)
	return status, err
}

// RawPatch patches a resource at path. Expects http.StatusOK as response.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.do(http.MethodPatch, path, nil, body, result, http.StatusOK)
	return status, err
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent as response.
func (c Client) RawDelete(path string) (int, error) {
	status, _, err := c.do(http.MethodDelete, path, nil, nil, nil, http.StatusNoContent)
	return status, err
}
