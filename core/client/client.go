// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast in-process access to the gateway

Instead of marshalling HTTP, the client talks directly to the mux router.
It is the tool of choice when one service component needs to call the data
endpoints to fulfill its task, and it is perfectly suited for unit tests.
The same client also runs against a remote gateway when created with a URL.
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
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/limen/core"
	"github.com/relabs-tech/limen/core/access"
	"github.com/relabs-tech/limen/core/filter"
	"github.com/relabs-tech/limen/core/gateway"
	"github.com/relabs-tech/limen/core/translate"
	"github.com/relabs-tech/limen/core/txn"
)

// Client provides easy access to the gateway endpoints.
type Client struct {
	router         *mux.Router
	httpClient     *http.Client
	url            string
	token          string
	identity       *access.Identity
	ctx            context.Context
	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the
// gateway, through the mux router.
//
// WithIdentity() injects an identity into the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to a remote gateway.
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithToken returns a new client with a bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithIdentity returns a new client with a verified identity. This works
// only directly against the mux router, for a remote client use
// WithToken().
func (c Client) WithIdentity(identity *access.Identity) Client {
	c.identity = identity
	return c
}

// WithAdminIdentity returns a new client with an admin identity. This
// works only directly against the mux router, for a remote client use
// WithToken().
func (c Client) WithAdminIdentity(subject string) Client {
	return c.WithIdentity(&access.Identity{
		Subject: subject,
		Roles:   []string{access.AdminRole},
	})
}

// WithHeader returns a new client with a default header added. Adding
// a header again replaces its previous value.
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of this client
func (c Client) Context() context.Context {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.identity != nil {
		ctx = c.identity.ContextWithIdentity(ctx)
	}
	return ctx
}

// Envelope is the response wrapper of the data endpoints.
type Envelope struct {
	Data   json.RawMessage `json:"data"`
	Count  *int            `json:"count,omitempty"`
	Params gateway.Params  `json:"params"`
}

// roundTrip performs one request, in-process or remote. It returns the
// status, the response header and the raw body. A status outside of the
// 2xx range becomes an error carrying the body's error message.
func (c Client) roundTrip(method, path string, body []byte) (int, http.Header, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
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
			return http.StatusInternalServerError, nil, nil, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}
	status := res.StatusCode
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		message := string(resBody)
		var failure struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resBody, &failure) == nil && failure.Error != "" {
			message = failure.Error
		}
		return status, res.Header, resBody, fmt.Errorf("request failed with status %d: %s", status, message)
	}
	return status, res.Header, resBody, nil
}

// RawGet gets the resource from path. The path can be extended with
// query strings. result can be a *[]byte for the raw body, anything else
// is unmarshalled from JSON. result can be nil. Returns the actual http
// status code.
func (c Client) RawGet(path string, result any) (int, error) {
	status, _, err := c.RawGetWithHeader(path, result)
	return status, err
}

// RawGetWithHeader gets the resource from path and also returns the
// response header.
func (c Client) RawGetWithHeader(path string, result any) (int, http.Header, error) {
	status, header, resBody, err := c.roundTrip(http.MethodGet, path, nil)
	if err != nil {
		return status, header, err
	}
	return status, header, decodeInto(resBody, result)
}

// RawPost posts body to path. body can also be a []byte. result can be a
// *[]byte, anything else is unmarshalled from JSON. result can be nil.
// Returns the actual http status code.
func (c Client) RawPost(path string, body, result any) (int, error) {
	data, err := encodeBody(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	status, _, resBody, err := c.roundTrip(http.MethodPost, path, data)
	if err != nil {
		return status, err
	}
	return status, decodeInto(resBody, result)
}

// RawPut puts body to path, body can also be a []byte. result can be a
// *[]byte, anything else is unmarshalled from JSON. result can be nil.
// Returns the actual http status code.
func (c Client) RawPut(path string, body, result any) (int, error) {
	data, err := encodeBody(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	status, _, resBody, err := c.roundTrip(http.MethodPut, path, data)
	if err != nil {
		return status, err
	}
	return status, decodeInto(resBody, result)
}

// RawDelete deletes the resource at path. Returns the actual http
// status code.
func (c Client) RawDelete(path string) (int, error) {
	status, _, _, err := c.roundTrip(http.MethodDelete, path, nil)
	return status, err
}

func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.([]byte); ok {
		return raw, nil
	}
	return json.Marshal(body)
}

func decodeInto(resBody []byte, result any) error {
	if result == nil || len(resBody) == 0 {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

// operation posts a request to one of the data endpoints and decodes
// the envelope. result receives the data part.
func (c Client) operation(op core.Operation, req *translate.Request, result any) (Envelope, int, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, http.StatusBadRequest, err
	}
	status, _, resBody, err := c.roundTrip(http.MethodPost, "/"+string(op), data)
	if err != nil {
		return Envelope{}, status, err
	}
	var envelope Envelope
	if err := json.Unmarshal(resBody, &envelope); err != nil {
		return Envelope{}, status, err
	}
	return envelope, status, decodeInto(envelope.Data, result)
}

// Table returns a client for one resource
func (c Client) Table(name string) Table {
	return Table{client: c, name: name}
}

// Table is a client for the data operations on one resource.
type Table struct {
	client Client
	name   string
}

// Select returns a select request for the table, optionally restricted
// to the given columns.
func (t Table) Select(columns ...string) *Select {
	return &Select{
		table: t,
		req: translate.Request{
			Resource: t.name,
			Columns:  columns,
		},
	}
}

// Insert creates the record, or all records when data is a list.
// result receives the created records including generated defaults,
// it can be nil. Returns the actual http status code.
func (t Table) Insert(data any, result any) (int, error) {
	_, status, err := t.client.operation(core.OperationInsert, &translate.Request{
		Resource: t.name,
		Data:     data,
	}, result)
	return status, err
}

// Upsert creates the record or updates it when a record with the same
// conflict key already exists. An empty onConflict defaults to the
// table's primary key. Returns the actual http status code.
func (t Table) Upsert(data any, onConflict []string, result any) (int, error) {
	_, status, err := t.client.operation(core.OperationUpsert, &translate.Request{
		Resource:   t.name,
		Data:       data,
		OnConflict: onConflict,
	}, result)
	return status, err
}

// Update sets the columns of data on all records matching where.
// result receives the updated records, it can be nil. Returns the
// number of updated rows and the actual http status code.
func (t Table) Update(data any, where map[string]any, result any) (int, int, error) {
	envelope, status, err := t.client.operation(core.OperationUpdate, &translate.Request{
		Resource: t.name,
		Data:     data,
		Where:    where,
	}, result)
	return envelope.Params.RowsAffected, status, err
}

// Delete removes all records matching where. A nil where removes
// everything the caller is permitted to remove. Returns the number of
// deleted rows and the actual http status code.
func (t Table) Delete(where map[string]any) (int, int, error) {
	envelope, status, err := t.client.operation(core.OperationDelete, &translate.Request{
		Resource: t.name,
		Where:    where,
	}, nil)
	return envelope.Params.RowsAffected, status, err
}

// Select is a request builder for one select.
type Select struct {
	table Table
	req   translate.Request
}

// Where adds an equality condition on a column
func (s *Select) Where(column string, value any) *Select {
	if s.req.Where == nil {
		s.req.Where = map[string]any{}
	}
	s.req.Where[column] = value
	return s
}

// Filter adds predicate filters
func (s *Select) Filter(filters ...filter.Filter) *Select {
	s.req.Filters = append(s.req.Filters, filters...)
	return s
}

// Order adds an ascending sort criterion
func (s *Select) Order(column string) *Select {
	s.req.Order = append(s.req.Order, filter.Order{Column: column})
	return s
}

// OrderDesc adds a descending sort criterion
func (s *Select) OrderDesc(column string) *Select {
	s.req.Order = append(s.req.Order, filter.Order{Column: column, Descending: true})
	return s
}

// Limit bounds the number of returned records
func (s *Select) Limit(limit int) *Select {
	s.req.Limit = &limit
	return s
}

// Offset skips records, it needs a limit
func (s *Select) Offset(offset int) *Select {
	s.req.Offset = &offset
	return s
}

// Do runs the select. result receives the records, usually a pointer
// to a slice, it can also be a *[]byte or nil. Returns the actual http
// status code.
func (s *Select) Do(result any) (int, error) {
	_, status, err := s.table.client.operation(core.OperationSelect, &s.req, result)
	return status, err
}

// DoWithCount runs the select and additionally returns the total
// number of matching records regardless of the requested page.
func (s *Select) DoWithCount(result any) (int, int, error) {
	s.req.Count = true
	envelope, status, err := s.table.client.operation(core.OperationSelect, &s.req, result)
	count := 0
	if envelope.Count != nil {
		count = *envelope.Count
	}
	return count, status, err
}

// One runs the select expecting exactly one record. result receives
// the record object. Returns the actual http status code.
func (s *Select) One(result any) (int, error) {
	s.req.Single = true
	_, status, err := s.table.client.operation(core.OperationSelect, &s.req, result)
	return status, err
}

// Transaction is a client whose data operations run inside one store
// transaction until Commit or Rollback.
type Transaction struct {
	Client
	ID string
}

// BeginTransaction starts a transaction on the gateway. All data
// operations of the returned client are routed into it.
func (c Client) BeginTransaction() (*Transaction, error) {
	var response struct {
		TransactionID string `json:"transactionId"`
	}
	if _, err := c.RawPost("/transaction/start", nil, &response); err != nil {
		return nil, err
	}
	return &Transaction{
		Client: c.WithHeader(txn.HeaderTransactionID, response.TransactionID),
		ID:     response.TransactionID,
	}, nil
}

// Commit makes the transaction's changes visible
func (t *Transaction) Commit() error {
	_, err := t.RawPost("/transaction/commit", nil, nil)
	return err
}

// Rollback discards the transaction's changes
func (t *Transaction) Rollback() error {
	_, err := t.RawPost("/transaction/rollback", nil, nil)
	return err
}

// Bucket returns a client for one storage bucket
func (c Client) Bucket(name string) Bucket {
	return Bucket{client: c, name: name}
}

// Bucket is a client for the storage endpoints of one bucket.
type Bucket struct {
	client Client
	name   string
}

func (b Bucket) path(key string) string {
	return "/storage/" + b.name + "/" + key
}

// Put uploads a blob. Returns the actual http status code.
func (b Bucket) Put(key string, blob []byte) (int, error) {
	return b.client.RawPut(b.path(key), blob, nil)
}

// Get downloads a blob. Returns the actual http status code.
func (b Bucket) Get(key string, blob *[]byte) (int, error) {
	return b.client.RawGet(b.path(key), blob)
}

// Delete removes a blob. Returns the actual http status code.
func (b Bucket) Delete(key string) (int, error) {
	return b.client.RawDelete(b.path(key))
}

// List returns the keys below the given prefix, pass an empty prefix
// for the complete bucket.
func (b Bucket) List(prefix string) ([]string, int, error) {
	var response struct {
		Keys []string `json:"keys"`
	}
	path := "/storage/" + b.name
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}
	status, err := b.client.RawGet(path, &response)
	return response.Keys, status, err
}

// PresignGet returns a presigned download URL instead of the blob
func (b Bucket) PresignGet(key string) (string, error) {
	var response struct {
		URL string `json:"url"`
	}
	_, err := b.client.RawGet(b.path(key)+"?presign=true", &response)
	return response.URL, err
}

// PresignPut returns a presigned upload URL
func (b Bucket) PresignPut(key string) (string, error) {
	var response struct {
		URL string `json:"url"`
	}
	_, err := b.client.RawPut(b.path(key)+"?presign=true", nil, &response)
	return response.URL, err
}

// Health pings the gateway's health route
func (c Client) Health() error {
	_, err := c.RawGet("/health", nil)
	return err
}

// Status returns the gateway's status figures, admins only
func (c Client) Status(result any) (int, error) {
	return c.RawGet("/status", result)
}

// Identity returns the verified identity for the client's credential,
// or nil for an anonymous client.
func (c Client) Identity() (*access.Identity, error) {
	var identity access.Identity
	status, err := c.RawGet("/auth/identity", &identity)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &identity, nil
}
