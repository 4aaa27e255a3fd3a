// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package docloadertest provides a mock Elasticsearch server for testing
// bulk loads.
package docloadertest

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// TimestampFormat holds the time format for formatting timestamps according to
// Elasticsearch's strict_date_optional_time date format, which includes a fractional
// seconds component.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Endpoint names recorded in Request.Endpoint.
const (
	EndpointBulk        = "bulk"
	EndpointGetSettings = "get_settings"
	EndpointPutSettings = "put_settings"
	EndpointRefresh     = "refresh"
	EndpointForceMerge  = "forcemerge"
)

// BulkItem is a single operation decoded from a _bulk request body.
type BulkItem struct {
	Action  string
	Index   string
	ID      string
	Routing string
	// Source holds the source line following the action line, and is nil
	// for delete actions.
	Source []byte
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// operations and a response body reporting every operation as created.
func DecodeBulkRequest(r *http.Request) ([]BulkItem, esutil.BulkIndexerResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}
	return decodeBulkBody(body)
}

func decodeBulkBody(body io.Reader) ([]BulkItem, esutil.BulkIndexerResponse) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var items []BulkItem
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		action := make(map[string]struct {
			Index   string `json:"_index"`
			ID      string `json:"_id"`
			Routing string `json:"routing"`
		})
		if err := json.NewDecoder(strings.NewReader(scanner.Text())).Decode(&action); err != nil {
			panic(err)
		}
		var item BulkItem
		for actionType, meta := range action {
			item = BulkItem{Action: actionType, Index: meta.Index, ID: meta.ID, Routing: meta.Routing}
		}
		if item.Action != "delete" {
			if !scanner.Scan() {
				panic("expected source")
			}
			item.Source = append([]byte{}, scanner.Bytes()...)
			if !json.Valid(item.Source) {
				panic(fmt.Errorf("invalid JSON: %s", item.Source))
			}
		}
		items = append(items, item)

		resp := esutil.BulkIndexerResponseItem{
			Index:      item.Index,
			DocumentID: item.ID,
			Status:     http.StatusCreated,
		}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{item.Action: resp})
	}
	return items, result
}

// Request is a request received by a Server.
type Request struct {
	Endpoint string
	Method   string
	Index    string
	Query    url.Values
	// Body holds the uncompressed request body.
	Body []byte
}

// Server is a mock Elasticsearch server implementing the bulk, index
// settings, refresh and force merge APIs.
//
// Index settings are kept in memory, so settings updates are visible to
// later settings requests.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	requests    []Request
	indices     map[string]map[string]string
	failures    map[string]int
	bulkHandler http.HandlerFunc
}

// Option configures a Server.
type Option func(*Server)

// WithIndex creates index with the given explicit settings. Settings not
// given report Elasticsearch's defaults.
func WithIndex(index string, settings map[string]string) Option {
	return func(s *Server) {
		m := make(map[string]string, len(settings))
		for k, v := range settings {
			m[k] = v
		}
		s.indices[index] = m
	}
}

// WithBulkHandler sets the handler for _bulk requests. The request body is
// left as sent, so DecodeBulkRequest may be used to decode it.
func WithBulkHandler(h http.HandlerFunc) Option {
	return func(s *Server) { s.bulkHandler = h }
}

// defaultSettings holds the values reported for settings which were never
// set explicitly.
var defaultSettings = map[string]string{
	"index.number_of_replicas": "1",
	"index.refresh_interval":   "1s",
}

// NewServer starts a Server, which will be closed via t.Cleanup.
func NewServer(t testing.TB, opts ...Option) *Server {
	s := &Server{
		indices:  make(map[string]map[string]string),
		failures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bulkHandler == nil {
		s.bulkHandler = func(w http.ResponseWriter, r *http.Request) {
			_, result := DecodeBulkRequest(r)
			json.NewEncoder(w).Encode(result)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		writeJSON(w, http.StatusOK, map[string]any{
			"version": map[string]any{"number": "8.15.0", "build_flavor": "default"},
			"tagline": "You Know, for Search",
		})
	})
	mux.HandleFunc("POST /_bulk", s.handle(EndpointBulk, s.serveBulk))
	mux.HandleFunc("POST /{index}/_bulk", s.handle(EndpointBulk, s.serveBulk))
	mux.HandleFunc("GET /{index}/_settings", s.handle(EndpointGetSettings, s.serveGetSettings))
	mux.HandleFunc("GET /{index}/_settings/{names}", s.handle(EndpointGetSettings, s.serveGetSettings))
	mux.HandleFunc("PUT /{index}/_settings", s.handle(EndpointPutSettings, s.servePutSettings))
	mux.HandleFunc("POST /{index}/_refresh", s.handle(EndpointRefresh, s.serveShards))
	mux.HandleFunc("POST /{index}/_forcemerge", s.handle(EndpointForceMerge, s.serveShards))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

// Client returns an elasticsearch.Client sending requests to s.
func (s *Server) Client(t testing.TB) *elasticsearch.Client {
	client, err := elasticsearch.NewClient(s.ClientConfig())
	require.NoError(t, err)
	return client
}

// ClientConfig returns an elasticsearch.Config sending requests to s.
func (s *Server) ClientConfig() elasticsearch.Config {
	config := elasticsearch.Config{}
	config.Addresses = []string{s.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)
	return config
}

// Fail makes requests to endpoint respond with status, until Fail is called
// again with a status of zero.
func (s *Server) Fail(endpoint string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, endpoint)
		return
	}
	s.failures[endpoint] = status
}

// Requests returns the requests received so far, in order of arrival.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Endpoints returns the endpoints of the requests received so far, in
// order of arrival.
func (s *Server) Endpoints() []string {
	requests := s.Requests()
	out := make([]string, len(requests))
	for i, r := range requests {
		out[i] = r.Endpoint
	}
	return out
}

// BulkItems returns the operations of each bulk request received so far.
func (s *Server) BulkItems() [][]BulkItem {
	var out [][]BulkItem
	for _, r := range s.Requests() {
		if r.Endpoint != EndpointBulk {
			continue
		}
		items, _ := decodeBulkBody(bytes.NewReader(r.Body))
		out = append(out, items)
	}
	return out
}

// Settings returns the explicit settings of index.
func (s *Server) Settings(index string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.indices[index]))
	for k, v := range s.indices[index] {
		out[k] = v
	}
	return out
}

func (s *Server) handle(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body := raw
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(bytes.NewReader(raw))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if body, err = io.ReadAll(zr); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Endpoint: endpoint,
			Method:   r.Method,
			Index:    r.PathValue("index"),
			Query:    r.URL.Query(),
			Body:     body,
		})
		status := s.failures[endpoint]
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, "simulated_exception", fmt.Sprintf("simulated %s failure", endpoint))
			return
		}
		h(w, r)
	}
}

func (s *Server) serveBulk(w http.ResponseWriter, r *http.Request) {
	s.bulkHandler.ServeHTTP(w, r)
}

func (s *Server) serveGetSettings(w http.ResponseWriter, r *http.Request) {
	index := r.PathValue("index")
	s.mu.Lock()
	settings, ok := s.indices[index]
	s.mu.Unlock()
	if !ok {
		writeIndexNotFound(w, index)
		return
	}

	var names []string
	if v := r.PathValue("names"); v != "" {
		names = strings.Split(v, ",")
	}
	selected := func(name string) bool {
		if len(names) == 0 {
			return true
		}
		for _, n := range names {
			if n == name {
				return true
			}
		}
		return false
	}
	explicit := make(map[string]any)
	defaults := make(map[string]any)
	s.mu.Lock()
	for k, v := range settings {
		if selected(k) {
			explicit[k] = v
		}
	}
	s.mu.Unlock()
	if r.URL.Query().Get("include_defaults") == "true" {
		for k, v := range defaultSettings {
			if _, ok := explicit[k]; !ok && selected(k) {
				defaults[k] = v
			}
		}
	}
	entry := map[string]any{"settings": explicit}
	if len(defaults) > 0 {
		entry["defaults"] = defaults
	}
	writeJSON(w, http.StatusOK, map[string]any{index: entry})
}

func (s *Server) servePutSettings(w http.ResponseWriter, r *http.Request) {
	index := r.PathValue("index")
	var update map[string]any
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, ok := s.indices[index]
	if !ok {
		writeIndexNotFound(w, index)
		return
	}
	for k, v := range update {
		if v == nil {
			delete(settings, k)
			continue
		}
		settings[k] = fmt.Sprint(v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *Server) serveShards(w http.ResponseWriter, r *http.Request) {
	index := r.PathValue("index")
	s.mu.Lock()
	_, ok := s.indices[index]
	s.mu.Unlock()
	if !ok {
		writeIndexNotFound(w, index)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"_shards": map[string]int{"total": 1, "successful": 1, "failed": 0},
	})
}

func writeIndexNotFound(w http.ResponseWriter, index string) {
	writeError(w, http.StatusNotFound, "index_not_found_exception", fmt.Sprintf("no such index [%s]", index))
}

func writeError(w http.ResponseWriter, status int, errorType, reason string) {
	writeJSON(w, status, map[string]any{
		"error":  map[string]string{"type": errorType, "reason": reason},
		"status": status,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
