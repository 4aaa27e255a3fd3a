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

package docloader

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchBufferEncoding(t *testing.T) {
	b := newBatchBuffer(gzip.NoCompression, true)
	require.NoError(t, b.add(Operation{Body: strings.NewReader(`{"a":1}`)}))
	require.NoError(t, b.add(Operation{
		Action:     ActionUpdate,
		Index:      "idx",
		DocumentID: `id"1`,
		Routing:    "r1",
		Body:       strings.NewReader(`{"doc":{"a":2}}` + "\n"),
	}))
	require.NoError(t, b.add(Operation{Action: ActionDelete, DocumentID: "3", Body: strings.NewReader(`ignored`)}))

	expected := []string{
		`{"index":{}}` + "\n" + `{"a":1}` + "\n",
		`{"update":{"_index":"idx","_id":"id\"1","routing":"r1"}}` + "\n" + `{"doc":{"a":2}}` + "\n",
		`{"delete":{"_id":"3"}}` + "\n",
	}
	assert.Equal(t, 3, b.Items())
	var size int
	for i, op := range expected {
		assert.Equal(t, op, string(b.encoded(i)))
		size += len(op)
	}
	assert.Equal(t, size, b.Size())
	assert.Equal(t, size, b.Len())
	assert.Equal(t, strings.Join(expected, ""), b.buf.String())
}

func TestBatchBufferInvalidOperations(t *testing.T) {
	b := newBatchBuffer(gzip.NoCompression, false)
	assert.ErrorIs(t, b.add(Operation{Action: "upsert", Body: strings.NewReader(`{}`)}), errUnknownAction)
	assert.ErrorIs(t, b.add(Operation{}), errMissingBody)
	assert.ErrorIs(t, b.add(Operation{Body: strings.NewReader("")}), errMissingBody)
	assert.ErrorContains(t, b.add(Operation{Body: failingWriterTo{}}), "failed to write bulk operation body")
	assert.Equal(t, 0, b.Items())
	assert.Equal(t, 0, b.Size())
	assert.Equal(t, 0, b.Len())
}

func TestBatchBufferCompression(t *testing.T) {
	b := newBatchBuffer(gzip.BestCompression, false)
	doc := `{"text":"` + strings.Repeat("a", 1000) + `"}`
	for i := 0; i < 10; i++ {
		require.NoError(t, b.add(Operation{Body: strings.NewReader(doc)}))
	}
	assert.Equal(t, 10*len(`{"index":{}}`+"\n"+doc+"\n"), b.Size())
	assert.Less(t, b.Len(), b.Size())
	assert.Nil(t, b.raw)
}

func TestBatchBufferLinks(t *testing.T) {
	b := newBatchBuffer(gzip.NoCompression, false)
	first := &linkedTraceContext{TraceID: [16]byte{1}, SpanID: [8]byte{1}}
	second := &linkedTraceContext{TraceID: [16]byte{1}, SpanID: [8]byte{2}}
	b.addLink(nil)
	b.addLink(first)
	b.addLink(second)
	b.addLink(&linkedTraceContext{TraceID: [16]byte{1}, SpanID: [8]byte{1}})
	assert.Equal(t, []linkedTraceContext{*first, *second}, b.links)
}

func TestBatchBufferFlush(t *testing.T) {
	var received string
	client := transportFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/idx/_bulk", r.URL.Path)
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "pipe", r.URL.Query().Get("pipeline"))
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		body, err := io.ReadAll(zr)
		require.NoError(t, err)
		received = string(body)
		return jsonResponse(http.StatusOK, `{"items":[{"index":{"status":201}}]}`), nil
	})

	b := newBatchBuffer(gzip.BestSpeed, false)
	require.NoError(t, b.add(Operation{Body: strings.NewReader(`{"a":1}`)}))
	resp, err := b.flush(context.Background(), client, bulkRequestParams{index: "idx", pipeline: "pipe"})
	require.NoError(t, err)
	assert.Equal(t, `{"index":{}}`+"\n"+`{"a":1}`+"\n", received)
	assert.Equal(t, int64(1), resp.Indexed)
	assert.Equal(t, b.Len(), resp.BytesFlushed)

	_, err = b.flush(context.Background(), client, bulkRequestParams{index: "idx"})
	assert.EqualError(t, err, "bulk buffer already flushed")
}

func TestBatchBufferFlushErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		res        *http.Response
		err        error
		statusCode int
		message    string
	}{
		"transport": {
			err:     io.ErrUnexpectedEOF,
			message: "bulk request of 1 operations failed: failed to execute the request: unexpected EOF",
		},
		"too_many": {
			res:        jsonResponse(http.StatusTooManyRequests, `{}`),
			statusCode: http.StatusTooManyRequests,
			message:    "bulk request of 1 operations failed: flush failed: [429 Too Many Requests] {}",
		},
		"server": {
			res:        jsonResponse(http.StatusServiceUnavailable, `{}`),
			statusCode: http.StatusServiceUnavailable,
			message:    "bulk request of 1 operations failed: flush failed: [503 Service Unavailable] {}",
		},
		"decode": {
			res:        jsonResponse(http.StatusOK, `{"items":[}`),
			statusCode: http.StatusOK,
		},
	} {
		t.Run(name, func(t *testing.T) {
			client := transportFunc(func(*http.Request) (*http.Response, error) {
				return tc.res, tc.err
			})
			b := newBatchBuffer(gzip.NoCompression, false)
			require.NoError(t, b.add(Operation{Body: strings.NewReader(`{}`)}))
			_, err := b.flush(context.Background(), client, bulkRequestParams{index: "idx"})

			var werr *BulkWriteError
			require.ErrorAs(t, err, &werr)
			assert.Equal(t, 1, werr.Items)
			assert.Equal(t, tc.statusCode, werr.StatusCode)
			if tc.message != "" {
				assert.EqualError(t, err, tc.message)
			}
			if tc.statusCode == http.StatusTooManyRequests {
				assert.ErrorAs(t, err, new(errorTooManyRequests))
			}
		})
	}
}

func TestBulkResponseDecoding(t *testing.T) {
	const body = `{"took":3,"errors":true,"items":[
		{"index":{"_index":"idx","_id":"1","status":201}},
		{"create":{"_index":"idx","_id":"2","status":409,"error":{"type":"version_conflict_engine_exception","reason":"document already exists"}}},
		{"delete":{"_index":"idx","_id":"3","status":404}},
		{"update":{"_index":"idx","_id":"4","status":404,"error":{"type":"document_missing_exception","reason":"document missing"}}},
		{"index":{"_index":"idx","status":400,"error":{"type":"mapper_parsing_exception","reason":"failed to parse field [a]. Preview of field's value: 'secret'"}}},
		{"index":{"_index":"idx","_id":"6","status":200}}
	]}`
	var resp bulkResponse
	require.NoError(t, jsoniter.NewDecoder(strings.NewReader(body)).Decode(&resp))
	assert.Equal(t, int64(3), resp.Indexed)
	require.Len(t, resp.FailedDocs, 3)

	assert.Equal(t, 1, resp.FailedDocs[0].Position)
	assert.Equal(t, "2", resp.FailedDocs[0].DocumentID)
	assert.Equal(t, http.StatusConflict, resp.FailedDocs[0].Status)
	assert.Equal(t, "version_conflict_engine_exception", resp.FailedDocs[0].Error.Type)

	assert.Equal(t, 3, resp.FailedDocs[1].Position)
	assert.Equal(t, "document_missing_exception", resp.FailedDocs[1].Error.Type)

	assert.Equal(t, 4, resp.FailedDocs[2].Position)
	assert.Equal(t, "failed to parse field [a]", resp.FailedDocs[2].Error.Reason)
}

type transportFunc func(*http.Request) (*http.Response, error)

func (f transportFunc) Perform(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

type failingWriterTo struct{}

func (failingWriterTo) WriteTo(io.Writer) (int64, error) {
	return 0, io.ErrClosedPipe
}
