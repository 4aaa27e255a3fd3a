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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unsafe"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"
)

// batchBuffer holds the encoded operations of a single bulk request.
//
// A batchBuffer is flushed at most once. The BulkIndexer replaces it with a
// fresh buffer before flushing, so operations added while (or after) a
// request is in flight never end up in the same request.
type batchBuffer struct {
	buf     bytes.Buffer
	gzipw   *gzip.Writer
	writer  io.Writer
	jsonw   fastjson.Writer
	scratch bytes.Buffer

	// raw holds an uncompressed copy of the request body, and is only
	// populated when retain is true.
	raw    []byte
	retain bool

	// ends holds the uncompressed end offset of each operation.
	ends []int
	// attempts holds the number of previous attempts of each operation.
	attempts []int

	uncompressed int
	flushed      bool

	links     []linkedTraceContext
	linksSeen map[linkedTraceContext]struct{}
}

func newBatchBuffer(compressionLevel int, retain bool) *batchBuffer {
	b := &batchBuffer{retain: retain}
	if compressionLevel != gzip.NoCompression {
		// The level is validated by Config.Validate.
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, compressionLevel)
		b.writer = b.gzipw
	} else {
		b.writer = &b.buf
	}
	return b
}

// Items returns the number of buffered operations.
func (b *batchBuffer) Items() int {
	return len(b.ends)
}

// Size returns the estimated wire size of the buffered operations, which is
// the length of their uncompressed encoding.
func (b *batchBuffer) Size() int {
	return b.uncompressed
}

// Len returns the number of bytes in the request body, which is smaller
// than Size when compression is enabled.
func (b *batchBuffer) Len() int {
	return b.buf.Len()
}

// add encodes op into the buffer.
func (b *batchBuffer) add(op Operation) error {
	action, err := op.action()
	if err != nil {
		return err
	}
	if action != ActionDelete && op.Body == nil {
		return errMissingBody
	}

	b.scratch.Reset()
	writeMeta(&b.jsonw, action, op)
	b.jsonw.RawByte('\n')
	b.scratch.Write(b.jsonw.Bytes())
	b.jsonw.Reset()
	if action != ActionDelete {
		n, err := op.Body.WriteTo(&b.scratch)
		if err != nil {
			return fmt.Errorf("failed to write bulk operation body: %w", err)
		}
		if n == 0 {
			return errMissingBody
		}
		if body := b.scratch.Bytes(); body[len(body)-1] != '\n' {
			b.scratch.WriteByte('\n')
		}
	}
	return b.addEncoded(b.scratch.Bytes(), 0)
}

// addEncoded appends an already encoded operation, e.g. one being retried.
func (b *batchBuffer) addEncoded(p []byte, attempts int) error {
	if _, err := b.writer.Write(p); err != nil {
		return fmt.Errorf("failed to write bulk operation: %w", err)
	}
	if b.retain {
		b.raw = append(b.raw, p...)
	}
	b.uncompressed += len(p)
	b.ends = append(b.ends, b.uncompressed)
	b.attempts = append(b.attempts, attempts)
	return nil
}

// encoded returns the encoded operation at position i. It must only be
// called on buffers created with retain set.
func (b *batchBuffer) encoded(i int) []byte {
	var start int
	if i > 0 {
		start = b.ends[i-1]
	}
	return b.raw[start:b.ends[i]]
}

func (b *batchBuffer) addLink(link *linkedTraceContext) {
	if link == nil {
		return
	}
	if b.linksSeen == nil {
		b.linksSeen = make(map[linkedTraceContext]struct{})
	}
	if _, ok := b.linksSeen[*link]; ok {
		return
	}
	b.linksSeen[*link] = struct{}{}
	b.links = append(b.links, *link)
}

type bulkRequestParams struct {
	index    string
	pipeline string
}

// flush sends the buffered operations as a single bulk request.
func (b *batchBuffer) flush(ctx context.Context, client esapi.Transport, params bulkRequestParams) (bulkResponse, error) {
	var resp bulkResponse
	if b.flushed {
		return resp, fmt.Errorf("bulk buffer already flushed")
	}
	b.flushed = true
	n := b.Items()

	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return resp, &BulkWriteError{
				Items: n,
				Err:   fmt.Errorf("failed closing the gzip writer: %w", err),
			}
		}
	}

	req := esapi.BulkRequest{
		Index:  params.index,
		Body:   &b.buf,
		Header: make(http.Header),
		FilterPath: []string{
			"items.*._index", "items.*._id", "items.*.status",
			"items.*.error.type", "items.*.error.reason",
		},
		Pipeline: params.pipeline,
	}
	if b.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	bytesFlushed := b.buf.Len()
	res, err := req.Do(ctx, client)
	if err != nil {
		return resp, &BulkWriteError{
			Items: n,
			Err:   fmt.Errorf("failed to execute the request: %w", err),
		}
	}
	defer res.Body.Close()

	// Record the number of flushed bytes only when err == nil. The body may
	// not have been sent otherwise.
	resp.BytesFlushed = bytesFlushed
	if res.IsError() {
		werr := &BulkWriteError{Items: n, StatusCode: res.StatusCode}
		if res.StatusCode == http.StatusTooManyRequests {
			werr.Err = errorTooManyRequests{msg: res.String()}
		} else {
			werr.Err = fmt.Errorf("flush failed: %s", res.String())
		}
		return resp, werr
	}

	if err := jsoniter.NewDecoder(res.Body).Decode(&resp); err != nil {
		return resp, &BulkWriteError{
			Items:      n,
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("error decoding bulk response: %w", err),
		}
	}
	return resp, nil
}

// bulkResponse holds the decoded result of a bulk request.
type bulkResponse struct {
	Indexed      int64
	FailedDocs   []FailedDocument
	BytesFlushed int
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("docloader.bulkResponse", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		resp := (*bulkResponse)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			if s != "items" {
				i.Skip()
				return true
			}
			var idx int
			i.ReadArrayCB(func(i *jsoniter.Iterator) bool {
				return i.ReadMapCB(func(i *jsoniter.Iterator, action string) bool {
					var item FailedDocument
					i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
						switch s {
						case "_index":
							item.Index = i.ReadString()
						case "_id":
							item.DocumentID = i.ReadString()
						case "status":
							item.Status = i.ReadInt()
						case "error":
							i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
								switch s {
								case "type":
									item.Error.Type = i.ReadString()
								case "reason":
									// Drop the field value preview from mapper
									// errors, it may contain document data.
									item.Error.Reason, _, _ = strings.Cut(
										i.ReadString(), ". Preview",
									)
								default:
									i.Skip()
								}
								return true
							})
						default:
							i.Skip()
						}
						return true
					})
					item.Position = idx
					idx++
					// Deleting a missing document is not an error.
					notFound := action == string(ActionDelete) &&
						item.Status == http.StatusNotFound && item.Error.Type == ""
					if !notFound && (item.Error.Type != "" || item.Status > 201) {
						resp.FailedDocs = append(resp.FailedDocs, item)
					} else {
						resp.Indexed++
					}
					return true
				})
			})
			// no need to proceed further, return early
			return false
		})
	})
}
