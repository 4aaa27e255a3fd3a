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
	"fmt"
	"net/http"
	"time"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultFlushBytes is the default bulk request size threshold, 5MB.
	DefaultFlushBytes = 5 * 1024 * 1024

	// DefaultProgressInterval is the default period between progress reports.
	DefaultProgressInterval = time.Minute

	// DefaultMaxFailedDocuments is the default number of failed documents
	// kept for the DocumentFailuresError returned by Stop.
	DefaultMaxFailedDocuments = 100
)

// FailurePolicy determines how documents rejected by Elasticsearch within
// an otherwise successful bulk request are handled.
type FailurePolicy string

const (
	// FailurePolicyCollect logs and records failed documents, and returns a
	// DocumentFailuresError from Stop after the load has been finalized.
	FailurePolicyCollect FailurePolicy = "collect"

	// FailurePolicyFailFast returns a BulkWriteError from the Add or Stop
	// call whose flush contained failed documents.
	FailurePolicyFailFast FailurePolicy = "fail_fast"

	// FailurePolicyIgnore only logs and records failed documents.
	FailurePolicyIgnore FailurePolicy = "ignore"
)

// Config holds configuration for BulkIndexer.
type Config struct {
	// Logger holds an optional Logger to use for logging progress, index
	// settings changes and indexing failures.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each bulk request is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced with Elastic APM.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. When set, bulk
	// requests and the start and stop of a load are traced as spans.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record indexer metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// Admin holds the IndexAdmin used to read and change index settings,
	// refresh and force merge the index.
	//
	// If Admin is nil, an Indices using the BulkIndexer's client is used.
	Admin IndexAdmin

	// LargeLoad disables replicas and periodic refreshes for the duration
	// of the load, and force merges the index when the load is stopped.
	// It may be changed with BulkIndexer.SetLargeLoad before Start.
	LargeLoad bool

	// DisableRefreshOnStop skips refreshing the index when the load is
	// stopped. It may be changed with BulkIndexer.SetRefreshOnStop before
	// Start.
	DisableRefreshOnStop bool

	// FlushBytes holds the flush threshold in bytes, measured on the
	// uncompressed request body. It may be changed with
	// BulkIndexer.SetFlushBytes before Start.
	//
	// If FlushBytes is zero, the default of 5MB will be used.
	FlushBytes int

	// ProgressInterval holds the period between progress reports.
	//
	// If ProgressInterval is zero, the default of 1 minute will be used.
	ProgressInterval time.Duration

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// FailurePolicy holds the policy for documents rejected by Elasticsearch.
	//
	// If FailurePolicy is empty, FailurePolicyCollect will be used.
	FailurePolicy FailurePolicy

	// MaxFailedDocuments holds the maximum number of failed documents kept
	// with FailurePolicyCollect. All failures are counted regardless.
	//
	// If MaxFailedDocuments is zero, the default of 100 will be used.
	MaxFailedDocuments int

	// MaxDocumentRetries holds the maximum number of times a document
	// rejected with one of RetryOnDocumentStatus is retried. Retried
	// documents are sent with the next bulk request.
	//
	// If MaxDocumentRetries is zero, documents are not retried.
	MaxDocumentRetries int

	// RetryOnDocumentStatus holds the document level statuses that will
	// trigger a document retry.
	//
	// If RetryOnDocumentStatus is empty, documents are retried on 429.
	RetryOnDocumentStatus []int
}

// DefaultConfig returns a copy of cfg with zero values replaced by defaults.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = DefaultFlushBytes
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailurePolicyCollect
	}
	if cfg.MaxFailedDocuments <= 0 {
		cfg.MaxFailedDocuments = DefaultMaxFailedDocuments
	}
	// use a len check instead of a nil check because document level retries
	// should be disabled using MaxDocumentRetries instead.
	if len(cfg.RetryOnDocumentStatus) == 0 {
		cfg.RetryOnDocumentStatus = []int{http.StatusTooManyRequests}
	}
	return cfg
}

// Validate checks the configuration for invalid values.
func (cfg Config) Validate() error {
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	switch cfg.FailurePolicy {
	case "", FailurePolicyCollect, FailurePolicyFailFast, FailurePolicyIgnore:
	default:
		return fmt.Errorf("unknown FailurePolicy %q", cfg.FailurePolicy)
	}
	if cfg.MaxDocumentRetries < 0 {
		return fmt.Errorf("expected MaxDocumentRetries >= 0, got %d", cfg.MaxDocumentRetries)
	}
	return nil
}
