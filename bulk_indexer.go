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
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the lifecycle state of a BulkIndexer.
type State int32

const (
	StateNotStarted State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Stats holds bulk indexing statistics.
type Stats struct {
	// Added holds the number of operations accepted by Add.
	Added int64

	// Indexed holds the number of operations successfully indexed.
	Indexed int64

	// Failed holds the number of operations that failed, either because
	// their bulk request failed or because they were rejected individually.
	Failed int64

	// Retried holds the number of times an operation was requeued after
	// a retryable document failure.
	Retried int64

	// BulkRequests holds the number of bulk requests completed.
	BulkRequests int64

	// BytesTotal represents the total number of bytes written to
	// the request body that is sent in the outgoing _bulk request
	// to Elasticsearch.
	BytesTotal int64

	// BytesUncompressedTotal represents the total number of bytes
	// written to the request body before compression.
	BytesUncompressedTotal int64
}

// BulkIndexer loads operations into an Elasticsearch index with _bulk
// requests of a bounded size.
//
// A BulkIndexer is used for a single load: New, then optionally the
// setters, then Start, Add for each operation, and finally Stop. Start, Add
// and Stop must be called from a single goroutine. State, Count and Stats
// may be called concurrently.
type BulkIndexer struct {
	client  elastictransport.Interface
	index   string
	config  Config
	admin   IndexAdmin
	metrics *metrics
	// tracer is an OTel tracer, and should not be confused with `b.config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer

	state         atomic.Int32
	largeLoad     bool
	refreshOnStop bool
	flushBytes    int

	active   *batchBuffer
	snapshot map[string]any
	tracker  *ProgressTracker
	counter  atomic.Int64

	// documentFailures and failures hold the permanently failed documents,
	// kept with FailurePolicyCollect.
	documentFailures int64
	failures         []FailedDocument

	docsAdded              atomic.Int64
	docsIndexed            atomic.Int64
	docsFailed             atomic.Int64
	docsRetried            atomic.Int64
	bulkRequests           atomic.Int64
	bytesTotal             atomic.Int64
	bytesUncompressedTotal atomic.Int64
}

// New returns a BulkIndexer loading into index with client.
func New(client elastictransport.Interface, index string, cfg Config) (*BulkIndexer, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if index == "" {
		return nil, errMissingIndex
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg = DefaultConfig(cfg)
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	admin := cfg.Admin
	if admin == nil {
		admin = NewIndices(client)
	}
	b := &BulkIndexer{
		client:        client,
		index:         index,
		config:        cfg,
		admin:         admin,
		metrics:       ms,
		largeLoad:     cfg.LargeLoad,
		refreshOnStop: !cfg.DisableRefreshOnStop,
		flushBytes:    cfg.FlushBytes,
	}
	b.tracker = NewProgressTracker(cfg.Logger, &b.counter, "requests")
	if cfg.TracerProvider != nil {
		b.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-docloader")
	}
	return b, nil
}

// SetLargeLoad enables or disables large load mode. While a large load is
// in progress the index has no replicas and periodic refreshes are disabled;
// both are restored by Stop, after the index has been force merged.
func (b *BulkIndexer) SetLargeLoad(enabled bool) error {
	if err := b.checkState("set large load", StateNotStarted); err != nil {
		return err
	}
	b.largeLoad = enabled
	return nil
}

// SetRefreshOnStop sets whether Stop refreshes the index.
func (b *BulkIndexer) SetRefreshOnStop(enabled bool) error {
	if err := b.checkState("set refresh on stop", StateNotStarted); err != nil {
		return err
	}
	b.refreshOnStop = enabled
	return nil
}

// SetFlushBytes sets the flush threshold. A value of zero or less selects
// DefaultFlushBytes.
func (b *BulkIndexer) SetFlushBytes(n int) error {
	if err := b.checkState("set flush bytes", StateNotStarted); err != nil {
		return err
	}
	if n <= 0 {
		n = DefaultFlushBytes
	}
	b.flushBytes = n
	return nil
}

// State returns the lifecycle state.
func (b *BulkIndexer) State() State {
	return State(b.state.Load())
}

// Count returns the number of operations added since Start. It is reset to
// zero by Stop.
func (b *BulkIndexer) Count() int64 {
	return b.counter.Load()
}

// Stats returns the bulk indexing stats.
func (b *BulkIndexer) Stats() Stats {
	return Stats{
		Added:                  b.docsAdded.Load(),
		Indexed:                b.docsIndexed.Load(),
		Failed:                 b.docsFailed.Load(),
		Retried:                b.docsRetried.Load(),
		BulkRequests:           b.bulkRequests.Load(),
		BytesTotal:             b.bytesTotal.Load(),
		BytesUncompressedTotal: b.bytesUncompressedTotal.Load(),
	}
}

// Start starts the load. With large load mode enabled, replicas and
// periodic refreshes are disabled first, in a single settings update.
//
// If the index settings cannot be read or updated, Start returns a
// SettingsUnavailableError or SettingsUpdateError and the indexer is left
// not started.
func (b *BulkIndexer) Start(ctx context.Context) (err error) {
	if err := b.checkState("start", StateNotStarted); err != nil {
		return err
	}
	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "docloader.start", trace.WithAttributes(
			attribute.String("index", b.index),
			attribute.Bool("large_load", b.largeLoad),
		))
		defer func() { endSpan(span, err) }()
	}
	if b.largeLoad {
		if err := b.prepareLargeLoad(ctx); err != nil {
			b.config.Logger.Error("failed to prepare index for large load",
				zap.String("index", b.index), zap.Error(err),
			)
			return err
		}
	}

	b.counter.Store(0)
	b.active = b.newBuffer()
	b.tracker.Start(b.config.ProgressInterval)
	b.state.Store(int32(StateStarted))
	b.config.Logger.Info("bulk load started",
		zap.String("index", b.index),
		zap.Bool("large_load", b.largeLoad),
		zap.Int("flush_bytes", b.flushBytes),
	)
	return nil
}

func (b *BulkIndexer) prepareLargeLoad(ctx context.Context) error {
	current, err := b.admin.GetSettings(ctx, b.index, SettingNumberOfReplicas, SettingRefreshInterval)
	if err != nil {
		var unavailable *SettingsUnavailableError
		if !errors.As(err, &unavailable) {
			err = &SettingsUnavailableError{Index: b.index, Err: err}
		}
		return err
	}
	replicas, err := strconv.Atoi(current[SettingNumberOfReplicas].Value)
	if err != nil {
		return &SettingsUnavailableError{
			Index: b.index,
			Name:  SettingNumberOfReplicas,
			Err:   fmt.Errorf("invalid value %q: %w", current[SettingNumberOfReplicas].Value, err),
		}
	}

	snapshot := make(map[string]any, 2)
	update := make(map[string]any, 2)
	if replicas > 0 {
		snapshot[SettingNumberOfReplicas] = snapshotValue(current[SettingNumberOfReplicas], replicas)
		update[SettingNumberOfReplicas] = 0
	}
	refresh := current[SettingRefreshInterval]
	snapshot[SettingRefreshInterval] = snapshotValue(refresh, refresh.Value)
	update[SettingRefreshInterval] = RefreshIntervalDisabled

	if err := b.updateSettings(ctx, update); err != nil {
		return err
	}
	b.snapshot = snapshot
	b.config.Logger.Info("disabled replicas and refresh for large load",
		zap.String("index", b.index),
		zap.Int("replicas", replicas),
		zap.String("refresh_interval", refresh.Value),
	)
	return nil
}

// snapshotValue returns the value restoring setting after a large load.
// Settings which were never set explicitly are restored as null, which
// resets them to their default.
func snapshotValue(setting Setting, value any) any {
	if setting.Default {
		return nil
	}
	return value
}

func (b *BulkIndexer) updateSettings(ctx context.Context, settings map[string]any) error {
	if err := b.admin.UpdateSettings(ctx, b.index, settings); err != nil {
		var updateErr *SettingsUpdateError
		if !errors.As(err, &updateErr) {
			err = &SettingsUpdateError{Index: b.index, Settings: settings, Err: err}
		}
		return err
	}
	b.metrics.settingsUpdates.Add(context.Background(), 1,
		metric.WithAttributeSet(b.config.MetricAttributes),
	)
	return nil
}

// Add adds op to the current bulk request. When the estimated request size
// reaches the flush threshold, the request is flushed before Add returns.
//
// Operations that cannot be encoded are rejected without being counted.
func (b *BulkIndexer) Add(ctx context.Context, op Operation) error {
	if err := b.checkState("add", StateStarted); err != nil {
		return err
	}
	if err := b.active.add(op); err != nil {
		return err
	}
	b.active.addLink(linkFromContext(ctx))
	b.counter.Add(1)
	b.addCount(1, &b.docsAdded, b.metrics.docsAdded)

	if b.active.Size() < b.flushBytes {
		return nil
	}
	buf := b.active
	b.active = b.newBuffer()
	return b.flush(ctx, buf)
}

// Stop flushes any buffered operations and finalizes the load: the index is
// refreshed if enabled, and after a large load it is force merged to a single
// segment before its settings are restored.
//
// Every step is attempted even if a previous one failed, and the index
// settings are always restored once they were changed by Start. The errors
// of all steps are joined. With FailurePolicyCollect, a DocumentFailuresError
// is included if any document failed permanently during the load.
func (b *BulkIndexer) Stop(ctx context.Context) (err error) {
	if err := b.checkState("stop", StateStarted); err != nil {
		return err
	}
	b.state.Store(int32(StateStopped))

	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "docloader.stop", trace.WithAttributes(
			attribute.String("index", b.index),
			attribute.Bool("large_load", b.largeLoad),
		))
		defer func() { endSpan(span, err) }()
	}
	defer func() {
		if b.snapshot == nil {
			return
		}
		if restoreErr := b.restoreSettings(context.WithoutCancel(ctx)); restoreErr != nil {
			err = errors.Join(err, restoreErr)
		}
	}()
	stopTracker := sync.OnceFunc(b.tracker.Stop)
	defer stopTracker()

	var errs []error
	// Document retries may refill the buffer.
	for b.active.Items() > 0 {
		buf := b.active
		b.active = b.newBuffer()
		if err := b.flush(ctx, buf); err != nil {
			errs = append(errs, err)
		}
	}
	stopTracker()
	b.counter.Store(0)

	if b.refreshOnStop {
		if err := b.admin.Refresh(ctx, b.index); err != nil {
			b.config.Logger.Error("failed to refresh index", zap.String("index", b.index), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if b.snapshot != nil {
		if err := b.admin.ForceMerge(ctx, b.index, 1, true); err != nil {
			b.config.Logger.Error("failed to force merge index", zap.String("index", b.index), zap.Error(err))
			errs = append(errs, err)
		}
	}
	b.active = nil

	if b.config.FailurePolicy == FailurePolicyCollect && b.documentFailures > 0 {
		errs = append(errs, &DocumentFailuresError{
			Failed:    b.documentFailures,
			Documents: slices.Clone(b.failures),
		})
	}
	stats := b.Stats()
	b.config.Logger.Info("bulk load stopped",
		zap.String("index", b.index),
		zap.Int64("docs_added", stats.Added),
		zap.Int64("docs_indexed", stats.Indexed),
		zap.Int64("docs_failed", stats.Failed),
		zap.Int64("bulk_requests", stats.BulkRequests),
	)
	return errors.Join(errs...)
}

func (b *BulkIndexer) restoreSettings(ctx context.Context) error {
	snapshot := b.snapshot
	b.snapshot = nil
	if err := b.updateSettings(ctx, snapshot); err != nil {
		b.config.Logger.Error("failed to restore index settings",
			zap.String("index", b.index),
			zap.Any("settings", snapshot),
			zap.Error(err),
		)
		return err
	}
	b.config.Logger.Info("restored index settings",
		zap.String("index", b.index),
		zap.Any("settings", snapshot),
	)
	return nil
}

func (b *BulkIndexer) flush(ctx context.Context, buf *batchBuffer) (err error) {
	n := buf.Items()
	if n == 0 {
		return nil
	}
	defer b.addCount(1, &b.bulkRequests, b.metrics.bulkRequests)

	logger := b.config.Logger
	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "docloader.flush",
			trace.WithAttributes(attribute.Int("documents", n)),
			trace.WithLinks(otelLinks(buf.links)...),
		)
		defer func() { endSpan(span, err) }()

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}
	var tx *apm.Transaction
	if b.config.Tracer != nil && b.config.Tracer.Recording() {
		tx = b.config.Tracer.StartTransactionOptions("docloader.flush", "output",
			apm.TransactionOptions{Links: apmLinks(buf.links)},
		)
		tx.Context.SetLabel("documents", n)
		tx.Outcome = "success"
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}

	var resp bulkResponse
	took := timeFunc(func() {
		resp, err = buf.flush(ctx, b.client, bulkRequestParams{
			index:    b.index,
			pipeline: b.config.Pipeline,
		})
	})
	b.metrics.flushDuration.Record(context.Background(), took.Seconds(),
		metric.WithAttributeSet(b.config.MetricAttributes),
	)
	if resp.BytesFlushed > 0 {
		b.addCount(int64(resp.BytesFlushed), &b.bytesTotal, b.metrics.bytesTotal)
		b.addCount(int64(buf.Size()), &b.bytesUncompressedTotal, b.metrics.bytesUncompressed)
	}
	if err != nil {
		logger.Error("bulk indexing request failed", zap.Int("documents", n), zap.Error(err))
		if tx != nil {
			tx.Outcome = "failure"
			apm.CaptureError(ctx, err).Send()
		}
		var werr *BulkWriteError
		if errors.As(err, &werr) && werr.StatusCode != 0 {
			b.addCount(int64(n), &b.docsFailed, b.metrics.docsProcessed,
				metric.WithAttributes(
					attribute.String("status", statusOutcome(werr.StatusCode)),
					semconv.HTTPResponseStatusCode(werr.StatusCode),
				),
			)
		} else {
			b.addCount(int64(n), &b.docsFailed, b.metrics.docsProcessed,
				metric.WithAttributes(attribute.String("status", "Failed")),
			)
		}
		return err
	}

	var failed []FailedDocument
	var retried int64
	for _, doc := range resp.FailedDocs {
		if b.retryable(buf, doc) {
			if err := b.active.addEncoded(buf.encoded(doc.Position), buf.attempts[doc.Position]+1); err != nil {
				return fmt.Errorf("failed to requeue document: %w", err)
			}
			retried++
			continue
		}
		failed = append(failed, doc)
	}
	if retried > 0 {
		b.addCount(retried, &b.docsRetried, b.metrics.docsRetried)
	}
	if resp.Indexed > 0 {
		b.addCount(resp.Indexed, &b.docsIndexed, b.metrics.docsProcessed,
			metric.WithAttributes(attribute.String("status", "Success")),
		)
	}

	type failureKey struct {
		index, errorType, reason string
	}
	var failedCount map[failureKey]int
	if len(failed) > 0 {
		failedCount = make(map[failureKey]int)
	}
	for _, doc := range failed {
		b.addCount(1, &b.docsFailed, b.metrics.docsProcessed,
			metric.WithAttributes(attribute.String("status", statusOutcome(doc.Status))),
		)
		failedCount[failureKey{doc.Index, doc.Error.Type, doc.Error.Reason}]++
	}
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			key.index, key.errorType, key.reason,
		), zap.Int("documents", count))
	}
	logger.Debug("bulk request completed",
		zap.Int64("docs_indexed", resp.Indexed),
		zap.Int("docs_failed", len(failed)),
		zap.Int64("docs_retried", retried),
	)
	if len(failed) == 0 {
		return nil
	}

	switch b.config.FailurePolicy {
	case FailurePolicyFailFast:
		err := &BulkWriteError{
			Items:      n,
			StatusCode: http.StatusOK,
			FailedDocs: failed,
			Err:        fmt.Errorf("first failure in '%s' (%s): %s", failed[0].Index, failed[0].Error.Type, failed[0].Error.Reason),
		}
		if tx != nil {
			tx.Outcome = "failure"
			apm.CaptureError(ctx, err).Send()
		}
		return err
	case FailurePolicyCollect:
		b.documentFailures += int64(len(failed))
		if room := b.config.MaxFailedDocuments - len(b.failures); room > 0 {
			b.failures = append(b.failures, failed[:min(room, len(failed))]...)
		}
	}
	return nil
}

// retryable reports whether doc should be requeued into the active buffer.
func (b *BulkIndexer) retryable(buf *batchBuffer, doc FailedDocument) bool {
	if b.config.MaxDocumentRetries == 0 || doc.Position >= buf.Items() {
		return false
	}
	if buf.attempts[doc.Position] >= b.config.MaxDocumentRetries {
		return false
	}
	return slices.Contains(b.config.RetryOnDocumentStatus, doc.Status)
}

func (b *BulkIndexer) newBuffer() *batchBuffer {
	return newBatchBuffer(b.config.CompressionLevel, b.config.MaxDocumentRetries > 0)
}

func (b *BulkIndexer) checkState(op string, want State) error {
	if s := b.State(); s != want {
		return &InvalidStateError{Op: op, State: s}
	}
	return nil
}

func (b *BulkIndexer) addCount(delta int64, lm *atomic.Int64, m metric.Int64Counter, opts ...metric.AddOption) {
	if lm != nil {
		lm.Add(delta)
	}
	attrs := metric.WithAttributeSet(b.config.MetricAttributes)
	m.Add(context.Background(), delta, append(opts, attrs)...)
}

// statusOutcome maps an HTTP status to the status dimension of the
// elasticsearch.events.processed metric.
func statusOutcome(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "TooMany"
	case status >= 500:
		return "FailedServer"
	case status >= 400:
		return "FailedClient"
	}
	return "Failed"
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
