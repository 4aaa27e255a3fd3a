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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProgressTracker periodically logs the value of a counter while a load is
// in progress.
//
// The tracker only reads the counter. It may be incremented concurrently
// by a single writer.
type ProgressTracker struct {
	logger  *zap.Logger
	counter *atomic.Int64
	unit    string

	mu       sync.Mutex
	cancel   context.CancelFunc
	group    errgroup.Group
	running  bool
	previous int64
	lastTime time.Time
}

// NewProgressTracker returns a tracker reporting counter to logger.
// unit is the plural name of the counted items, e.g. "requests".
func NewProgressTracker(logger *zap.Logger, counter *atomic.Int64, unit string) *ProgressTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressTracker{logger: logger, counter: counter, unit: unit}
}

// Start reports progress every period until Stop is called. Calling Start
// on a running tracker has no effect.
//
// If period is zero or negative, DefaultProgressInterval will be used.
func (t *ProgressTracker) Start(period time.Duration) {
	if period <= 0 {
		period = DefaultProgressInterval
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.previous = t.counter.Load()
	t.lastTime = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	ticker := time.NewTicker(period)
	t.group.Go(func() error {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				t.Report()
			}
		}
	})
}

// Stop cancels future reports, waits for an in-flight report to complete,
// and then reports a final time. Stop is a no-op if the tracker is not
// running.
func (t *ProgressTracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.cancel()
	t.mu.Unlock()

	t.group.Wait()
	t.Report()
}

// Report logs the current counter value, along with the rate since the
// previous report.
func (t *ProgressTracker) Report() {
	current := t.counter.Load()
	now := time.Now()

	t.mu.Lock()
	var rate int64
	if elapsed := now.Sub(t.lastTime); elapsed > 0 && !t.lastTime.IsZero() {
		rate = int64(float64(current-t.previous) / elapsed.Seconds())
	}
	t.previous = current
	t.lastTime = now
	t.mu.Unlock()

	t.logger.Info(
		fmt.Sprintf("%d %s processed (%d items/sec)", current, t.unit, rate),
		zap.Int64("count", current),
		zap.Int64("rate", rate),
	)
}
