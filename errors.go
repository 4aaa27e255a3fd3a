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
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidState is matched by errors.Is for every InvalidStateError.
	ErrInvalidState = errors.New("invalid bulk indexer state")

	errMissingIndex  = errors.New("missing index name")
	errMissingBody   = errors.New("missing document body")
	errUnknownAction = errors.New("unknown bulk action")
)

// InvalidStateError is returned when a BulkIndexer method is called in a
// lifecycle state that does not allow it.
type InvalidStateError struct {
	// Op is the rejected operation, e.g. "add" or "set flush bytes".
	Op string
	// State is the state the indexer was in.
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s: bulk indexer is %s", e.Op, e.State)
}

// Is reports whether target is ErrInvalidState.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// SettingsUnavailableError is returned when index settings cannot be read,
// either because the index does not exist or the setting is absent.
type SettingsUnavailableError struct {
	Index string
	Name  string
	Err   error
}

func (e *SettingsUnavailableError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("settings of index %q unavailable: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("setting %q of index %q unavailable: %v", e.Name, e.Index, e.Err)
}

func (e *SettingsUnavailableError) Unwrap() error { return e.Err }

// SettingsUpdateError is returned when Elasticsearch rejects an index
// settings update.
type SettingsUpdateError struct {
	Index    string
	Settings map[string]any
	Err      error
}

func (e *SettingsUpdateError) Error() string {
	keys := make([]string, 0, len(e.Settings))
	for k := range e.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("failed to update settings [%s] of index %q: %v",
		strings.Join(keys, ","), e.Index, e.Err,
	)
}

func (e *SettingsUpdateError) Unwrap() error { return e.Err }

// BulkWriteError is returned when a bulk request fails as a whole, or, with
// FailurePolicyFailFast, when any of its documents failed permanently.
type BulkWriteError struct {
	// Items holds the number of operations in the failed bulk request.
	Items int
	// StatusCode holds the HTTP status code of the response, if any.
	StatusCode int
	// FailedDocs holds the documents that failed, when the request itself
	// succeeded.
	FailedDocs []FailedDocument
	Err        error
}

func (e *BulkWriteError) Error() string {
	if len(e.FailedDocs) > 0 {
		return fmt.Sprintf("bulk request of %d operations had %d failed documents: %v",
			e.Items, len(e.FailedDocs), e.Err,
		)
	}
	return fmt.Sprintf("bulk request of %d operations failed: %v", e.Items, e.Err)
}

func (e *BulkWriteError) Unwrap() error { return e.Err }

// DocumentFailuresError reports the documents that failed permanently
// during a load with FailurePolicyCollect.
type DocumentFailuresError struct {
	// Failed holds the total number of failed documents.
	Failed int64
	// Documents holds up to Config.MaxFailedDocuments of the failures,
	// in the order they were reported.
	Documents []FailedDocument
}

func (e *DocumentFailuresError) Error() string {
	if len(e.Documents) == 0 {
		return fmt.Sprintf("%d documents failed to index", e.Failed)
	}
	first := e.Documents[0]
	return fmt.Sprintf("%d documents failed to index, first in '%s' (%s): %s",
		e.Failed, first.Index, first.Error.Type, first.Error.Reason,
	)
}

// FailedDocument describes a single operation rejected by Elasticsearch.
type FailedDocument struct {
	Index      string
	DocumentID string
	Status     int
	// Position holds the operation's position within its bulk request.
	Position int
	Error    struct {
		Type   string
		Reason string
	}
}

// errorTooManyRequests is wrapped by BulkWriteError for 429 responses.
type errorTooManyRequests struct {
	msg string
}

func (e errorTooManyRequests) Error() string {
	return fmt.Sprintf("flush failed: %s", e.msg)
}
