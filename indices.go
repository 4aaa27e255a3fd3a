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
	"errors"
	"fmt"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
)

const (
	// SettingNumberOfReplicas is the index setting holding the replica count.
	SettingNumberOfReplicas = "index.number_of_replicas"

	// SettingRefreshInterval is the index setting holding the periodic
	// refresh interval.
	SettingRefreshInterval = "index.refresh_interval"

	// RefreshIntervalDisabled is the refresh interval value which disables
	// periodic refreshes.
	RefreshIntervalDisabled = "-1"
)

var (
	errSettingNotFound = errors.New("setting not found")
	errNotAcknowledged = errors.New("request was not acknowledged")
)

// Setting is the current value of an index setting.
type Setting struct {
	Value string

	// Default reports whether the setting was never set explicitly, in
	// which case Value holds the Elasticsearch default.
	Default bool
}

// IndexAdmin reads and mutates administrative state of an index.
//
// Indices is the Elasticsearch implementation.
type IndexAdmin interface {
	// GetSettings returns the current value of the named settings,
	// including defaults for settings which were never set explicitly.
	GetSettings(ctx context.Context, index string, names ...string) (map[string]Setting, error)

	// UpdateSettings applies all settings in a single request.
	UpdateSettings(ctx context.Context, index string, settings map[string]any) error

	// Refresh makes all previously indexed documents visible to search.
	Refresh(ctx context.Context, index string) error

	// ForceMerge merges the index segments down to maxSegments.
	ForceMerge(ctx context.Context, index string, maxSegments int, waitForCompletion bool) error
}

// Indices implements IndexAdmin with the Elasticsearch index APIs.
type Indices struct {
	client esapi.Transport
}

var _ IndexAdmin = (*Indices)(nil)

// NewIndices returns an Indices using client for requests.
func NewIndices(client elastictransport.Interface) *Indices {
	return &Indices{client: client}
}

// GetSetting returns the current value of a single index setting.
func (s *Indices) GetSetting(ctx context.Context, index, name string) (string, error) {
	settings, err := s.GetSettings(ctx, index, name)
	if err != nil {
		return "", err
	}
	return settings[name].Value, nil
}

// GetSettings returns the value of the named settings of index. It returns
// a SettingsUnavailableError if the index does not exist, or any of the
// settings is absent.
func (s *Indices) GetSettings(ctx context.Context, index string, names ...string) (map[string]Setting, error) {
	flat, withDefaults := true, true
	res, err := esapi.IndicesGetSettingsRequest{
		Index:           []string{index},
		Name:            names,
		FlatSettings:    &flat,
		IncludeDefaults: &withDefaults,
	}.Do(ctx, s.client)
	if err != nil {
		return nil, &SettingsUnavailableError{
			Index: index,
			Err:   fmt.Errorf("failed to execute the request: %w", err),
		}
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, &SettingsUnavailableError{
			Index: index,
			Err:   fmt.Errorf("get settings failed: %s", res.String()),
		}
	}

	var body map[string]struct {
		Settings map[string]any `json:"settings"`
		Defaults map[string]any `json:"defaults"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, &SettingsUnavailableError{
			Index: index,
			Err:   fmt.Errorf("error decoding settings response: %w", err),
		}
	}
	// The response is keyed by concrete index name, which differs from the
	// requested name when index is an alias.
	entry, ok := body[index]
	if !ok {
		if len(body) != 1 {
			return nil, &SettingsUnavailableError{
				Index: index,
				Err:   fmt.Errorf("expected settings of one index, got %d", len(body)),
			}
		}
		for _, v := range body {
			entry = v
		}
	}

	out := make(map[string]Setting, len(names))
	for _, name := range names {
		var setting Setting
		v, ok := entry.Settings[name]
		if !ok {
			v, ok = entry.Defaults[name]
			setting.Default = true
		}
		if !ok {
			return nil, &SettingsUnavailableError{Index: index, Name: name, Err: errSettingNotFound}
		}
		switch v := v.(type) {
		case string:
			setting.Value = v
		default:
			setting.Value = fmt.Sprint(v)
		}
		out[name] = setting
	}
	return out, nil
}

// UpdateSettings applies settings to index in a single request. It returns
// a SettingsUpdateError if the update is rejected.
func (s *Indices) UpdateSettings(ctx context.Context, index string, settings map[string]any) error {
	updateErr := func(err error) error {
		return &SettingsUpdateError{Index: index, Settings: settings, Err: err}
	}
	// Map keys are sorted, keeping request bodies stable.
	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(settings)
	if err != nil {
		return updateErr(fmt.Errorf("failed to encode settings: %w", err))
	}
	res, err := esapi.IndicesPutSettingsRequest{
		Index: []string{index},
		Body:  bytes.NewReader(body),
	}.Do(ctx, s.client)
	if err != nil {
		return updateErr(fmt.Errorf("failed to execute the request: %w", err))
	}
	defer res.Body.Close()
	if res.IsError() {
		return updateErr(fmt.Errorf("update settings failed: %s", res.String()))
	}
	var ack struct {
		Acknowledged bool `json:"acknowledged"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&ack); err != nil {
		return updateErr(fmt.Errorf("error decoding settings response: %w", err))
	}
	if !ack.Acknowledged {
		return updateErr(errNotAcknowledged)
	}
	return nil
}

// Refresh refreshes index, waiting for the refresh to complete.
func (s *Indices) Refresh(ctx context.Context, index string) error {
	res, err := esapi.IndicesRefreshRequest{Index: []string{index}}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to refresh index %q: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("refresh of index %q failed: %s", index, res.String())
	}
	return nil
}

// ForceMerge merges the segments of index down to maxSegments. When
// waitForCompletion is true the call blocks until the merge has finished.
// A maxSegments of zero or less lets Elasticsearch decide.
func (s *Indices) ForceMerge(ctx context.Context, index string, maxSegments int, waitForCompletion bool) error {
	req := esapi.IndicesForcemergeRequest{
		Index:             []string{index},
		WaitForCompletion: &waitForCompletion,
	}
	if maxSegments > 0 {
		req.MaxNumSegments = &maxSegments
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to force merge index %q: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("force merge of index %q failed: %s", index, res.String())
	}
	return nil
}
