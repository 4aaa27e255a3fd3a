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

// Package docloader provides an API for loading large volumes of documents
// into an Elasticsearch index with size-bounded _bulk requests.
//
// Unlike the go-elasticsearch/esutil.BulkIndexer API, flushing is synchronous:
// Add blocks while a full request is sent, bounding memory use by the flush
// threshold. For large loads the index can be put into a bulk-friendly state
// for the duration of the load (no replicas, no periodic refresh), which Stop
// always reverts after force merging the index.
package docloader
