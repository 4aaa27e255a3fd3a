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
	"io"

	"go.elastic.co/fastjson"
)

// Action is a bulk API action.
type Action string

const (
	ActionIndex  Action = "index"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Operation is a single write operation sent through the bulk API.
//
// The body is never interpreted; it is copied verbatim as the source line
// following the action metadata, and must therefore be a single line of JSON.
type Operation struct {
	// Action holds the bulk action. If empty, ActionIndex is used.
	Action Action

	// Index holds the target index. If empty, the BulkIndexer's index is used.
	Index string

	// DocumentID holds the optional document _id.
	DocumentID string

	// Routing holds the optional routing value.
	Routing string

	// Body holds the document source for ActionIndex and ActionCreate. For
	// ActionUpdate it holds the update request body, e.g. {"doc":{...}} or
	// {"script":{...}}, not a bare partial document. It is required for
	// every action except ActionDelete, and is ignored for ActionDelete.
	Body io.WriterTo
}

func (op Operation) action() (Action, error) {
	switch op.Action {
	case "":
		return ActionIndex, nil
	case ActionIndex, ActionCreate, ActionUpdate, ActionDelete:
		return op.Action, nil
	}
	return "", fmt.Errorf("%w %q", errUnknownAction, op.Action)
}

// writeMeta encodes the action line of op, without the trailing newline.
func writeMeta(w *fastjson.Writer, action Action, op Operation) {
	w.RawString(`{"`)
	w.RawString(string(action))
	w.RawString(`":{`)
	first := true
	field := func(name, value string) {
		if value == "" {
			return
		}
		if !first {
			w.RawByte(',')
		}
		first = false
		w.RawString(name)
		w.String(value)
	}
	field(`"_index":`, op.Index)
	field(`"_id":`, op.DocumentID)
	field(`"routing":`, op.Routing)
	w.RawString("}}")
}
