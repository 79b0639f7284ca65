// @copyright 2014-Present Couchbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cluster implements the typed REST client consumed by the
// reindex service.
package cluster

// AckResponse is the shape returned by settings.put, index.create, and
// aliases.update.
type AckResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// Script is the server-side boolean-coercion script attached to a
// reindex request body. It is treated as an opaque, parameterised
// blob -- callers never interpret its contents.
type Script struct {
	Lang   string                 `json:"lang"`
	Source string                 `json:"source"`
	Params map[string]interface{} `json:"params"`
}

// ReindexRequest is the body of POST /_reindex.
type ReindexRequest struct {
	Source ReindexEndpoint `json:"source"`
	Dest   ReindexEndpoint `json:"dest"`
	Script *Script         `json:"script,omitempty"`
}

type ReindexEndpoint struct {
	Index string `json:"index"`
}

// ReindexResponse is returned immediately when wait_for_completion=false.
type ReindexResponse struct {
	Task string `json:"task"`
}

// TaskStatus is the shape of GET _tasks/{id}.
type TaskStatus struct {
	Completed bool `json:"completed"`
	Task      struct {
		Status struct {
			Created int64 `json:"created"`
			Total   int64 `json:"total"`
		} `json:"status"`
	} `json:"task"`
	Response struct {
		Failures []TaskFailure `json:"failures"`
	} `json:"response"`
}

type TaskFailure struct {
	Cause string `json:"cause"`
}

// DeleteTaskResponse is returned by DELETE .tasks/task/{id}.
type DeleteTaskResponse struct {
	Result string `json:"result"`
}

// AliasEntry is one alias's filter/routing definition, as returned by
// GET {index}/_alias and consumed when re-attaching aliases to the
// destination index.
type AliasEntry struct {
	Filter        map[string]interface{} `json:"filter,omitempty"`
	IndexRouting  string                  `json:"index_routing,omitempty"`
	SearchRouting string                  `json:"search_routing,omitempty"`
	IsWriteIndex  bool                    `json:"is_write_index,omitempty"`
}

// AliasesGetResponse is keyed by index name.
type AliasesGetResponse map[string]struct {
	Aliases map[string]AliasEntry `json:"aliases"`
}

// AliasAction is one entry of the atomic aliases._update request body.
type AliasAction struct {
	Add    *AliasActionBody `json:"add,omitempty"`
	Remove *AliasActionBody `json:"remove,omitempty"`
	RemoveIndex *AliasActionBody `json:"remove_index,omitempty"`
}

type AliasActionBody struct {
	Index         string                 `json:"index"`
	Alias         string                 `json:"alias"`
	Filter        map[string]interface{} `json:"filter,omitempty"`
	IndexRouting  string                 `json:"index_routing,omitempty"`
	SearchRouting string                 `json:"search_routing,omitempty"`
	IsWriteIndex  bool                   `json:"is_write_index,omitempty"`
}

type AliasesUpdateRequest struct {
	Actions []AliasAction `json:"actions"`
}

// NodeInfo is the subset of nodes.info() this orchestrator needs:
// enough to compare against the configured minimum major.minor
// version.
type NodeInfo struct {
	Version string `json:"version"`
}

type NodesInfoResponse struct {
	Nodes map[string]NodeInfo `json:"nodes"`
}

// FlatSettingsResponse is keyed by index name, mirroring
// GET {index}/_settings?flat_settings=true.
type FlatSettingsResponse map[string]struct {
	Settings map[string]interface{} `json:"settings"`
}

// MappingsResponse is keyed by index name.
type MappingsResponse map[string]struct {
	Mappings map[string]interface{} `json:"mappings"`
}
