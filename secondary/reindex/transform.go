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

package reindex

// nonTransferableSettingPrefixes are flat-settings key prefixes that must never be
// copied onto the destination index: they are either server-assigned
// (uuid, creation_date, version, provided_name), describe allocation
// placement that does not carry meaning on a brand-new index, or are
// the write-block this pipeline itself is responsible for clearing.
var nonTransferableSettingPrefixes = []string{
	"index.blocks.write",
	"index.routing.allocation.",
	"index.routing.rebalance.",
	"index.provided_name",
	"index.creation_date",
	"index.uuid",
	"index.version.",
	"index.resize.",
}

// transformSettings copies flat settings to a destination-index create
// body, dropping anything in nonTransferableSettingPrefixes and
// forcing zero replicas for the duration of the copy.
func transformSettings(flat map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(flat))
	for k, v := range flat {
		if isNonTransferable(k) {
			continue
		}
		out[k] = v
	}
	out["index.number_of_replicas"] = "0"
	return out
}

func isNonTransferable(key string) bool {
	for _, prefix := range nonTransferableSettingPrefixes {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// transformMappings migrates a possibly per-type mapping document
// (one or more top-level type names each holding its own "properties")
// into the single typeless "properties" document modern clusters
// require, dropping the retired "_all" meta-field along the way.
func transformMappings(mappings map[string]interface{}) map[string]interface{} {
	if _, alreadyTypeless := mappings["properties"]; alreadyTypeless {
		return stripMeta(mappings)
	}

	merged := make(map[string]interface{})
	for _, raw := range mappings {
		typeMapping, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		props, ok := typeMapping["properties"].(map[string]interface{})
		if !ok {
			continue
		}
		for field, def := range props {
			merged[field] = def
		}
	}

	return map[string]interface{}{"properties": merged}
}

func stripMeta(mappings map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(mappings))
	for k, v := range mappings {
		if k == "_all" {
			continue
		}
		out[k] = v
	}
	return out
}
