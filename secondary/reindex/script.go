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

import "github.com/couchbase/reindex-upgrader/secondary/cluster"

// booleanCoercionScriptSource is the stable text blob sent verbatim to
// the cluster, parameterised only by booleanFieldPaths. It is data, not
// code -- this package must never interpret or rewrite it, it is an
// opaque payload for the target cluster's scripting engine.
const booleanCoercionScriptSource = `
def truthy = ['yes', '1', 1, 'on', true];
def falsy = ['no', '0', 0, 'off', false];
for (path in params.booleanFieldPaths) {
  def segments = path.splitOnToken('.');
  def node = ctx._source;
  for (int i = 0; i < segments.length - 1; i++) {
    if (node == null) { break; }
    node = node[segments[i]];
  }
  if (node == null) { continue; }
  def leaf = segments[segments.length - 1];
  def value = node[leaf];
  if (value == null) { continue; }
  if (truthy.contains(value)) {
    node[leaf] = true;
  } else if (falsy.contains(value)) {
    node[leaf] = false;
  }
}
`

// booleanCoercionScript builds the script attachment for a reindex
// request body given the boolean-field paths discovered in the source
// mapping.
func booleanCoercionScript(booleanFieldPaths []string) *cluster.Script {
	if len(booleanFieldPaths) == 0 {
		return nil
	}
	return &cluster.Script{
		Lang:   "painless",
		Source: booleanCoercionScriptSource,
		Params: map[string]interface{}{
			"booleanFieldPaths": booleanFieldPaths,
		},
	}
}
