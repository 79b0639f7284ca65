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

package store

import (
	"context"
	"fmt"

	gocb "gopkg.in/couchbase/gocb.v1"

	"github.com/couchbase/reindex-upgrader/secondary/reindex"
)

// queryByStatus scans for every operation document in a given status
// via N1QL, used by the worker's poll loop to load every inProgress
// record each tick. Requires a primary (or a status-keyed secondary)
// index on the bucket; provisioning that index is an operational
// concern left to the deployment rather than created from within this
// process.
func (a *Adapter) queryByStatus(ctx context.Context, status reindex.Status) ([]*reindex.Operation, error) {
	n1ql := gocb.NewN1qlQuery(
		fmt.Sprintf("SELECT META(b).id AS id FROM %s AS b WHERE b.status = $1 AND META(b).id LIKE 'reindex_op::%%'", a.bucket.Name()),
	)
	rows, err := a.bucket.ExecuteN1qlQuery(n1ql, []interface{}{string(status)})
	if err != nil {
		return nil, err
	}

	var ids []string
	var row struct {
		ID string `json:"id"`
	}
	for rows.Next(&row) {
		ids = append(ids, row.ID)
	}
	if closeErr := rows.Close(); closeErr != nil {
		return nil, closeErr
	}

	var out []*reindex.Operation
	for _, id := range ids {
		var doc operationDoc
		cas, getErr := a.bucket.Get(id, &doc)
		if getErr == gocb.ErrKeyNotFound {
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		out = append(out, fromOperationDoc(doc, uint64(cas)))
	}
	return out, nil
}
