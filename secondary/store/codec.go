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

// Package store implements the Store Adapter as a thin CAS-guarded
// layer over a Couchbase bucket: mutate a copy of the caller's record
// and write it back with Bucket.Get/Insert/Replace/Remove, reporting a
// CAS conflict as a common.ConflictError rather than retrying it.
package store

import (
	"time"

	"github.com/couchbase/reindex-upgrader/secondary/reindex"
)

// operationDoc is the on-the-wire shape of a reindex.Operation. Version
// is carried out-of-band by the bucket's CAS token, never serialized.
type operationDoc struct {
	IndexName               string     `json:"indexName"`
	NewIndexName            string     `json:"newIndexName"`
	Status                  string     `json:"status"`
	LastCompletedStep       int        `json:"lastCompletedStep"`
	Locked                  *time.Time `json:"locked,omitempty"`
	LockOwner               string     `json:"lockOwner,omitempty"`
	ReindexTaskID           string     `json:"reindexTaskId,omitempty"`
	ReindexTaskPercComplete float64    `json:"reindexTaskPercComplete"`
	ErrorMessage            string     `json:"errorMessage,omitempty"`
}

func toOperationDoc(op *reindex.Operation) operationDoc {
	return operationDoc{
		IndexName:               op.IndexName,
		NewIndexName:            op.NewIndexName,
		Status:                  string(op.Status),
		LastCompletedStep:       int(op.LastCompletedStep),
		Locked:                  op.Locked,
		LockOwner:               op.LockOwner,
		ReindexTaskID:           op.ReindexTaskID,
		ReindexTaskPercComplete: op.ReindexTaskPercComplete,
		ErrorMessage:            op.ErrorMessage,
	}
}

func fromOperationDoc(doc operationDoc, version uint64) *reindex.Operation {
	return &reindex.Operation{
		IndexName:               doc.IndexName,
		NewIndexName:            doc.NewIndexName,
		Status:                  reindex.Status(doc.Status),
		LastCompletedStep:       reindex.Step(doc.LastCompletedStep),
		Locked:                  doc.Locked,
		LockOwner:               doc.LockOwner,
		ReindexTaskID:           doc.ReindexTaskID,
		ReindexTaskPercComplete: doc.ReindexTaskPercComplete,
		ErrorMessage:            doc.ErrorMessage,
		Version:                 version,
	}
}

// mlCounterDoc is the on-the-wire shape of the single well-known
// reindex.MLCounter record.
type mlCounterDoc struct {
	MLReindexCount int        `json:"mlReindexCount"`
	Locked         *time.Time `json:"locked,omitempty"`
	LockOwner      string     `json:"lockOwner,omitempty"`
}

func toCounterDoc(c *reindex.MLCounter) mlCounterDoc {
	return mlCounterDoc{
		MLReindexCount: c.MLReindexCount,
		Locked:         c.Locked,
		LockOwner:      c.LockOwner,
	}
}

func fromCounterDoc(doc mlCounterDoc, version uint64) *reindex.MLCounter {
	return &reindex.MLCounter{
		MLReindexCount: doc.MLReindexCount,
		Locked:         doc.Locked,
		LockOwner:      doc.LockOwner,
		Version:        version,
	}
}

// operationKey is the document ID an operation record is stored under.
// Keying directly by index name means a new operation record always
// replaces (after CreateReindexOperation's explicit Delete) whatever
// stale record preceded it -- there is never more than one document
// per source index.
func operationKey(indexName string) string {
	return "reindex_op::" + indexName
}

// mlCounterKey is the single well-known key for the shared ML
// upgrade-mode counter.
const mlCounterKey = "reindex_ml_upgrade_mode_counter"
