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

	gocb "gopkg.in/couchbase/gocb.v1"

	"github.com/couchbase/reindex-upgrader/secondary/common"
	"github.com/couchbase/reindex-upgrader/secondary/logging"
	"github.com/couchbase/reindex-upgrader/secondary/reindex"
)

// Adapter implements reindex.Store against a single Couchbase bucket.
// context.Context is accepted on every method for the caller's
// cancellation/deadline discipline even though gocb.v1's own bucket
// API is not itself context-aware; the ctx is threaded one layer above
// the SDK calls it doesn't control.
type Adapter struct {
	bucket *gocb.Bucket
}

// NewAdapter wires a Store Adapter over an already-opened bucket
// handle.
func NewAdapter(bucket *gocb.Bucket) *Adapter {
	return &Adapter{bucket: bucket}
}

func (a *Adapter) Create(ctx context.Context, op *reindex.Operation) (*reindex.Operation, error) {
	doc := toOperationDoc(op)
	cas, err := a.bucket.Insert(operationKey(op.IndexName), doc, 0)
	if err != nil {
		if err == gocb.ErrKeyExists {
			return nil, common.NewConflictError("a reindex operation record already exists for %q", op.IndexName)
		}
		return nil, err
	}
	return fromOperationDoc(doc, uint64(cas)), nil
}

func (a *Adapter) Update(ctx context.Context, op *reindex.Operation, patch func(*reindex.Operation)) (*reindex.Operation, error) {
	next := *op
	patch(&next)
	doc := toOperationDoc(&next)

	cas, err := a.bucket.Replace(operationKey(op.IndexName), doc, gocb.Cas(op.Version), 0)
	if err != nil {
		if err == gocb.ErrKeyExists || err == gocb.ErrKeyNotFound {
			return nil, common.NewConflictError("cas mismatch updating reindex operation %q: %v", op.IndexName, err)
		}
		return nil, err
	}
	return fromOperationDoc(doc, uint64(cas)), nil
}

func (a *Adapter) Delete(ctx context.Context, op *reindex.Operation) error {
	_, err := a.bucket.Remove(operationKey(op.IndexName), gocb.Cas(op.Version))
	if err != nil && err != gocb.ErrKeyNotFound {
		return err
	}
	return nil
}

func (a *Adapter) FindByIndexName(ctx context.Context, indexName string) ([]*reindex.Operation, error) {
	var doc operationDoc
	cas, err := a.bucket.Get(operationKey(indexName), &doc)
	if err == gocb.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []*reindex.Operation{fromOperationDoc(doc, uint64(cas))}, nil
}

func (a *Adapter) FindAllByStatus(ctx context.Context, status reindex.Status) ([]*reindex.Operation, error) {
	return a.queryByStatus(ctx, status)
}

func (a *Adapter) MLCounter() reindex.MLCounterStore {
	return mlCounterStore{bucket: a.bucket}
}

type mlCounterStore struct {
	bucket *gocb.Bucket
}

func (m mlCounterStore) Get(ctx context.Context) (*reindex.MLCounter, error) {
	var doc mlCounterDoc
	cas, err := m.bucket.Get(mlCounterKey, &doc)
	if err == gocb.ErrKeyNotFound {
		cas, err = m.bucket.Insert(mlCounterKey, mlCounterDoc{}, 0)
		if err != nil && err != gocb.ErrKeyExists {
			return nil, err
		}
		if err == gocb.ErrKeyExists {
			// lost the race to create the seed document; re-read it.
			cas, err = m.bucket.Get(mlCounterKey, &doc)
			if err != nil {
				return nil, err
			}
		}
	} else if err != nil {
		return nil, err
	}
	return fromCounterDoc(doc, uint64(cas)), nil
}

func (m mlCounterStore) Update(ctx context.Context, c *reindex.MLCounter, patch func(*reindex.MLCounter)) (*reindex.MLCounter, error) {
	next := *c
	patch(&next)
	doc := toCounterDoc(&next)

	cas, err := m.bucket.Replace(mlCounterKey, doc, gocb.Cas(c.Version), 0)
	if err != nil {
		if err == gocb.ErrKeyExists || err == gocb.ErrKeyNotFound {
			return nil, common.NewConflictError("cas mismatch updating ML upgrade-mode counter: %v", err)
		}
		return nil, err
	}
	logging.Debugf("mlCounterStore::Update count=%d owner=%q", next.MLReindexCount, next.LockOwner)
	return fromCounterDoc(doc, uint64(cas)), nil
}
