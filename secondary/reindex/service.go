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

import (
	"context"
	"fmt"
	"time"

	"github.com/couchbase/reindex-upgrader/secondary/cluster"
	"github.com/couchbase/reindex-upgrader/secondary/common"
	"github.com/couchbase/reindex-upgrader/secondary/logging"
	"github.com/couchbase/reindex-upgrader/secondary/warnings"
)

// maxNewIndexNameAttempts bounds the search for a free
// "{indexName}-reindex-{n}" destination name.
const maxNewIndexNameAttempts = 100

// Service is the Reindex Service: the stateless coordinator wired once
// per process and shared by the adminport handlers and the worker's
// drive loop. It holds no operation state of its own -- every call
// re-reads and re-persists through Store.
type Service struct {
	store          Store
	cluster        Cluster
	ownerID        string
	minNodeVersion string
}

// NewService wires a Service against its Store Adapter and Cluster
// client. ownerID identifies this process as a lock holder in the
// Operation.LockOwner / MLCounter.LockOwner fields.
func NewService(store Store, clusterClient Cluster, ownerID, minNodeVersion string) *Service {
	return &Service{
		store:          store,
		cluster:        clusterClient,
		ownerID:        ownerID,
		minNodeVersion: minNodeVersion,
	}
}

// DetectReindexWarnings implements the Warning Detector's read path
// for a named index: fetch flat settings and mappings, then run the
// pure predicates. A non-existent index yields (nil, nil).
func (s *Service) DetectReindexWarnings(ctx context.Context, indexName string) ([]warnings.Warning, error) {
	exists, err := s.cluster.IndexExists(ctx, indexName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	flatResp, err := s.cluster.GetFlatSettings(ctx, indexName)
	if err != nil {
		return nil, err
	}
	mappingsResp, err := s.cluster.GetMappings(ctx, indexName)
	if err != nil {
		return nil, err
	}

	return warnings.Detect(
		warnings.FlatSettings(flatResp[indexName].Settings),
		warnings.Mappings(mappingsResp[indexName].Mappings),
	)
}

// CreateReindexOperation validates the source index exists and has no
// live operation, recycles a prior failed attempt's record if one
// exists, generates the destination index name, and persists a fresh
// record at StepCreated.
func (s *Service) CreateReindexOperation(ctx context.Context, indexName string) (*Operation, error) {
	exists, err := s.cluster.IndexExists(ctx, indexName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, common.NewPreconditionError("index %q does not exist", indexName)
	}

	existing, err := s.store.FindByIndexName(ctx, indexName)
	if err != nil {
		return nil, err
	}

	recyclable := []string{string(StatusFailed), string(StatusCancelled)}
	var stale *Operation
	for _, op := range existing {
		if common.HasString(string(op.Status), recyclable) {
			stale = op
			continue
		}
		return nil, common.NewConflictError("a reindex operation already exists for %q (status=%s)", indexName, op.Status)
	}

	if stale != nil {
		if err := s.store.Delete(ctx, stale); err != nil {
			return nil, err
		}
	}

	newIndexName, err := s.generateNewIndexName(ctx, indexName)
	if err != nil {
		return nil, err
	}

	op := &Operation{
		IndexName:         indexName,
		NewIndexName:      newIndexName,
		Status:            StatusInProgress,
		LastCompletedStep: StepCreated,
	}
	return s.store.Create(ctx, op)
}

func (s *Service) generateNewIndexName(ctx context.Context, indexName string) (string, error) {
	for n := 0; n < maxNewIndexNameAttempts; n++ {
		candidate := fmt.Sprintf("%s-reindex-%d", indexName, n)
		exists, err := s.cluster.IndexExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", common.NewPreconditionError("could not find a free destination index name for %q after %d attempts", indexName, maxNewIndexNameAttempts)
}

// FindReindexOperation returns the single live (inProgress or paused)
// operation record for indexName, or (nil, nil) if none exists.
// More than one live record is a store invariant violation.
func (s *Service) FindReindexOperation(ctx context.Context, indexName string) (*Operation, error) {
	all, err := s.store.FindByIndexName(ctx, indexName)
	if err != nil {
		return nil, err
	}

	var live []*Operation
	for _, op := range all {
		if op.Status == StatusInProgress || op.Status == StatusPaused {
			live = append(live, op)
		}
	}

	switch len(live) {
	case 0:
		return nil, nil
	case 1:
		return live[0], nil
	default:
		return nil, fmt.Errorf("invariant violation: %d live reindex operations found for %q", len(live), indexName)
	}
}

// FindAllByStatus lists every operation record in the given status,
// used by the worker to find its poll set.
func (s *Service) FindAllByStatus(ctx context.Context, status Status) ([]*Operation, error) {
	return s.store.FindAllByStatus(ctx, status)
}

// MLUpgradeModeCount returns the shared counter's current value, used
// to populate a metrics gauge without exposing the counter's lease
// fields outside this package.
func (s *Service) MLUpgradeModeCount(ctx context.Context) (int, error) {
	counter, err := s.store.MLCounter().Get(ctx)
	if err != nil {
		return 0, err
	}
	return counter.MLReindexCount, nil
}

// PauseReindexOperation requires the record to be inProgress before
// pausing it.
func (s *Service) PauseReindexOperation(ctx context.Context, indexName string) (*Operation, error) {
	op, err := s.FindReindexOperation(ctx, indexName)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, common.NewPreconditionError("no live reindex operation for %q", indexName)
	}
	if op.Status != StatusInProgress {
		return nil, common.NewPreconditionError("cannot pause %q: status is %s", indexName, op.Status)
	}
	return s.store.Update(ctx, op, func(o *Operation) {
		o.Status = StatusPaused
	})
}

// ResumeReindexOperation requires the record to be paused before
// resuming it.
func (s *Service) ResumeReindexOperation(ctx context.Context, indexName string) (*Operation, error) {
	op, err := s.FindReindexOperation(ctx, indexName)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, common.NewPreconditionError("no live reindex operation for %q", indexName)
	}
	if op.Status != StatusPaused {
		return nil, common.NewPreconditionError("cannot resume %q: status is %s", indexName, op.Status)
	}
	return s.store.Update(ctx, op, func(o *Operation) {
		o.Status = StatusInProgress
	})
}

// ProcessNextStep is the central step function driven by the worker:
// acquire the record's lease, run the single step body for its current
// marker, and release the lease on every exit path. A
// *common.ConflictError from lease acquisition is returned as-is --
// the caller never held the lease and must simply retry later.
func (s *Service) ProcessNextStep(ctx context.Context, op *Operation) (*Operation, error) {
	if op.Status != StatusInProgress {
		return op, nil
	}

	leased, err := s.acquireLease(ctx, op)
	if err != nil {
		return nil, err
	}

	step, ok := pipeline[leased.LastCompletedStep]
	if !ok {
		// already at the terminal marker; nothing left to drive.
		return s.releaseLease(ctx, leased, nil)
	}

	result, stepErr := step(ctx, s, leased)
	if stepErr == nil {
		return s.releaseLease(ctx, result, nil)
	}

	if common.IsTransient(stepErr) {
		logging.Warnf("Service::ProcessNextStep %s transient failure at step %s: %v", op.IndexName, leased.LastCompletedStep, stepErr)
		_, releaseErr := s.releaseLease(ctx, leased, nil)
		if releaseErr != nil {
			return nil, releaseErr
		}
		return nil, stepErr
	}

	// fatal: capture the error, mark the record failed, best-effort
	// reverse the write block, then release.
	message := stepErr.Error()
	if fe, ok := stepErr.(*common.FatalError); ok {
		message = fe.StackTrace()
	}
	logging.Errorf("Service::ProcessNextStep %s fatal failure at step %s: %s", op.IndexName, leased.LastCompletedStep, message)

	s.cleanupChanges(ctx, leased)

	failed, updateErr := s.store.Update(ctx, leased, func(o *Operation) {
		o.Status = StatusFailed
		o.ErrorMessage = message
	})
	if updateErr != nil {
		return nil, updateErr
	}

	return s.releaseLease(ctx, failed, nil)
}

// cleanupChanges handles a fatal step failure by reversing only the
// write-block this pipeline
// itself applied to the source index. It never deletes a partially
// written destination index -- that is left for an operator to inspect;
// a subsequent CreateReindexOperation does not reuse it but picks the
// next free "-reindex-{n}" name. Best-effort: failures are logged,
// never returned.
func (s *Service) cleanupChanges(ctx context.Context, op *Operation) {
	if op.LastCompletedStep < StepReadonly {
		return
	}
	if _, err := s.cluster.SettingsPut(ctx, op.IndexName, map[string]interface{}{
		"index.blocks.write": false,
	}); err != nil {
		logging.Warnf("Service::cleanupChanges failed to clear write block on %q: %v", op.IndexName, err)
	}
}

// advance persists a step's progress and moves the marker forward to
// `completed`, returning the fresh record.
func (s *Service) advance(ctx context.Context, op *Operation, completed Step, patch func(*Operation)) (*Operation, error) {
	return s.store.Update(ctx, op, func(o *Operation) {
		o.LastCompletedStep = completed
		if patch != nil {
			patch(o)
		}
	})
}

// persist applies patch without moving the step marker, used for
// intermediate progress updates (e.g. reindexTaskPercComplete).
func (s *Service) persist(ctx context.Context, op *Operation, patch func(*Operation)) (*Operation, error) {
	return s.store.Update(ctx, op, patch)
}

// acquireLease implements the lease protocol: refuse if locked and
// unexpired, otherwise CAS in this owner's lock.
// A CAS mismatch surfaces from Store.Update as a *common.ConflictError.
func (s *Service) acquireLease(ctx context.Context, op *Operation) (*Operation, error) {
	now := time.Now()
	if !op.LeaseAbandoned(now) {
		return nil, common.NewConflictError("lease on %q held by %s until %s", op.IndexName, op.LockOwner, op.Locked.Add(LeaseWindow))
	}
	return s.store.Update(ctx, op, func(o *Operation) {
		o.Locked = &now
		o.LockOwner = s.ownerID
	})
}

func (s *Service) releaseLease(ctx context.Context, op *Operation, patch func(*Operation)) (*Operation, error) {
	return s.store.Update(ctx, op, func(o *Operation) {
		o.Locked = nil
		o.LockOwner = ""
		if patch != nil {
			patch(o)
		}
	})
}

// acquireMLLease applies the same lease discipline to the single
// well-known MLCounter record.
func (s *Service) acquireMLLease(ctx context.Context) (*MLCounter, error) {
	counter, err := s.store.MLCounter().Get(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if counter.Locked != nil && now.Sub(*counter.Locked) <= LeaseWindow {
		return nil, common.NewConflictError("ML upgrade-mode counter locked by %s", counter.LockOwner)
	}
	return s.store.MLCounter().Update(ctx, counter, func(c *MLCounter) {
		c.Locked = &now
		c.LockOwner = s.ownerID
	})
}

func (s *Service) releaseMLLease(ctx context.Context, counter *MLCounter, patch func(*MLCounter)) (*MLCounter, error) {
	return s.store.MLCounter().Update(ctx, counter, func(c *MLCounter) {
		c.Locked = nil
		c.LockOwner = ""
		if patch != nil {
			patch(c)
		}
	})
}

func (s *Service) nodesAboveMinVersion(ctx context.Context) (bool, error) {
	return cluster.MeetsMinVersion(ctx, s.cluster, s.minNodeVersion)
}
