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

	"github.com/couchbase/reindex-upgrader/secondary/cluster"
	"github.com/couchbase/reindex-upgrader/secondary/common"
	"github.com/couchbase/reindex-upgrader/secondary/logging"
	"github.com/couchbase/reindex-upgrader/secondary/warnings"
)

// mlSystemIndexPrefixes identifies source indices that belong to the
// ML subsystem and therefore participate in the shared upgrade-mode
// counter. The prefix list follows the conventional system-index
// naming this kind of toggle gates against in practice.
var mlSystemIndexPrefixes = []string{
	".ml-",
}

// IsMLIndex reports whether indexName participates in the ML
// upgrade-mode counter.
func IsMLIndex(indexName string) bool {
	for _, prefix := range mlSystemIndexPrefixes {
		if len(indexName) >= len(prefix) && indexName[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// stepFunc advances op exactly one pipeline stage, persisting whatever
// intermediate progress it needs to along the way. It returns the most
// recent *Operation read from the store (so callers always hold a
// fresh Version), and a classified error: a *common.TransientError
// leaves the record's status untouched for a later retry, anything
// else is treated as fatal by ProcessNextStep.
type stepFunc func(ctx context.Context, s *Service, op *Operation) (*Operation, error)

var pipeline = map[Step]stepFunc{
	StepCreated:          stepMLUpgradeModeSet,
	StepMLUpgradeModeSet: stepReadonly,
	StepReadonly:         stepNewIndexCreated,
	StepNewIndexCreated:  stepReindexStarted,
	StepReindexStarted:   stepReindexCompleted,
	StepReindexCompleted: stepAliasCreated,
	StepAliasCreated:     stepMLUpgradeModeUnset,
}

// stepMLUpgradeModeSet advances created -> mlUpgradeModeSet.
// Non-ML sources only advance the marker; ML sources increment the
// shared counter and enable upgrade mode on the 0->1 transition, after
// checking every node meets the configured minimum version.
func stepMLUpgradeModeSet(ctx context.Context, s *Service, op *Operation) (*Operation, error) {
	if !IsMLIndex(op.IndexName) {
		return s.advance(ctx, op, StepMLUpgradeModeSet, nil)
	}

	counter, err := s.acquireMLLease(ctx)
	if err != nil {
		return nil, err
	}

	transitioned := counter.MLReindexCount == 0
	var enableErr error
	if transitioned {
		ok, err := s.nodesAboveMinVersion(ctx)
		if err != nil {
			enableErr = common.NewTransientErrorFrom(err)
		} else if !ok {
			enableErr = common.NewTransientError("not all cluster nodes meet minimum version %s", s.minNodeVersion)
		} else {
			ack, err := s.cluster.SetMLUpgradeMode(ctx, true)
			if err != nil {
				enableErr = common.NewFatalErrorFrom(err)
			} else if !ack.Acknowledged {
				enableErr = common.NewTransientError("cluster did not acknowledge enabling ML upgrade mode")
			}
		}
	}

	if enableErr != nil {
		if _, releaseErr := s.releaseMLLease(ctx, counter, nil); releaseErr != nil {
			return nil, releaseErr
		}
		return nil, enableErr
	}

	if _, err := s.releaseMLLease(ctx, counter, func(c *MLCounter) {
		c.MLReindexCount++
	}); err != nil {
		return nil, err
	}

	return s.advance(ctx, op, StepMLUpgradeModeSet, nil)
}

// stepReadonly advances mlUpgradeModeSet -> readonly: set
// index.blocks.write on the source so in-flight writes stop landing on
// an index about to be copied.
func stepReadonly(ctx context.Context, s *Service, op *Operation) (*Operation, error) {
	ack, err := s.cluster.SettingsPut(ctx, op.IndexName, map[string]interface{}{
		"index.blocks.write": true,
	})
	if err != nil {
		return nil, common.NewFatalErrorFrom(err)
	}
	if !ack.Acknowledged {
		return nil, common.NewTransientError("cluster did not acknowledge write block on %q", op.IndexName)
	}
	return s.advance(ctx, op, StepReadonly, nil)
}

// stepNewIndexCreated advances readonly -> newIndexCreated: copy the
// source index's settings and mapping onto op.NewIndexName (computed
// at creation time), transformed per transform.go.
func stepNewIndexCreated(ctx context.Context, s *Service, op *Operation) (*Operation, error) {
	flatResp, err := s.cluster.GetFlatSettings(ctx, op.IndexName)
	if err != nil {
		return nil, common.NewFatalErrorFrom(err)
	}
	mappingsResp, err := s.cluster.GetMappings(ctx, op.IndexName)
	if err != nil {
		return nil, common.NewFatalErrorFrom(err)
	}

	settings := transformSettings(flatResp[op.IndexName].Settings)
	mappings := transformMappings(mappingsResp[op.IndexName].Mappings)

	ack, err := s.cluster.IndexCreate(ctx, op.NewIndexName, map[string]interface{}{
		"settings": settings,
		"mappings": mappings,
	})
	if err != nil {
		return nil, common.NewFatalErrorFrom(err)
	}
	if !ack.Acknowledged {
		return nil, common.NewTransientError("cluster did not acknowledge creation of %q", op.NewIndexName)
	}
	return s.advance(ctx, op, StepNewIndexCreated, nil)
}

// stepReindexStarted advances newIndexCreated -> reindexStarted:
// compute the boolean-field paths from the source mapping, attach the
// coercion script, and dispatch an asynchronous _reindex call.
func stepReindexStarted(ctx context.Context, s *Service, op *Operation) (*Operation, error) {
	mappingsResp, err := s.cluster.GetMappings(ctx, op.IndexName)
	if err != nil {
		return nil, common.NewFatalErrorFrom(err)
	}

	paths := warnings.BooleanFieldPaths(warnings.Mappings(mappingsResp[op.IndexName].Mappings))
	req := buildReindexRequest(op.IndexName, op.NewIndexName, paths)

	resp, err := s.cluster.Reindex(ctx, req)
	if err != nil {
		return nil, common.NewFatalErrorFrom(err)
	}
	if resp.Task == "" {
		return nil, common.NewTransientError("cluster did not return a task id for the reindex of %q", op.IndexName)
	}

	return s.advance(ctx, op, StepReindexStarted, func(o *Operation) {
		o.ReindexTaskID = resp.Task
		o.ReindexTaskPercComplete = 0
	})
}

// stepReindexCompleted advances reindexStarted -> reindexCompleted:
// poll the task; while running, persist progress without advancing the
// marker; on completion, treat any task failure as fatal and otherwise
// delete the completed task document and advance.
func stepReindexCompleted(ctx context.Context, s *Service, op *Operation) (*Operation, error) {
	status, err := s.cluster.GetTask(ctx, op.ReindexTaskID)
	if err != nil {
		return nil, common.NewFatalErrorFrom(err)
	}

	if !status.Completed {
		return s.persist(ctx, op, func(o *Operation) {
			o.ReindexTaskPercComplete = taskPercComplete(status)
		})
	}

	if len(status.Response.Failures) > 0 || status.Task.Status.Created < status.Task.Status.Total {
		msg := fmt.Sprintf("reindex task %s completed with failures", op.ReindexTaskID)
		if len(status.Response.Failures) > 0 {
			msg = status.Response.Failures[0].Cause
		}
		return nil, common.NewFatalErrorFrom(fmt.Errorf("%s", msg))
	}

	if _, err := s.cluster.DeleteTask(ctx, op.ReindexTaskID); err != nil {
		logging.Warnf("Service::stepReindexCompleted failed to delete completed task %s: %v", op.ReindexTaskID, err)
	}

	return s.advance(ctx, op, StepReindexCompleted, func(o *Operation) {
		o.ReindexTaskPercComplete = 1
	})
}

func taskPercComplete(status cluster.TaskStatus) float64 {
	if status.Task.Status.Total == 0 {
		return 0
	}
	return float64(status.Task.Status.Created) / float64(status.Task.Status.Total)
}

// stepAliasCreated advances reindexCompleted -> aliasCreated:
// atomically move op.IndexName's aliases (including the bare
// index-name alias itself) onto op.NewIndexName. Non-ML sources
// complete here; ML sources still need the counter decremented.
func stepAliasCreated(ctx context.Context, s *Service, op *Operation) (*Operation, error) {
	existing, err := s.cluster.GetAliases(ctx, op.IndexName)
	if err != nil {
		return nil, common.NewFatalErrorFrom(err)
	}

	req := buildAliasSwap(op.IndexName, op.NewIndexName, existing)

	ack, err := s.cluster.UpdateAliases(ctx, req)
	if err != nil {
		return nil, common.NewFatalErrorFrom(err)
	}
	if !ack.Acknowledged {
		return nil, common.NewTransientError("cluster did not acknowledge alias swap for %q", op.IndexName)
	}

	patch := func(o *Operation) {}
	if !IsMLIndex(op.IndexName) {
		patch = func(o *Operation) {
			o.Status = StatusCompleted
			o.ReindexTaskID = ""
		}
	}
	return s.advance(ctx, op, StepAliasCreated, patch)
}

// stepMLUpgradeModeUnset advances aliasCreated -> mlUpgradeModeUnset:
// decrement the shared counter and disable upgrade mode on the 1->0
// transition. A no-op for non-ML sources, which are already
// status=completed by the time this would run.
func stepMLUpgradeModeUnset(ctx context.Context, s *Service, op *Operation) (*Operation, error) {
	if op.Status == StatusCompleted {
		return op, nil
	}

	if IsMLIndex(op.IndexName) {
		counter, err := s.acquireMLLease(ctx)
		if err != nil {
			return nil, err
		}

		next := counter.MLReindexCount - 1
		if next < 0 {
			next = 0
		}

		if next == 0 {
			ack, err := s.cluster.SetMLUpgradeMode(ctx, false)
			if err != nil {
				s.releaseMLLease(ctx, counter, nil)
				return nil, common.NewFatalErrorFrom(err)
			}
			if !ack.Acknowledged {
				s.releaseMLLease(ctx, counter, nil)
				return nil, common.NewTransientError("cluster did not acknowledge disabling ML upgrade mode")
			}
		}

		if _, err := s.releaseMLLease(ctx, counter, func(c *MLCounter) {
			c.MLReindexCount = next
		}); err != nil {
			return nil, err
		}
	}

	return s.advance(ctx, op, StepMLUpgradeModeUnset, func(o *Operation) {
		o.Status = StatusCompleted
		o.ReindexTaskID = ""
	})
}

// buildReindexRequest attaches the boolean-coercion script (if the
// source mapping declared any boolean fields) to a source->dest
// reindex body.
func buildReindexRequest(source, dest string, booleanFieldPaths []string) cluster.ReindexRequest {
	return cluster.ReindexRequest{
		Source: cluster.ReindexEndpoint{Index: source},
		Dest:   cluster.ReindexEndpoint{Index: dest},
		Script: booleanCoercionScript(booleanFieldPaths),
	}
}

// buildAliasSwap builds the atomic alias-move request body: remove the
// source index (dropping every alias pointed at it, including its own
// bare name used as an alias), then re-add each of those aliases --
// plus the bare index-name alias itself -- pointed at the destination,
// preserving filter/routing definitions.
func buildAliasSwap(source, dest string, existing cluster.AliasesGetResponse) cluster.AliasesUpdateRequest {
	actions := []cluster.AliasAction{
		{RemoveIndex: &cluster.AliasActionBody{Index: source}},
		{Add: &cluster.AliasActionBody{Index: dest, Alias: source}},
	}

	if entry, ok := existing[source]; ok {
		for aliasName, def := range entry.Aliases {
			actions = append(actions, cluster.AliasAction{
				Add: &cluster.AliasActionBody{
					Index:         dest,
					Alias:         aliasName,
					Filter:        def.Filter,
					IndexRouting:  def.IndexRouting,
					SearchRouting: def.SearchRouting,
					IsWriteIndex:  def.IsWriteIndex,
				},
			})
		}
	}

	return cluster.AliasesUpdateRequest{Actions: actions}
}
