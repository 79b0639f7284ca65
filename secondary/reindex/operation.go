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

// Package reindex implements the Reindex Service: the stateless
// business logic that validates requests, advances one operation
// record one step at a time through the migration state machine, and
// coordinates the ML upgrade-mode counter.
package reindex

import (
	"context"
	"time"

	"github.com/couchbase/reindex-upgrader/secondary/cluster"
	"github.com/couchbase/reindex-upgrader/secondary/warnings"
)

// Status is one of the five terminal/non-terminal states of an
// operation record.
type Status string

const (
	StatusInProgress Status = "inProgress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Step enumerates the progress marker, in pipeline order.
type Step int

const (
	StepCreated Step = iota
	StepMLUpgradeModeSet
	StepReadonly
	StepNewIndexCreated
	StepReindexStarted
	StepReindexCompleted
	StepAliasCreated
	StepMLUpgradeModeUnset
)

func (s Step) String() string {
	switch s {
	case StepCreated:
		return "created"
	case StepMLUpgradeModeSet:
		return "mlUpgradeModeSet"
	case StepReadonly:
		return "readonly"
	case StepNewIndexCreated:
		return "newIndexCreated"
	case StepReindexStarted:
		return "reindexStarted"
	case StepReindexCompleted:
		return "reindexCompleted"
	case StepAliasCreated:
		return "aliasCreated"
	case StepMLUpgradeModeUnset:
		return "mlUpgradeModeUnset"
	default:
		return "unknown"
	}
}

// LeaseWindow is the duration after which an unreleased lock is
// considered abandoned and may be stolen by another worker. It must
// exceed the worst-case duration of a single step body's cluster
// calls. Kept as a compile-time constant -- only the poll interval is
// operator-configurable.
const LeaseWindow = 90 * time.Second

// Operation is the persisted operation record.
type Operation struct {
	IndexName               string
	NewIndexName            string
	Status                  Status
	LastCompletedStep       Step
	Locked                  *time.Time
	LockOwner               string
	ReindexTaskID           string
	ReindexTaskPercComplete float64
	ErrorMessage            string

	// Version is the store's opaque optimistic-concurrency token
	// (gocb's CAS in the store.Adapter implementation). Every Update
	// call must carry the Version observed by the caller.
	Version uint64
}

// LeaseAbandoned reports whether this operation's lock is either unset
// or older than LeaseWindow, i.e. stealable.
func (o *Operation) LeaseAbandoned(now time.Time) bool {
	if o.Locked == nil {
		return true
	}
	return now.Sub(*o.Locked) > LeaseWindow
}

// MLCounter is the single well-known record coordinating the global
// ML upgrade-mode toggle across all in-flight operations.
type MLCounter struct {
	MLReindexCount int
	Locked         *time.Time
	LockOwner      string
	Version        uint64
}

// Store is the Store Adapter contract. Concrete
// implementations (secondary/store) import this package for the
// Operation/MLCounter types; this package never imports store, to
// keep the dependency direction consumer->types.
type Store interface {
	Create(ctx context.Context, op *Operation) (*Operation, error)
	Update(ctx context.Context, op *Operation, patch func(*Operation)) (*Operation, error)
	Delete(ctx context.Context, op *Operation) error
	FindByIndexName(ctx context.Context, indexName string) ([]*Operation, error)
	FindAllByStatus(ctx context.Context, status Status) ([]*Operation, error)
	MLCounter() MLCounterStore
}

type MLCounterStore interface {
	Get(ctx context.Context) (*MLCounter, error)
	Update(ctx context.Context, c *MLCounter, patch func(*MLCounter)) (*MLCounter, error)
}

// Cluster is the Cluster client contract, referencing
// secondary/cluster's concrete request/response types. Any type with
// these methods (cluster.HTTPClient, or a test fake) satisfies it.
type Cluster interface {
	SettingsPut(ctx context.Context, index string, settings map[string]interface{}) (cluster.AckResponse, error)
	IndexCreate(ctx context.Context, index string, body map[string]interface{}) (cluster.AckResponse, error)
	GetFlatSettings(ctx context.Context, index string) (cluster.FlatSettingsResponse, error)
	GetMappings(ctx context.Context, index string) (cluster.MappingsResponse, error)
	IndexExists(ctx context.Context, index string) (bool, error)
	Reindex(ctx context.Context, body cluster.ReindexRequest) (cluster.ReindexResponse, error)
	GetTask(ctx context.Context, taskID string) (cluster.TaskStatus, error)
	DeleteTask(ctx context.Context, taskID string) (cluster.DeleteTaskResponse, error)
	GetAliases(ctx context.Context, index string) (cluster.AliasesGetResponse, error)
	UpdateAliases(ctx context.Context, req cluster.AliasesUpdateRequest) (cluster.AckResponse, error)
	NodesInfo(ctx context.Context) (cluster.NodesInfoResponse, error)
	SetMLUpgradeMode(ctx context.Context, enabled bool) (cluster.AckResponse, error)
}

// WarningDetector abstracts warnings.Detect so the service can be
// tested against a fixed warning set.
type WarningDetector func(settings warnings.FlatSettings, mappings warnings.Mappings) ([]warnings.Warning, error)
