package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/couchbase/reindex-upgrader/secondary/cluster"
	"github.com/couchbase/reindex-upgrader/secondary/common"
	"github.com/couchbase/reindex-upgrader/secondary/reindex"
)

// minimal in-memory Store/Cluster fakes, scoped to this package's
// tests only -- the reindex package's own richer fakes are unexported
// and live alongside its own tests.

type memStore struct {
	ops     map[string]*reindex.Operation
	counter *reindex.MLCounter
	nextID  int
}

func newMemStore() *memStore {
	return &memStore{ops: make(map[string]*reindex.Operation), counter: &reindex.MLCounter{}}
}

func (m *memStore) Create(ctx context.Context, op *reindex.Operation) (*reindex.Operation, error) {
	m.nextID++
	clone := *op
	clone.Version = 1
	m.ops[fmt.Sprintf("op-%d", m.nextID)] = &clone
	out := clone
	return &out, nil
}

func (m *memStore) find(op *reindex.Operation) (string, *reindex.Operation, error) {
	for id, existing := range m.ops {
		if existing.IndexName == op.IndexName && existing.Version == op.Version {
			return id, existing, nil
		}
		if existing.IndexName == op.IndexName {
			return "", nil, common.NewConflictError("cas mismatch")
		}
	}
	return "", nil, fmt.Errorf("not found")
}

func (m *memStore) Update(ctx context.Context, op *reindex.Operation, patch func(*reindex.Operation)) (*reindex.Operation, error) {
	id, existing, err := m.find(op)
	if err != nil {
		return nil, err
	}
	clone := *existing
	patch(&clone)
	clone.Version = existing.Version + 1
	m.ops[id] = &clone
	out := clone
	return &out, nil
}

func (m *memStore) Delete(ctx context.Context, op *reindex.Operation) error {
	id, _, err := m.find(op)
	if err != nil {
		return err
	}
	delete(m.ops, id)
	return nil
}

func (m *memStore) FindByIndexName(ctx context.Context, indexName string) ([]*reindex.Operation, error) {
	var out []*reindex.Operation
	for _, op := range m.ops {
		if op.IndexName == indexName {
			clone := *op
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memStore) FindAllByStatus(ctx context.Context, status reindex.Status) ([]*reindex.Operation, error) {
	var out []*reindex.Operation
	for _, op := range m.ops {
		if op.Status == status {
			clone := *op
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memStore) MLCounter() reindex.MLCounterStore { return memMLCounter{m} }

type memMLCounter struct{ m *memStore }

func (c memMLCounter) Get(ctx context.Context) (*reindex.MLCounter, error) {
	out := *c.m.counter
	return &out, nil
}

func (c memMLCounter) Update(ctx context.Context, mc *reindex.MLCounter, patch func(*reindex.MLCounter)) (*reindex.MLCounter, error) {
	clone := *c.m.counter
	patch(&clone)
	clone.Version++
	c.m.counter = &clone
	out := *c.m.counter
	return &out, nil
}

type memCluster struct {
	exists map[string]bool
}

func newMemCluster() *memCluster { return &memCluster{exists: make(map[string]bool)} }

func (c *memCluster) SettingsPut(ctx context.Context, index string, settings map[string]interface{}) (cluster.AckResponse, error) {
	return cluster.AckResponse{Acknowledged: true}, nil
}
func (c *memCluster) IndexCreate(ctx context.Context, index string, body map[string]interface{}) (cluster.AckResponse, error) {
	c.exists[index] = true
	return cluster.AckResponse{Acknowledged: true}, nil
}
func (c *memCluster) GetFlatSettings(ctx context.Context, index string) (cluster.FlatSettingsResponse, error) {
	return cluster.FlatSettingsResponse{index: {Settings: map[string]interface{}{}}}, nil
}
func (c *memCluster) GetMappings(ctx context.Context, index string) (cluster.MappingsResponse, error) {
	return cluster.MappingsResponse{index: {Mappings: map[string]interface{}{}}}, nil
}
func (c *memCluster) IndexExists(ctx context.Context, index string) (bool, error) {
	return c.exists[index], nil
}
func (c *memCluster) Reindex(ctx context.Context, body cluster.ReindexRequest) (cluster.ReindexResponse, error) {
	return cluster.ReindexResponse{Task: "task-1"}, nil
}
func (c *memCluster) GetTask(ctx context.Context, taskID string) (cluster.TaskStatus, error) {
	return cluster.TaskStatus{Completed: true}, nil
}
func (c *memCluster) DeleteTask(ctx context.Context, taskID string) (cluster.DeleteTaskResponse, error) {
	return cluster.DeleteTaskResponse{Result: "deleted"}, nil
}
func (c *memCluster) GetAliases(ctx context.Context, index string) (cluster.AliasesGetResponse, error) {
	return nil, nil
}
func (c *memCluster) UpdateAliases(ctx context.Context, req cluster.AliasesUpdateRequest) (cluster.AckResponse, error) {
	return cluster.AckResponse{Acknowledged: true}, nil
}
func (c *memCluster) NodesInfo(ctx context.Context) (cluster.NodesInfoResponse, error) {
	return cluster.NodesInfoResponse{
		Nodes: map[string]cluster.NodeInfo{"n1": {Version: "7.10.0"}},
	}, nil
}
func (c *memCluster) SetMLUpgradeMode(ctx context.Context, enabled bool) (cluster.AckResponse, error) {
	return cluster.AckResponse{Acknowledged: true}, nil
}

func TestWorkerDrivesInProgressOperationsForward(t *testing.T) {
	store := newMemStore()
	fc := newMemCluster()
	fc.exists["logs-2024"] = true

	svc := reindex.NewService(store, fc, "worker-1", "6.7.0")
	op, err := svc.CreateReindexOperation(context.Background(), "logs-2024")
	if err != nil {
		t.Fatalf("CreateReindexOperation: %v", err)
	}

	w := New(svc, common.SystemConfig().Set("reindex.pollInterval", 20*time.Millisecond))
	w.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		live, err := store.FindByIndexName(context.Background(), "logs-2024")
		if err == nil && len(live) == 1 && live[0].LastCompletedStep != op.LastCompletedStep {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()

	live, err := store.FindByIndexName(context.Background(), "logs-2024")
	if err != nil || len(live) != 1 {
		t.Fatalf("FindByIndexName: %v %v", live, err)
	}
	if live[0].LastCompletedStep == reindex.StepCreated {
		t.Fatalf("expected the worker to have advanced the operation at least one step, got %s", live[0].LastCompletedStep)
	}
}

func TestWorkerIncludesReflectsActiveDrive(t *testing.T) {
	store := newMemStore()
	fc := newMemCluster()
	svc := reindex.NewService(store, fc, "worker-1", "6.7.0")
	w := New(svc, common.SystemConfig())

	if w.Includes("logs-2024") {
		t.Fatalf("expected no operation to be active before any tick")
	}
}
