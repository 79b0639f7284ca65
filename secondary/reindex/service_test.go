package reindex

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/couchbase/reindex-upgrader/secondary/cluster"
	"github.com/couchbase/reindex-upgrader/secondary/common"
)

// fakeStore is an in-memory Store used across this package's tests, a
// hand-written fake rather than a mocking-framework double.
type fakeStore struct {
	ops     map[string]*Operation
	counter *MLCounter
	nextID  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ops:     make(map[string]*Operation),
		counter: &MLCounter{},
	}
}

func (f *fakeStore) Create(ctx context.Context, op *Operation) (*Operation, error) {
	f.nextID++
	id := fmt.Sprintf("op-%d", f.nextID)
	clone := *op
	clone.Version = 1
	f.ops[id] = &clone
	out := *f.ops[id]
	return &out, nil
}

func (f *fakeStore) lookup(op *Operation) (string, *Operation, error) {
	for id, existing := range f.ops {
		if existing.IndexName == op.IndexName && existing.Version == op.Version {
			return id, existing, nil
		}
		if existing.IndexName == op.IndexName {
			return "", nil, common.NewConflictError("cas mismatch on %q", op.IndexName)
		}
	}
	return "", nil, fmt.Errorf("record for %q not found", op.IndexName)
}

func (f *fakeStore) Update(ctx context.Context, op *Operation, patch func(*Operation)) (*Operation, error) {
	id, existing, err := f.lookup(op)
	if err != nil {
		return nil, err
	}
	clone := *existing
	patch(&clone)
	clone.Version = existing.Version + 1
	f.ops[id] = &clone
	out := *f.ops[id]
	return &out, nil
}

func (f *fakeStore) Delete(ctx context.Context, op *Operation) error {
	id, _, err := f.lookup(op)
	if err != nil {
		return err
	}
	delete(f.ops, id)
	return nil
}

func (f *fakeStore) FindByIndexName(ctx context.Context, indexName string) ([]*Operation, error) {
	var out []*Operation
	for _, op := range f.ops {
		if op.IndexName == indexName {
			clone := *op
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeStore) FindAllByStatus(ctx context.Context, status Status) ([]*Operation, error) {
	var out []*Operation
	for _, op := range f.ops {
		if op.Status == status {
			clone := *op
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeStore) MLCounter() MLCounterStore { return fakeMLCounterStore{f} }

type fakeMLCounterStore struct{ f *fakeStore }

func (m fakeMLCounterStore) Get(ctx context.Context) (*MLCounter, error) {
	out := *m.f.counter
	return &out, nil
}

func (m fakeMLCounterStore) Update(ctx context.Context, c *MLCounter, patch func(*MLCounter)) (*MLCounter, error) {
	if c.Version != m.f.counter.Version {
		return nil, common.NewConflictError("cas mismatch on ML counter")
	}
	clone := *m.f.counter
	patch(&clone)
	clone.Version++
	m.f.counter = &clone
	out := *m.f.counter
	return &out, nil
}

// fakeCluster is a scripted, in-memory Cluster used by this package's
// tests. Every index lives in `settings`/`mappings`/`exists`; a single
// outstanding task is modeled at a time, which is all the state
// machine ever needs.
type fakeCluster struct {
	exists      map[string]bool
	settings    map[string]map[string]interface{}
	mappings    map[string]map[string]interface{}
	aliases     map[string]cluster.AliasesGetResponse
	nodeVersion string
	taskResult  cluster.TaskStatus
	mlEnabled   bool
	mlToggles   int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		exists:      make(map[string]bool),
		settings:    make(map[string]map[string]interface{}),
		mappings:    make(map[string]map[string]interface{}),
		aliases:     make(map[string]cluster.AliasesGetResponse),
		nodeVersion: "7.10.0",
		taskResult:  cluster.TaskStatus{Completed: true},
	}
}

func (c *fakeCluster) SettingsPut(ctx context.Context, index string, settings map[string]interface{}) (cluster.AckResponse, error) {
	if c.settings[index] == nil {
		c.settings[index] = make(map[string]interface{})
	}
	for k, v := range settings {
		c.settings[index][k] = v
	}
	return cluster.AckResponse{Acknowledged: true}, nil
}

func (c *fakeCluster) IndexCreate(ctx context.Context, index string, body map[string]interface{}) (cluster.AckResponse, error) {
	c.exists[index] = true
	if s, ok := body["settings"].(map[string]interface{}); ok {
		c.settings[index] = s
	}
	if m, ok := body["mappings"].(map[string]interface{}); ok {
		c.mappings[index] = m
	}
	return cluster.AckResponse{Acknowledged: true}, nil
}

func (c *fakeCluster) GetFlatSettings(ctx context.Context, index string) (cluster.FlatSettingsResponse, error) {
	return cluster.FlatSettingsResponse{
		index: {Settings: c.settings[index]},
	}, nil
}

func (c *fakeCluster) GetMappings(ctx context.Context, index string) (cluster.MappingsResponse, error) {
	return cluster.MappingsResponse{
		index: {Mappings: c.mappings[index]},
	}, nil
}

func (c *fakeCluster) IndexExists(ctx context.Context, index string) (bool, error) {
	return c.exists[index], nil
}

func (c *fakeCluster) Reindex(ctx context.Context, body cluster.ReindexRequest) (cluster.ReindexResponse, error) {
	return cluster.ReindexResponse{Task: "task-1"}, nil
}

func (c *fakeCluster) GetTask(ctx context.Context, taskID string) (cluster.TaskStatus, error) {
	return c.taskResult, nil
}

func (c *fakeCluster) DeleteTask(ctx context.Context, taskID string) (cluster.DeleteTaskResponse, error) {
	return cluster.DeleteTaskResponse{Result: "deleted"}, nil
}

func (c *fakeCluster) GetAliases(ctx context.Context, index string) (cluster.AliasesGetResponse, error) {
	return c.aliases[index], nil
}

func (c *fakeCluster) UpdateAliases(ctx context.Context, req cluster.AliasesUpdateRequest) (cluster.AckResponse, error) {
	return cluster.AckResponse{Acknowledged: true}, nil
}

func (c *fakeCluster) NodesInfo(ctx context.Context) (cluster.NodesInfoResponse, error) {
	return cluster.NodesInfoResponse{
		Nodes: map[string]cluster.NodeInfo{
			"node-1": {Version: c.nodeVersion},
		},
	}, nil
}

func (c *fakeCluster) SetMLUpgradeMode(ctx context.Context, enabled bool) (cluster.AckResponse, error) {
	c.mlEnabled = enabled
	c.mlToggles++
	return cluster.AckResponse{Acknowledged: true}, nil
}

func setup(t *testing.T) (*Service, *fakeStore, *fakeCluster) {
	t.Helper()
	store := newFakeStore()
	fc := newFakeCluster()
	svc := NewService(store, fc, "worker-1", "6.7.0")
	return svc, store, fc
}

func driveToCompletion(t *testing.T, svc *Service, op *Operation, maxSteps int) *Operation {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		if op.Status != StatusInProgress {
			return op
		}
		next, err := svc.ProcessNextStep(context.Background(), op)
		if err != nil {
			t.Fatalf("ProcessNextStep: %v", err)
		}
		op = next
	}
	return op
}

func TestCreateReindexOperationRequiresExistingIndex(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.CreateReindexOperation(context.Background(), "logs-2024")
	if !common.IsPrecondition(err) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
}

func TestHappyPathReachesCompleted(t *testing.T) {
	svc, _, fc := setup(t)
	ctx := context.Background()
	fc.exists["logs-2024"] = true
	fc.mappings["logs-2024"] = map[string]interface{}{
		"properties": map[string]interface{}{
			"active": map[string]interface{}{"type": "boolean"},
		},
	}

	op, err := svc.CreateReindexOperation(ctx, "logs-2024")
	if err != nil {
		t.Fatalf("CreateReindexOperation: %v", err)
	}
	if op.NewIndexName != "logs-2024-reindex-0" {
		t.Fatalf("unexpected new index name: %s", op.NewIndexName)
	}

	op = driveToCompletion(t, svc, op, 10)

	if op.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (step %s, err %s)", op.Status, op.LastCompletedStep, op.ErrorMessage)
	}
	if op.LastCompletedStep != StepAliasCreated {
		t.Fatalf("non-ML source should finish at aliasCreated, got %s", op.LastCompletedStep)
	}
	if fc.settings["logs-2024"]["index.blocks.write"] != true {
		t.Fatalf("expected source write block to have been applied")
	}
}

func TestBooleanFieldPathsAttachCoercionScript(t *testing.T) {
	req := buildReindexRequest("src", "dst", []string{"enabled", "nested.flag"})
	if req.Script == nil {
		t.Fatalf("expected a coercion script to be attached")
	}
	paths, ok := req.Script.Params["booleanFieldPaths"].([]string)
	if !ok || len(paths) != 2 {
		t.Fatalf("expected 2 boolean field paths in script params, got %v", req.Script.Params["booleanFieldPaths"])
	}
}

func TestReindexTaskFailureMarksOperationFailed(t *testing.T) {
	svc, _, fc := setup(t)
	ctx := context.Background()
	fc.exists["logs-2024"] = true
	fc.taskResult = cluster.TaskStatus{
		Completed: true,
		Response: struct {
			Failures []cluster.TaskFailure `json:"failures"`
		}{Failures: []cluster.TaskFailure{{Cause: "mapper_parsing_exception"}}},
	}

	op, err := svc.CreateReindexOperation(ctx, "logs-2024")
	if err != nil {
		t.Fatalf("CreateReindexOperation: %v", err)
	}

	op = driveToCompletion(t, svc, op, 10)

	if op.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", op.Status)
	}
	if op.ErrorMessage == "" {
		t.Fatalf("expected an error message to be recorded")
	}
	if op.LastCompletedStep != StepReindexStarted {
		t.Fatalf("marker should not advance past reindexStarted on task failure, got %s", op.LastCompletedStep)
	}
	if fc.settings["logs-2024"]["index.blocks.write"] != false {
		t.Fatalf("expected cleanup to reverse the write block, got %v", fc.settings["logs-2024"]["index.blocks.write"])
	}
}

func TestConcurrentWorkersLeaseConflict(t *testing.T) {
	svc, _, fc := setup(t)
	ctx := context.Background()
	fc.exists["logs-2024"] = true

	op, err := svc.CreateReindexOperation(ctx, "logs-2024")
	if err != nil {
		t.Fatalf("CreateReindexOperation: %v", err)
	}

	// Two workers both observed the record at the same version before
	// either acted on it.
	workerA := *op
	workerB := *op

	if _, err := svc.acquireLease(ctx, &workerA); err != nil {
		t.Fatalf("worker A acquireLease: %v", err)
	}

	_, err = svc.ProcessNextStep(ctx, &workerB)
	if !common.IsConflict(err) {
		t.Fatalf("expected a ConflictError from the second worker, got %v", err)
	}
}

func TestAbandonedLeaseIsStealable(t *testing.T) {
	svc, _, fc := setup(t)
	ctx := context.Background()
	fc.exists["logs-2024"] = true

	op, err := svc.CreateReindexOperation(ctx, "logs-2024")
	if err != nil {
		t.Fatalf("CreateReindexOperation: %v", err)
	}

	stolen := time.Now().Add(-2 * LeaseWindow)
	op, err = svc.store.Update(ctx, op, func(o *Operation) {
		o.Locked = &stolen
		o.LockOwner = "worker-dead"
	})
	if err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	next, err := svc.ProcessNextStep(ctx, op)
	if err != nil {
		t.Fatalf("expected the abandoned lease to be stealable: %v", err)
	}
	if next.LockOwner != "" {
		t.Fatalf("expected the lease to be released after a successful step, got owner %q", next.LockOwner)
	}
}

func TestMLIndexTogglesUpgradeModeOnce(t *testing.T) {
	svc, _, fc := setup(t)
	ctx := context.Background()
	fc.exists[".ml-anomalies-1"] = true

	op, err := svc.CreateReindexOperation(ctx, ".ml-anomalies-1")
	if err != nil {
		t.Fatalf("CreateReindexOperation: %v", err)
	}

	op = driveToCompletion(t, svc, op, 10)

	if op.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (err %s)", op.Status, op.ErrorMessage)
	}
	if fc.mlToggles != 2 {
		t.Fatalf("expected exactly one enable and one disable call, got %d toggles", fc.mlToggles)
	}
	if fc.mlEnabled {
		t.Fatalf("expected upgrade mode disabled again at the end of a single operation")
	}
}

func TestMLCounterStaysAboveZeroWithConcurrentOperations(t *testing.T) {
	svc, _, fc := setup(t)
	ctx := context.Background()
	fc.exists[".ml-anomalies-1"] = true
	fc.exists[".ml-anomalies-2"] = true

	op1, err := svc.CreateReindexOperation(ctx, ".ml-anomalies-1")
	if err != nil {
		t.Fatalf("CreateReindexOperation 1: %v", err)
	}
	op2, err := svc.CreateReindexOperation(ctx, ".ml-anomalies-2")
	if err != nil {
		t.Fatalf("CreateReindexOperation 2: %v", err)
	}

	op1, err = svc.ProcessNextStep(ctx, op1)
	if err != nil {
		t.Fatalf("op1 step 1: %v", err)
	}
	op2, err = svc.ProcessNextStep(ctx, op2)
	if err != nil {
		t.Fatalf("op2 step 1: %v", err)
	}

	if fc.mlToggles != 1 {
		t.Fatalf("expected a single enable call across both operations' 0->1 transitions, got %d", fc.mlToggles)
	}
	if !fc.mlEnabled {
		t.Fatalf("expected upgrade mode to remain enabled while a second operation is still in flight")
	}
}
