package adminport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/couchbase/reindex-upgrader/secondary/cluster"
	"github.com/couchbase/reindex-upgrader/secondary/reindex"
)

type stubCluster struct{ exists bool }

func (c stubCluster) SettingsPut(ctx context.Context, index string, settings map[string]interface{}) (cluster.AckResponse, error) {
	return cluster.AckResponse{Acknowledged: true}, nil
}
func (c stubCluster) IndexCreate(ctx context.Context, index string, body map[string]interface{}) (cluster.AckResponse, error) {
	return cluster.AckResponse{Acknowledged: true}, nil
}
func (c stubCluster) GetFlatSettings(ctx context.Context, index string) (cluster.FlatSettingsResponse, error) {
	return cluster.FlatSettingsResponse{index: {Settings: map[string]interface{}{}}}, nil
}
func (c stubCluster) GetMappings(ctx context.Context, index string) (cluster.MappingsResponse, error) {
	return cluster.MappingsResponse{index: {Mappings: map[string]interface{}{}}}, nil
}
func (c stubCluster) IndexExists(ctx context.Context, index string) (bool, error) {
	// destination candidates ("{index}-reindex-{n}") never exist yet.
	return c.exists && !strings.Contains(index, "-reindex-"), nil
}
func (c stubCluster) Reindex(ctx context.Context, body cluster.ReindexRequest) (cluster.ReindexResponse, error) {
	return cluster.ReindexResponse{Task: "task-1"}, nil
}
func (c stubCluster) GetTask(ctx context.Context, taskID string) (cluster.TaskStatus, error) {
	return cluster.TaskStatus{Completed: true}, nil
}
func (c stubCluster) DeleteTask(ctx context.Context, taskID string) (cluster.DeleteTaskResponse, error) {
	return cluster.DeleteTaskResponse{}, nil
}
func (c stubCluster) GetAliases(ctx context.Context, index string) (cluster.AliasesGetResponse, error) {
	return nil, nil
}
func (c stubCluster) UpdateAliases(ctx context.Context, req cluster.AliasesUpdateRequest) (cluster.AckResponse, error) {
	return cluster.AckResponse{Acknowledged: true}, nil
}
func (c stubCluster) NodesInfo(ctx context.Context) (cluster.NodesInfoResponse, error) {
	return cluster.NodesInfoResponse{
		Nodes: map[string]cluster.NodeInfo{"n1": {Version: "7.10.0"}},
	}, nil
}
func (c stubCluster) SetMLUpgradeMode(ctx context.Context, enabled bool) (cluster.AckResponse, error) {
	return cluster.AckResponse{Acknowledged: true}, nil
}

type stubStore struct {
	ops     map[string]*reindex.Operation
	counter *reindex.MLCounter
}

func newStubStore() *stubStore {
	return &stubStore{ops: make(map[string]*reindex.Operation), counter: &reindex.MLCounter{}}
}
func (s *stubStore) Create(ctx context.Context, op *reindex.Operation) (*reindex.Operation, error) {
	clone := *op
	clone.Version = 1
	s.ops[op.IndexName] = &clone
	out := clone
	return &out, nil
}
func (s *stubStore) Update(ctx context.Context, op *reindex.Operation, patch func(*reindex.Operation)) (*reindex.Operation, error) {
	existing, ok := s.ops[op.IndexName]
	if !ok || existing.Version != op.Version {
		return nil, &notFoundErr{}
	}
	clone := *existing
	patch(&clone)
	clone.Version++
	s.ops[op.IndexName] = &clone
	out := clone
	return &out, nil
}
func (s *stubStore) Delete(ctx context.Context, op *reindex.Operation) error {
	delete(s.ops, op.IndexName)
	return nil
}
func (s *stubStore) FindByIndexName(ctx context.Context, indexName string) ([]*reindex.Operation, error) {
	if op, ok := s.ops[indexName]; ok {
		clone := *op
		return []*reindex.Operation{&clone}, nil
	}
	return nil, nil
}
func (s *stubStore) FindAllByStatus(ctx context.Context, status reindex.Status) ([]*reindex.Operation, error) {
	var out []*reindex.Operation
	for _, op := range s.ops {
		if op.Status == status {
			clone := *op
			out = append(out, &clone)
		}
	}
	return out, nil
}
func (s *stubStore) MLCounter() reindex.MLCounterStore { return stubMLCounter{s} }

type stubMLCounter struct{ s *stubStore }

func (c stubMLCounter) Get(ctx context.Context) (*reindex.MLCounter, error) {
	out := *c.s.counter
	return &out, nil
}
func (c stubMLCounter) Update(ctx context.Context, mc *reindex.MLCounter, patch func(*reindex.MLCounter)) (*reindex.MLCounter, error) {
	clone := *c.s.counter
	patch(&clone)
	clone.Version++
	c.s.counter = &clone
	out := *c.s.counter
	return &out, nil
}

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "not found" }

type noopRefresher struct{ called bool }

func (n *noopRefresher) ForceRefresh() { n.called = true }

func newTestServer(t *testing.T, store *stubStore, cl stubCluster, worker *noopRefresher) *mux.Router {
	t.Helper()
	svc := reindex.NewService(store, cl, "worker-1", "6.7.0")
	h := &handlers{service: svc, worker: worker}
	r := mux.NewRouter()
	r.HandleFunc("/reindex/{indexName}/warnings", h.warnings).Methods(http.MethodGet)
	r.HandleFunc("/reindex/{indexName}/pause", h.pause).Methods(http.MethodPost)
	r.HandleFunc("/reindex/{indexName}/resume", h.resume).Methods(http.MethodPost)
	r.HandleFunc("/reindex/{indexName}", h.create).Methods(http.MethodPost)
	r.HandleFunc("/reindex/{indexName}", h.status).Methods(http.MethodGet)
	return r
}

func TestCreateThenStatus(t *testing.T) {
	store := newStubStore()
	cl := stubCluster{exists: true}
	refresher := &noopRefresher{}
	router := newTestServer(t, store, cl, refresher)

	req := httptest.NewRequest(http.MethodPost, "/reindex/logs-2024", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !refresher.called {
		t.Fatalf("expected ForceRefresh to be called after create")
	}

	var op reindex.Operation
	if err := json.Unmarshal(rec.Body.Bytes(), &op); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op.IndexName != "logs-2024" {
		t.Fatalf("unexpected operation: %+v", op)
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/reindex/logs-2024", nil)
	statusRec := httptest.NewRecorder()
	router.ServeHTTP(statusRec, statusReq)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", statusRec.Code)
	}
}

func TestCreateOnMissingIndexReturnsPreconditionFailed(t *testing.T) {
	store := newStubStore()
	cl := stubCluster{exists: false}
	router := newTestServer(t, store, cl, &noopRefresher{})

	req := httptest.NewRequest(http.MethodPost, "/reindex/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStatusForUnknownIndexIsNotFound(t *testing.T) {
	store := newStubStore()
	cl := stubCluster{exists: true}
	router := newTestServer(t, store, cl, &noopRefresher{})

	req := httptest.NewRequest(http.MethodGet, "/reindex/never-created", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
