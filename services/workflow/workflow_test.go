package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localWorkflowID = "11111111-2222-3333-4444-555555555555"

// stubRepo is an in-memory WorkflowRepo.
type stubRepo struct {
	mu        sync.Mutex
	workflows map[string]*Workflow
	runs      map[string]*ExecutionResults
	err       error
}

func newStubRepo(wfs ...*Workflow) *stubRepo {
	r := &stubRepo{workflows: map[string]*Workflow{}, runs: map[string]*ExecutionResults{}}
	for _, wf := range wfs {
		r.workflows[wf.ID] = wf
	}
	return r
}

func (r *stubRepo) List(_ context.Context) ([]Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Workflow{}
	for _, wf := range r.workflows {
		out = append(out, *wf)
	}
	return out, r.err
}

func (r *stubRepo) Get(_ context.Context, id string) (*Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	wf, ok := r.workflows[id]
	if !ok {
		return nil, nil
	}
	cp := *wf
	return &cp, nil
}

func (r *stubRepo) Create(_ context.Context, wf *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[wf.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *wf
	r.workflows[wf.ID] = &cp
	return r.err
}

func (r *stubRepo) Update(_ context.Context, wf *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[wf.ID]; !ok {
		return ErrNotFound
	}
	cp := *wf
	r.workflows[wf.ID] = &cp
	return r.err
}

func (r *stubRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(r.workflows, id)
	return r.err
}

func (r *stubRepo) SaveRun(_ context.Context, results *ExecutionResults) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[results.ExecutionID] = results
	return nil
}

func (r *stubRepo) GetRun(_ context.Context, runID string) (*ExecutionResults, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[runID], nil
}

func (r *stubRepo) storedRun(runID string) (*ExecutionResults, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.runs[runID]
	return res, ok
}

// localWorkflow runs without network access: start -> wait -> say -> end.
func localWorkflow(delaySeconds float64) *Workflow {
	return &Workflow{
		ID:   localWorkflowID,
		Name: "Local Workflow",
		Nodes: []Node{
			{ID: "start", Type: "start", Data: NodeData{Label: "Start"}},
			configNode("wait", "delay", map[string]any{"delay": delaySeconds}),
			configNode("say", "log", map[string]any{"message": "done"}),
			{ID: "end", Type: "end", Data: NodeData{Label: "End"}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "wait"},
			{ID: "e2", Source: "wait", Target: "say"},
			{ID: "e3", Source: "say", Target: "end"},
		},
	}
}

func newTestService(repo *stubRepo) *Service {
	engine := NewEngine(NewRegistry(nil, discardLogger()), WithLogger(discardLogger()))
	return NewService(repo, engine)
}

func setupRouter(svc *Service) *mux.Router {
	router := mux.NewRouter()
	svc.LoadRoutes(router.PathPrefix("/api/v1").Subrouter())
	return router
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var result map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	return result["message"]
}

func TestHandleGetWorkflow_Success(t *testing.T) {
	router := setupRouter(newTestService(newStubRepo(SampleWorkflow())))

	w := do(t, router, "GET", "/api/v1/workflows/"+SampleWorkflowID, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var result Workflow
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, SampleWorkflowID, result.ID)
	assert.Len(t, result.Nodes, 7)
	assert.Len(t, result.Edges, 8)
}

func TestHandleGetWorkflow_NotFound(t *testing.T) {
	router := setupRouter(newTestService(newStubRepo()))

	w := do(t, router, "GET", "/api/v1/workflows/00000000-0000-0000-0000-000000000000", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "workflow not found", decodeMessage(t, w))
}

func TestHandleGetWorkflow_InvalidID(t *testing.T) {
	router := setupRouter(newTestService(newStubRepo()))

	w := do(t, router, "GET", "/api/v1/workflows/not-a-uuid", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid workflow id", decodeMessage(t, w))
}

func TestHandleGetWorkflow_RepoError(t *testing.T) {
	repo := newStubRepo()
	repo.err = errors.New("connection refused")
	router := setupRouter(newTestService(repo))

	w := do(t, router, "GET", "/api/v1/workflows/"+SampleWorkflowID, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal server error", decodeMessage(t, w))
}

func TestHandleListWorkflows(t *testing.T) {
	router := setupRouter(newTestService(newStubRepo(SampleWorkflow(), localWorkflow(0))))

	w := do(t, router, "GET", "/api/v1/workflows", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var result []Workflow
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Len(t, result, 2)
}

func TestHandleCreateWorkflow(t *testing.T) {
	repo := newStubRepo()
	router := setupRouter(newTestService(repo))

	wf := localWorkflow(0)
	wf.ID = ""
	w := do(t, router, "POST", "/api/v1/workflows", wf)

	require.Equal(t, http.StatusCreated, w.Code)
	var created Workflow
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)

	stored, err := repo.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Local Workflow", stored.Name)
}

func TestHandleCreateWorkflow_DuplicateID(t *testing.T) {
	repo := newStubRepo(localWorkflow(0))
	router := setupRouter(newTestService(repo))

	w := do(t, router, "POST", "/api/v1/workflows", localWorkflow(0))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "workflow already exists", decodeMessage(t, w))
}

func TestHandleCreateWorkflow_Invalid(t *testing.T) {
	router := setupRouter(newTestService(newStubRepo()))

	tests := []struct {
		name    string
		body    any
		wantMsg string
	}{
		{"bad json", "{", "invalid request body"},
		{"bad id", Workflow{ID: "abc", Name: "x"}, "invalid workflow id"},
		{"no name", Workflow{}, "name is required"},
		{"node without type", Workflow{Name: "x", Nodes: []Node{{ID: "a"}}}, "node type is required"},
		{"edge without target", Workflow{Name: "x", Edges: []Edge{{ID: "e", Source: "a"}}}, "edge is invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/workflows", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.wantMsg, decodeMessage(t, w))
		})
	}
}

func TestHandleUpdateWorkflow(t *testing.T) {
	repo := newStubRepo(localWorkflow(0))
	router := setupRouter(newTestService(repo))
	path := "/api/v1/workflows/" + localWorkflowID

	wf := localWorkflow(0)
	wf.Name = "Renamed"
	w := do(t, router, "PUT", path, wf)
	require.Equal(t, http.StatusOK, w.Code)
	stored, _ := repo.Get(context.Background(), localWorkflowID)
	assert.Equal(t, "Renamed", stored.Name)

	wf.ID = SampleWorkflowID
	w = do(t, router, "PUT", path, wf)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "workflow id does not match path", decodeMessage(t, w))

	wf.ID = ""
	w = do(t, router, "PUT", "/api/v1/workflows/"+SampleWorkflowID, wf)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleDeleteWorkflow(t *testing.T) {
	router := setupRouter(newTestService(newStubRepo(localWorkflow(0))))
	path := "/api/v1/workflows/" + localWorkflowID

	w := do(t, router, "DELETE", path, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, "DELETE", path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleValidateWorkflow(t *testing.T) {
	router := setupRouter(newTestService(newStubRepo(SampleWorkflow())))
	path := "/api/v1/workflows/" + SampleWorkflowID + "/validate"

	w := do(t, router, "POST", path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report ValidationReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.True(t, report.Valid)
	assert.Equal(t, []string{"start"}, report.Entries)
	assert.Len(t, report.Order, 7)
	assert.Equal(t, "end", report.Order[6])

	draft := ExecuteRequest{
		Nodes: []Node{configNode("a", "log", map[string]any{"message": "a"}), configNode("b", "log", map[string]any{"message": "b"})},
		Edges: []Edge{{ID: "ab", Source: "a", Target: "b"}, {ID: "ba", Source: "b", Target: "a"}},
	}
	w = do(t, router, "POST", path, draft)
	require.Equal(t, http.StatusOK, w.Code)
	report = ValidationReport{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.False(t, report.Valid)
	assert.Equal(t, "CycleDetected", report.Kind)
}

func TestHandleExecuteWorkflow_Success(t *testing.T) {
	repo := newStubRepo(localWorkflow(0))
	router := setupRouter(newTestService(repo))

	w := do(t, router, "POST", "/api/v1/workflows/"+localWorkflowID+"/execute", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var result ExecutionResults
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, "completed", result.Status)
	assert.NotEmpty(t, result.ExecutionID)
	require.Len(t, result.Steps, 4)
	assert.Equal(t, "start", result.Steps[0].NodeID)
	assert.Equal(t, "end", result.Steps[3].NodeID)

	stored, ok := repo.storedRun(result.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, "completed", stored.Status)

	w = do(t, router, "GET", "/api/v1/runs/"+result.ExecutionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fetched ExecutionResults
	require.NoError(t, json.NewDecoder(w.Body).Decode(&fetched))
	assert.Equal(t, result.ExecutionID, fetched.ExecutionID)
}

func TestHandleExecuteWorkflow_FailedNode(t *testing.T) {
	wf := localWorkflow(-1)
	router := setupRouter(newTestService(newStubRepo(wf)))

	w := do(t, router, "POST", "/api/v1/workflows/"+localWorkflowID+"/execute", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var result ExecutionResults
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, "nodes failed: wait", result.Error)

	byNode := map[string]string{}
	for _, s := range result.Steps {
		byNode[s.NodeID] = s.Status
	}
	assert.Equal(t, map[string]string{"start": "succeeded", "wait": "failed", "say": "skipped", "end": "skipped"}, byNode)
}

func TestHandleExecuteWorkflow_InvalidGraph(t *testing.T) {
	wf := localWorkflow(0)
	wf.Edges = append(wf.Edges, Edge{ID: "e4", Source: "say", Target: "ghost"})
	router := setupRouter(newTestService(newStubRepo(wf)))

	w := do(t, router, "POST", "/api/v1/workflows/"+localWorkflowID+"/execute", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var report ValidationReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Equal(t, "DanglingEdge", report.Kind)
	assert.Equal(t, "e4", report.EdgeID)
}

func TestHandleExecuteWorkflow_NotFound(t *testing.T) {
	router := setupRouter(newTestService(newStubRepo()))

	w := do(t, router, "POST", "/api/v1/workflows/00000000-0000-0000-0000-000000000000/execute", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleExecuteWorkflow_InvalidJSON(t *testing.T) {
	router := setupRouter(newTestService(newStubRepo(localWorkflow(0))))

	w := do(t, router, "POST", "/api/v1/workflows/"+localWorkflowID+"/execute", "not json")

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func startRun(t *testing.T, router http.Handler) StartRunResponse {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/workflows/"+localWorkflowID+"/runs", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp StartRunResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp.RunID)
	return resp
}

func TestHandleStartRun_StoresResults(t *testing.T) {
	repo := newStubRepo(localWorkflow(0))
	router := setupRouter(newTestService(repo))

	resp := startRun(t, router)
	assert.Equal(t, localWorkflowID, resp.WorkflowID)
	assert.Equal(t, RunStatusRunning, resp.Status)
	assert.Equal(t, "/api/v1/runs/"+resp.RunID+"/events", resp.EventsURL)

	require.Eventually(t, func() bool {
		_, ok := repo.storedRun(resp.RunID)
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	w := do(t, router, "GET", "/api/v1/runs/"+resp.RunID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result ExecutionResults
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, "completed", result.Status)
	assert.Len(t, result.Steps, 4)

	// A stored run replays as a single run.closed event.
	w = do(t, router, "GET", "/api/v1/runs/"+resp.RunID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, 1, strings.Count(w.Body.String(), "event: "))
	assert.Contains(t, w.Body.String(), "event: run.closed")
}

func TestHandleRunEvents_LiveStream(t *testing.T) {
	repo := newStubRepo(localWorkflow(0.2))
	router := setupRouter(newTestService(repo))

	resp := startRun(t, router)

	// Blocks until the run closes.
	w := do(t, router, "GET", resp.EventsURL, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var events []Event
	for _, block := range strings.Split(strings.TrimSpace(w.Body.String()), "\n\n") {
		lines := strings.SplitN(block, "\n", 2)
		require.Len(t, lines, 2)
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev))
		assert.Equal(t, "event: "+string(ev.Type), lines[0])
		events = append(events, ev)
	}

	// ready, running, succeeded for each of the four nodes, then run.closed.
	require.Len(t, events, 13)
	assert.Equal(t, EventRunClosed, events[12].Type)
	assert.Equal(t, RunStatusCompleted, events[12].FinalStatus)
	for _, ev := range events {
		assert.Equal(t, resp.RunID, ev.RunID)
	}
}

func TestHandleCancelRun(t *testing.T) {
	repo := newStubRepo(localWorkflow(30))
	svc := newTestService(repo)
	router := setupRouter(svc)

	resp := startRun(t, router)

	w := do(t, router, "POST", "/api/v1/runs/"+resp.RunID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		_, ok := repo.storedRun(resp.RunID)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	stored, _ := repo.storedRun(resp.RunID)
	assert.Equal(t, "cancelled", stored.Status)
	assert.Equal(t, "run cancelled", stored.Error)

	w = do(t, router, "POST", "/api/v1/runs/"+resp.RunID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "run already finished", decodeMessage(t, w))
}

func TestHandleRuns_NotFound(t *testing.T) {
	router := setupRouter(newTestService(newStubRepo()))
	unknown := "00000000-0000-0000-0000-000000000000"

	for _, tt := range []struct{ method, path string }{
		{"GET", "/api/v1/runs/" + unknown},
		{"GET", "/api/v1/runs/" + unknown + "/events"},
		{"POST", "/api/v1/runs/" + unknown + "/cancel"},
	} {
		w := do(t, router, tt.method, tt.path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, tt.path)
		assert.Equal(t, "run not found", decodeMessage(t, w))
	}

	w := do(t, router, "GET", "/api/v1/runs/nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid run id", decodeMessage(t, w))
}

func TestHandleListNodeTypes(t *testing.T) {
	router := setupRouter(newTestService(newStubRepo()))

	w := do(t, router, "GET", "/api/v1/node-types", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var catalog []Contract
	require.NoError(t, json.NewDecoder(w.Body).Decode(&catalog))
	assert.Len(t, catalog, 8)
	assert.Equal(t, "condition", catalog[0].Type)
}

func TestService_ShutdownCancelsRuns(t *testing.T) {
	repo := newStubRepo(localWorkflow(30))
	svc := newTestService(repo)
	router := setupRouter(svc)

	resp := startRun(t, router)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	stored, ok := repo.storedRun(resp.RunID)
	require.True(t, ok)
	assert.Equal(t, "cancelled", stored.Status)
}
