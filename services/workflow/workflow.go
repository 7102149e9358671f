package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// ExecuteRequest optionally replaces the stored graph for a single run, so the
// editor can execute unsaved changes.
type ExecuteRequest struct {
	Nodes []Node `json:"nodes,omitempty"`
	Edges []Edge `json:"edges,omitempty"`
}

// StartRunResponse is returned when a run is started asynchronously.
type StartRunResponse struct {
	RunID      string    `json:"runId"`
	WorkflowID string    `json:"workflowId"`
	Status     RunStatus `json:"status"`
	EventsURL  string    `json:"eventsUrl"`
}

// HandleListWorkflows returns all stored workflows.
func (s *Service) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.repo.List(r.Context())
	if err != nil {
		slog.Error("Failed to list workflows", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(workflows)
}

// HandleGetWorkflow loads a workflow definition from the database and returns it as JSON.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	slog.Debug("Getting workflow", "id", id)

	wf, ok := s.loadWorkflow(r.Context(), w, id)
	if !ok {
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

// HandleCreateWorkflow stores a new workflow document. Drafts are stored
// without graph validation; the id is generated when omitted.
func (s *Service) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	} else if _, err := uuid.Parse(wf.ID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}
	if err := validateDocument(wf); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.repo.Create(r.Context(), &wf)
	if errors.Is(err, ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "workflow already exists")
		return
	}
	if err != nil {
		slog.Error("Failed to create workflow", "id", wf.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	slog.Info("Workflow created", "id", wf.ID, "nodes", len(wf.Nodes), "edges", len(wf.Edges))

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(wf)
}

// HandleUpdateWorkflow replaces a stored workflow document.
func (s *Service) HandleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}

	var wf Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if wf.ID != "" && wf.ID != id {
		writeError(w, http.StatusBadRequest, "workflow id does not match path")
		return
	}
	wf.ID = id
	if err := validateDocument(wf); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.repo.Update(r.Context(), &wf)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		slog.Error("Failed to update workflow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

// HandleDeleteWorkflow removes a workflow and its stored runs.
func (s *Service) HandleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}

	err := s.repo.Delete(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		slog.Error("Failed to delete workflow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleValidateWorkflow reports whether the workflow (or the draft graph in the
// body) can be executed.
func (s *Service) HandleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflowForRun(w, r)
	if !ok {
		return
	}

	g, err := s.engine.Validate(wf)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(NewValidationReport(g, err))
}

// HandleExecuteWorkflow validates the workflow, runs it to completion and
// returns step-by-step results.
func (s *Service) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflowForRun(w, r)
	if !ok {
		return
	}
	slog.Debug("Executing workflow", "id", wf.ID)

	rec, g, err := s.engine.ExecuteWorkflow(r.Context(), wf)
	if err != nil {
		writeRunError(w, wf.ID, err)
		return
	}
	s.persist(context.WithoutCancel(r.Context()), rec, g)

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(NewExecutionResults(rec, g))
}

// HandleStartRun starts a run in the background and returns its id. Progress
// is available from the run's event stream.
func (s *Service) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflowForRun(w, r)
	if !ok {
		return
	}

	h, err := s.startRun(wf)
	if err != nil {
		writeRunError(w, wf.ID, err)
		return
	}
	slog.Info("Run started", "id", wf.ID, "run_id", h.ID())

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(StartRunResponse{
		RunID:      h.ID(),
		WorkflowID: wf.ID,
		Status:     RunStatusRunning,
		EventsURL:  "/api/v1/runs/" + h.ID() + "/events",
	})
}

// HandleListNodeTypes returns the catalog of registered node kinds.
func (s *Service) HandleListNodeTypes(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.engine.Registry().Catalog())
}

// workflowForRun loads the workflow named in the path and applies the draft
// graph from the request body, if any.
func (s *Service) workflowForRun(w http.ResponseWriter, r *http.Request) (*Workflow, bool) {
	id, ok := workflowID(w, r)
	if !ok {
		return nil, false
	}

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}

	wf, ok := s.loadWorkflow(r.Context(), w, id)
	if !ok {
		return nil, false
	}
	if req.Nodes != nil {
		wf.Nodes = req.Nodes
		wf.Edges = req.Edges
	}
	return wf, true
}

func (s *Service) loadWorkflow(ctx context.Context, w http.ResponseWriter, id string) (*Workflow, bool) {
	wf, err := s.repo.Get(ctx, id)
	if err != nil {
		slog.Error("Failed to get workflow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return nil, false
	}
	return wf, true
}

func workflowID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return "", false
	}
	return id, true
}

// writeRunError maps errors from starting a run. Validation errors are the
// caller's fault and come back as a report.
func writeRunError(w http.ResponseWriter, id string, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) || errors.Is(err, ErrCycleDetected) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(NewValidationReport(nil, err))
		return
	}
	slog.Error("Workflow execution failed", "id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// validateDocument checks the fields a stored workflow must always have.
// Graph structure is checked when the workflow is validated or executed.
func validateDocument(wf Workflow) error {
	if strings.TrimSpace(wf.Name) == "" {
		return errMissing("name")
	}
	for _, n := range wf.Nodes {
		if n.ID == "" {
			return errMissing("node id")
		}
		if n.Type == "" {
			return errMissing("node type")
		}
	}
	for _, e := range wf.Edges {
		if e.Source == "" || e.Target == "" {
			return errInvalid("edge")
		}
	}
	return nil
}

type validationError struct {
	field string
	kind  string
}

func (e *validationError) Error() string {
	if e.kind == "missing" {
		return e.field + " is required"
	}
	return e.field + " is invalid"
}

func errMissing(field string) error { return &validationError{field: field, kind: "missing"} }
func errInvalid(field string) error { return &validationError{field: field, kind: "invalid"} }
