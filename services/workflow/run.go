package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// NodeStatus is the per-run status of a node.
//
//	pending → ready → running → succeeded
//	                          ↘ failed
//	pending → skipped (an ancestor failed, the branch was not taken, or the run was cancelled)
//	ready   → skipped (the run was cancelled)
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusReady     NodeStatus = "ready"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// IsTerminal reports whether the status is final.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped:
		return true
	default:
		return false
	}
}

// RunStatus is the status of a whole run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// ExecutionResult is the outcome of one node in one run.
type ExecutionResult struct {
	NodeID     string        `json:"nodeId"`
	Status     NodeStatus    `json:"status"`
	Output     Output        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  ExecErrorKind `json:"errorKind,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// Duration returns how long the node ran. Skipped nodes report zero.
func (r ExecutionResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunRecord is the append-only log of one execution. Once closed it is frozen.
type RunRecord struct {
	mu            sync.RWMutex
	runID         string
	graphID       string
	status        RunStatus
	startedAt     time.Time
	finishedAt    time.Time
	results       []ExecutionResult
	recorded      map[string]bool
	terminalError string

	cancelRequested bool
	onCancel        func()
}

// NewRunRecord opens a record in the running state.
func NewRunRecord(runID, graphID string) *RunRecord {
	return &RunRecord{
		runID:     runID,
		graphID:   graphID,
		status:    RunStatusRunning,
		startedAt: time.Now(),
		recorded:  make(map[string]bool),
	}
}

func (r *RunRecord) RunID() string   { return r.runID }
func (r *RunRecord) GraphID() string { return r.graphID }

func (r *RunRecord) StartedAt() time.Time {
	return r.startedAt
}

// Status returns the current run status.
func (r *RunRecord) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// FinishedAt returns the close time; ok is false while the run is live.
func (r *RunRecord) FinishedAt() (t time.Time, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finishedAt, r.status.IsTerminal()
}

// TerminalError returns the run-level error summary, if any.
func (r *RunRecord) TerminalError() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.terminalError
}

// IsClosed reports whether the record is frozen.
func (r *RunRecord) IsClosed() bool {
	return r.Status().IsTerminal()
}

// CancelRequested reports whether Cancel was called on the live run.
func (r *RunRecord) CancelRequested() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelRequested
}

// Results returns a copy of the results in append order.
func (r *RunRecord) Results() []ExecutionResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ExecutionResult(nil), r.results...)
}

// Result returns the result recorded for nodeID.
func (r *RunRecord) Result(nodeID string) (ExecutionResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, res := range r.results {
		if res.NodeID == nodeID {
			return res, true
		}
	}
	return ExecutionResult{}, false
}

// Append records a node result. Each node may be recorded once.
func (r *RunRecord) Append(res ExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.IsTerminal() {
		return fmt.Errorf("append %s to run %s: %w", res.NodeID, r.runID, ErrRunAlreadyClosed)
	}
	if r.recorded[res.NodeID] {
		return fmt.Errorf("append %s to run %s: %w", res.NodeID, r.runID, ErrDuplicateResult)
	}
	if !res.Status.IsTerminal() {
		return fmt.Errorf("append %s to run %s: status %q is not terminal", res.NodeID, r.runID, res.Status)
	}
	r.recorded[res.NodeID] = true
	r.results = append(r.results, res)
	return nil
}

// Close freezes the record with a terminal status.
func (r *RunRecord) Close(status RunStatus, terminalError string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("close run %s: status %q is not terminal", r.runID, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.IsTerminal() {
		return fmt.Errorf("close run %s: %w", r.runID, ErrRunAlreadyClosed)
	}
	r.status = status
	r.terminalError = terminalError
	r.finishedAt = time.Now()
	r.onCancel = nil
	return nil
}

// Cancel asks the engine driving this run to stop. Nodes not yet started are
// skipped and in-flight handlers see a cancelled context.
func (r *RunRecord) Cancel() error {
	r.mu.Lock()
	if r.status.IsTerminal() {
		r.mu.Unlock()
		return fmt.Errorf("cancel run %s: %w", r.runID, ErrRunAlreadyClosed)
	}
	r.cancelRequested = true
	fn := r.onCancel
	r.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

func (r *RunRecord) setCancelHook(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCancel = fn
}

type runRecordJSON struct {
	RunID         string            `json:"runId"`
	GraphID       string            `json:"workflowId"`
	Status        RunStatus         `json:"status"`
	StartedAt     time.Time         `json:"startedAt"`
	FinishedAt    *time.Time        `json:"finishedAt,omitempty"`
	Results       []ExecutionResult `json:"results"`
	TerminalError string            `json:"terminalError,omitempty"`
}

// MarshalJSON renders a consistent snapshot of the record.
func (r *RunRecord) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := runRecordJSON{
		RunID:         r.runID,
		GraphID:       r.graphID,
		Status:        r.status,
		StartedAt:     r.startedAt,
		Results:       append([]ExecutionResult{}, r.results...),
		TerminalError: r.terminalError,
	}
	if r.status.IsTerminal() {
		t := r.finishedAt
		out.FinishedAt = &t
	}
	return json.Marshal(out)
}
