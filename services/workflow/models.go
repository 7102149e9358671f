package workflow

import (
	"errors"
	"time"
)

// Workflow represents a persisted workflow definition with its graph of nodes and edges.
type Workflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Node represents a single unit of work in a workflow graph.
// Type selects the contract in the Registry. Inputs and Outputs may be left
// empty, in which case the contract's ports apply.
type Node struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
	Inputs   []Port   `json:"inputs,omitempty"`
	Outputs  []Port   `json:"outputs,omitempty"`
}

// Position holds x/y coordinates for rendering the node on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData holds the display and configuration data for a node.
type NodeData struct {
	Label       string         `json:"label"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Port is a named input or output slot on a node.
type Port struct {
	ID       string `json:"id"`
	Label    string `json:"label,omitempty"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Edge represents a directed data-flow connection from one node's output port
// to another node's input port.
type Edge struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	Target       string         `json:"target"`
	SourceHandle string         `json:"sourceHandle,omitempty"`
	TargetHandle string         `json:"targetHandle,omitempty"`
	Label        string         `json:"label,omitempty"`
	Type         string         `json:"type,omitempty"`
	Animated     bool           `json:"animated,omitempty"`
	Style        map[string]any `json:"style,omitempty"`
	LabelStyle   map[string]any `json:"labelStyle,omitempty"`
}

// ExecutionResults is the response returned for a run, live or persisted.
type ExecutionResults struct {
	ExecutionID   string          `json:"executionId"`
	WorkflowID    string          `json:"workflowId"`
	Status        string          `json:"status"`
	StartTime     string          `json:"startTime"`
	EndTime       string          `json:"endTime,omitempty"`
	TotalDuration int64           `json:"totalDuration"`
	Steps         []ExecutionStep `json:"steps"`
	Error         string          `json:"error,omitempty"`
}

// ExecutionStep represents the result of executing a single node.
type ExecutionStep struct {
	StepNumber int            `json:"stepNumber"`
	NodeID     string         `json:"nodeId"`
	NodeType   string         `json:"nodeType"`
	Label      string         `json:"label"`
	Status     string         `json:"status"`
	Duration   int64          `json:"duration"`
	Output     map[string]any `json:"output,omitempty"`
	Timestamp  string         `json:"timestamp"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"errorKind,omitempty"`
}

// ValidationReport is returned by the validate endpoint and the CLI.
type ValidationReport struct {
	Valid   bool     `json:"valid"`
	Error   string   `json:"error,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	NodeID  string   `json:"nodeId,omitempty"`
	EdgeID  string   `json:"edgeId,omitempty"`
	Order   []string `json:"order,omitempty"`
	Entries []string `json:"entries,omitempty"`
}

// NewExecutionResults converts a run record into its response form.
// Node type and label come from the graph the run executed.
func NewExecutionResults(rec *RunRecord, g *ValidatedGraph) *ExecutionResults {
	out := &ExecutionResults{
		ExecutionID: rec.RunID(),
		WorkflowID:  rec.GraphID(),
		Status:      string(rec.Status()),
		StartTime:   rec.StartedAt().UTC().Format(time.RFC3339Nano),
		Error:       rec.TerminalError(),
	}
	if finished, ok := rec.FinishedAt(); ok {
		out.EndTime = finished.UTC().Format(time.RFC3339Nano)
		out.TotalDuration = finished.Sub(rec.StartedAt()).Milliseconds()
	}

	results := rec.Results()
	out.Steps = make([]ExecutionStep, 0, len(results))
	for i, res := range results {
		step := ExecutionStep{
			StepNumber: i + 1,
			NodeID:     res.NodeID,
			Status:     string(res.Status),
			Duration:   res.Duration().Milliseconds(),
			Output:     res.Output,
			Timestamp:  res.FinishedAt.UTC().Format(time.RFC3339Nano),
			Error:      res.Error,
			ErrorKind:  string(res.ErrorKind),
		}
		if g != nil {
			if node, ok := g.Node(res.NodeID); ok {
				step.NodeType = node.Type
				step.Label = node.Data.Label
			}
		}
		out.Steps = append(out.Steps, step)
	}
	return out
}

// NewValidationReport describes the outcome of validating a workflow. For a
// valid graph it carries the entry nodes and one possible execution order.
func NewValidationReport(g *ValidatedGraph, err error) *ValidationReport {
	if err != nil {
		report := &ValidationReport{Valid: false, Error: err.Error(), Kind: "Invalid"}
		var verr *ValidationError
		if errors.As(err, &verr) {
			report.Kind = verr.Kind()
			report.NodeID = verr.NodeID
			report.EdgeID = verr.EdgeID
		}
		return report
	}

	plan, err := Plan(g)
	if err != nil {
		return &ValidationReport{Valid: false, Error: err.Error(), Kind: "CycleDetected"}
	}
	return &ValidationReport{
		Valid:   true,
		Order:   plan.TopologicalOrder(),
		Entries: plan.Ready(),
	}
}
