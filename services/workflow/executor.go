package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Output is what a node produces, keyed by output port id. Keys that are not
// ports (for example "message") are kept in the result but never routed.
type Output map[string]any

// Inputs are the values a node receives, keyed by input port id.
type Inputs struct {
	Values map[string]any
	// Missing lists required input ports that no upstream producer filled.
	Missing []string
}

// Get returns the value delivered on the given input port.
func (in Inputs) Get(port string) (any, bool) {
	v, ok := in.Values[port]
	return v, ok
}

// NodeExecutor defines the interface for executing a single node type.
// Implementations must be safe to invoke concurrently for distinct nodes.
type NodeExecutor interface {
	Execute(ctx context.Context, node Node, inputs Inputs) (Output, error)
}

// ExecutorFunc adapts a function to NodeExecutor.
type ExecutorFunc func(ctx context.Context, node Node, inputs Inputs) (Output, error)

func (f ExecutorFunc) Execute(ctx context.Context, node Node, inputs Inputs) (Output, error) {
	return f(ctx, node, inputs)
}

// Contract is the execution contract of a node kind.
type Contract struct {
	Type           string   `json:"type"`
	Label          string   `json:"label"`
	Description    string   `json:"description,omitempty"`
	Category       string   `json:"category,omitempty"`
	Inputs         []Port   `json:"inputs"`
	Outputs        []Port   `json:"outputs"`
	RequiredConfig []string `json:"requiredConfig,omitempty"`
	// Branching kinds only activate the outgoing edges whose source port
	// appears in their Output.
	Branching bool `json:"branching,omitempty"`
	// Timeout, if set, bounds every invocation of Executor.
	Timeout  time.Duration `json:"-"`
	Executor NodeExecutor  `json:"-"`
}

func (c Contract) hasInput(port string) bool {
	for _, p := range c.Inputs {
		if p.ID == port {
			return true
		}
	}
	return false
}

func (c Contract) hasOutput(port string) bool {
	for _, p := range c.Outputs {
		if p.ID == port {
			return true
		}
	}
	return false
}

// Registry maps node type strings to their contract.
type Registry map[string]Contract

// Register adds or replaces the contract for c.Type.
func (r Registry) Register(c Contract) {
	r[c.Type] = c
}

// Lookup returns the contract for kind or ErrUnknownNodeKind.
func (r Registry) Lookup(kind string) (Contract, error) {
	c, ok := r[kind]
	if !ok || c.Executor == nil {
		return Contract{}, fmt.Errorf("%w: %q", ErrUnknownNodeKind, kind)
	}
	return c, nil
}

// Catalog lists all contracts sorted by type.
func (r Registry) Catalog() []Contract {
	out := make([]Contract, 0, len(r))
	for _, c := range r {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// NewRegistry creates a registry populated with all built-in executor types.
func NewRegistry(httpClient *http.Client, logger *slog.Logger) Registry {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	trigger := Port{ID: "trigger", Label: "Trigger", Type: "trigger"}
	data := Port{ID: "data", Label: "Data", Type: "any"}

	r := Registry{}
	r.Register(Contract{
		Type: "start", Label: "Start", Category: "Logic & Control",
		Description: "Entry point of the workflow",
		Outputs:     []Port{trigger},
		Executor:    &StartExecutor{},
	})
	r.Register(Contract{
		Type: "end", Label: "End", Category: "Logic & Control",
		Description: "Collects the values that reach the end of the workflow",
		Inputs:      []Port{trigger, data},
		Executor:    &EndExecutor{},
	})
	r.Register(Contract{
		Type: "log", Label: "Log Message", Category: "Utilities",
		Description:    "Log messages to the engine log",
		Inputs:         []Port{trigger, data},
		Outputs:        []Port{{ID: "logged", Label: "Logged", Type: "boolean"}},
		RequiredConfig: []string{"message"},
		Executor:       &LogExecutor{logger: logger},
	})
	r.Register(Contract{
		Type: "delay", Label: "Delay", Category: "Logic & Control",
		Description:    "Pause this branch for the configured number of seconds",
		Inputs:         []Port{trigger},
		Outputs:        []Port{{ID: "completed", Label: "Completed", Type: "boolean"}},
		RequiredConfig: []string{"delay"},
		Executor:       &DelayExecutor{},
	})
	r.Register(Contract{
		Type: "condition", Label: "Condition", Category: "Logic & Control",
		Description: "Branch on a numeric comparison",
		Inputs:      []Port{trigger, data},
		Outputs: []Port{
			{ID: "true", Label: "True", Type: "any"},
			{ID: "false", Label: "False", Type: "any"},
		},
		RequiredConfig: []string{"operator", "threshold"},
		Branching:      true,
		Executor:       &ConditionExecutor{},
	})
	r.Register(Contract{
		Type: "http-request", Label: "HTTP Request", Category: "Data & API",
		Description: "Make HTTP requests (GET, POST, PUT, DELETE)",
		Inputs:      []Port{trigger, {ID: "body", Label: "Body", Type: "object"}},
		Outputs: []Port{
			{ID: "response", Label: "Response", Type: "object"},
			{ID: "error", Label: "Error", Type: "error"},
		},
		RequiredConfig: []string{"url"},
		Branching:      true,
		Timeout:        30 * time.Second,
		Executor:       &HTTPRequestExecutor{client: httpClient},
	})
	r.Register(Contract{
		Type: "send-email", Label: "Send Email", Category: "Communication",
		Description:    "Draft an email notification",
		Inputs:         []Port{trigger, data},
		Outputs: []Port{
			{ID: "success", Label: "Success", Type: "boolean"},
			{ID: "error", Label: "Error", Type: "error"},
		},
		RequiredConfig: []string{"recipient", "subject", "body"},
		Branching:      true,
		Executor:       &EmailExecutor{},
	})
	r.Register(Contract{
		Type: "read-file", Label: "Read File", Category: "Data & API",
		Description: "Read a file from the local filesystem",
		Inputs:      []Port{trigger},
		Outputs: []Port{
			{ID: "content", Label: "Content", Type: "string"},
			{ID: "metadata", Label: "Metadata", Type: "object"},
			{ID: "error", Label: "Error", Type: "error"},
		},
		RequiredConfig: []string{"path"},
		Branching:      true,
		Executor:       &ReadFileExecutor{},
	})
	return r
}

// WithTimeout bounds each invocation of next by d. Expiry is reported as a
// NodeExecutionError of kind timeout, which the engine treats like any other
// handler failure.
func WithTimeout(next NodeExecutor, d time.Duration) NodeExecutor {
	if d <= 0 {
		return next
	}
	return ExecutorFunc(func(ctx context.Context, node Node, inputs Inputs) (Output, error) {
		tctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		out, err := next.Execute(tctx, node, inputs)
		if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, &NodeExecutionError{
				Kind:    KindTimeout,
				Message: fmt.Sprintf("node %s exceeded %s", node.ID, d),
				Err:     context.DeadlineExceeded,
			}
		}
		return out, err
	})
}
