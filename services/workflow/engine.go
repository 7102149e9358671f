package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"workflow-engine/pkg/telemetry"
)

// Engine drives validated graphs to completion. Each node is dispatched at most
// once per run, only after all of its predecessors finished.
//
// Every run is owned by a single scheduler goroutine that holds the counters,
// the ready set and node statuses. Handlers run on worker goroutines and
// report back over a channel, so a slow handler never blocks scheduling.
type Engine struct {
	registry    Registry
	maxParallel int
	observers   []Observer
	logger      *slog.Logger

	mu   sync.Mutex
	runs map[string]*RunHandle
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxParallel bounds the number of handlers running at once in a run.
// Zero or less means unbounded.
func WithMaxParallel(n int) Option {
	return func(e *Engine) { e.maxParallel = n }
}

// WithObserver adds observers that receive every event of every run.
func WithObserver(observers ...Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, observers...) }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an Engine with the given executor registry.
func NewEngine(registry Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		logger:   slog.Default(),
		runs:     make(map[string]*RunHandle),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry the engine validates against.
func (e *Engine) Registry() Registry { return e.registry }

// Validate checks wf against the engine's registry.
func (e *Engine) Validate(wf *Workflow) (*ValidatedGraph, error) {
	return NewValidator(e.registry).Validate(wf)
}

// ExecuteWorkflow validates wf and runs it synchronously. Validation errors are
// returned before any node runs.
func (e *Engine) ExecuteWorkflow(ctx context.Context, wf *Workflow) (*RunRecord, *ValidatedGraph, error) {
	g, err := e.Validate(wf)
	if err != nil {
		return nil, nil, err
	}
	rec, err := e.Execute(ctx, g)
	return rec, g, err
}

// Execute runs g and blocks until the run is closed. Cancelling ctx cancels the run.
func (e *Engine) Execute(ctx context.Context, g *ValidatedGraph) (*RunRecord, error) {
	h, err := e.Start(ctx, g)
	if err != nil {
		return nil, err
	}
	<-h.Done()
	return h.Record(), nil
}

// Start opens a run of g and returns immediately. Progress is observable via
// the handle's event channel; Wait blocks for the closed record.
func (e *Engine) Start(ctx context.Context, g *ValidatedGraph) (*RunHandle, error) {
	if g == nil {
		return nil, errors.New("start run: graph is nil")
	}
	plan, err := Plan(g)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	rec := NewRunRecord(uuid.NewString(), g.ID())
	x := newExecution(e, g, plan, rec)
	h := &RunHandle{x: x}
	rec.setCancelHook(x.requestCancel)

	e.mu.Lock()
	e.runs[rec.RunID()] = h
	e.mu.Unlock()

	x.logger.Debug("run started", "nodes", plan.Len())
	go x.run(ctx)
	return h, nil
}

// Cancel cancels a live run.
func (e *Engine) Cancel(runID string) error {
	h, ok := e.Lookup(runID)
	if !ok {
		return fmt.Errorf("cancel %s: %w", runID, ErrRunNotFound)
	}
	return h.Cancel()
}

// Lookup returns the handle of a live run.
func (e *Engine) Lookup(runID string) (*RunHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.runs[runID]
	return h, ok
}

// ActiveRuns returns the number of runs not yet closed.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

func (e *Engine) untrack(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, runID)
}

// RunHandle is the caller's view of a run started with Engine.Start.
type RunHandle struct {
	x *execution
}

// ID returns the run id.
func (h *RunHandle) ID() string { return h.x.record.RunID() }

// Record returns the run record. It is frozen once Done is closed.
func (h *RunHandle) Record() *RunRecord { return h.x.record }

// Graph returns the graph being executed.
func (h *RunHandle) Graph() *ValidatedGraph { return h.x.graph }

// Events streams every status transition of this run followed by one
// run.closed event, then the channel is closed. The channel is buffered for
// the whole run, so not reading it never stalls the engine.
func (h *RunHandle) Events() <-chan Event { return h.x.events }

// Done is closed after the record is closed.
func (h *RunHandle) Done() <-chan struct{} { return h.x.done }

// Wait blocks until the run closes or ctx is done.
func (h *RunHandle) Wait(ctx context.Context) (*RunRecord, error) {
	select {
	case <-h.x.done:
		return h.x.record, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation of the run.
func (h *RunHandle) Cancel() error { return h.x.record.Cancel() }

// NodeStatus returns the current status of a node.
func (h *RunHandle) NodeStatus(id string) (NodeStatus, bool) {
	h.x.mu.RLock()
	defer h.x.mu.RUnlock()
	s, ok := h.x.status[id]
	return s, ok
}

// Statuses returns a snapshot of all node statuses.
func (h *RunHandle) Statuses() map[string]NodeStatus {
	h.x.mu.RLock()
	defer h.x.mu.RUnlock()
	out := make(map[string]NodeStatus, len(h.x.status))
	for k, v := range h.x.status {
		out[k] = v
	}
	return out
}

type completion struct {
	nodeID     string
	output     Output
	err        *NodeExecutionError
	startedAt  time.Time
	finishedAt time.Time
}

// execution is the state of one run. Everything except status reads from
// other goroutines is confined to the scheduler goroutine.
type execution struct {
	engine *Engine
	graph  *ValidatedGraph
	plan   *ExecutionPlan
	record *RunRecord
	logger *slog.Logger

	mu     sync.RWMutex
	status map[string]NodeStatus

	remaining map[string]int
	live      map[string]bool
	outputs   map[string]Output
	finished  map[string]int
	seq       int
	ready     []string
	inFlight  int
	failed    []string
	cancelled bool

	completions chan completion
	slots       chan struct{}
	cancelReq   chan struct{}
	cancelOnce  sync.Once
	events      chan Event
	done        chan struct{}
}

func newExecution(e *Engine, g *ValidatedGraph, plan *ExecutionPlan, rec *RunRecord) *execution {
	n := plan.Len()
	x := &execution{
		engine:      e,
		graph:       g,
		plan:        plan,
		record:      rec,
		logger:      telemetry.WithWorkflowID(telemetry.WithRunID(e.logger, rec.RunID()), g.ID()),
		status:      make(map[string]NodeStatus, n),
		remaining:   make(map[string]int, n),
		live:        make(map[string]bool, n),
		outputs:     make(map[string]Output, n),
		finished:    make(map[string]int, n),
		completions: make(chan completion, n),
		cancelReq:   make(chan struct{}),
		events:      make(chan Event, 3*n+1),
		done:        make(chan struct{}),
	}
	if e.maxParallel > 0 {
		x.slots = make(chan struct{}, e.maxParallel)
	}
	for _, id := range plan.Order() {
		x.status[id] = NodeStatusPending
		x.remaining[id] = plan.InDegree(id)
	}
	return x
}

func (x *execution) requestCancel() {
	x.cancelOnce.Do(func() { close(x.cancelReq) })
}

func (x *execution) run(ctx context.Context) {
	defer close(x.done)

	hctx, stop := context.WithCancel(ctx)
	defer stop()

	var workers errgroup.Group
	cancelReq := x.cancelReq
	parentDone := ctx.Done()

	for _, id := range x.plan.Ready() {
		x.transition(id, NodeStatusReady, "")
		x.pushReady(id)
	}

	for {
		select {
		case <-cancelReq:
			cancelReq = nil
			x.cancel(stop)
		case <-parentDone:
			parentDone = nil
			x.cancel(stop)
		default:
		}

		x.dispatch(hctx, &workers)
		if x.inFlight == 0 && len(x.ready) == 0 {
			break
		}

		select {
		case c := <-x.completions:
			x.complete(c)
		case <-cancelReq:
			cancelReq = nil
			x.cancel(stop)
		case <-parentDone:
			parentDone = nil
			x.cancel(stop)
		}
	}

	_ = workers.Wait()
	x.finish()
}

// dispatch starts every ready node while worker slots are available.
func (x *execution) dispatch(ctx context.Context, workers *errgroup.Group) {
	for len(x.ready) > 0 {
		if x.slots != nil {
			select {
			case x.slots <- struct{}{}:
			default:
				return
			}
		}

		id := x.ready[0]
		x.ready = x.ready[1:]

		node, _ := x.graph.Node(id)
		contract, _ := x.graph.Contract(id)
		inputs := x.resolveInputs(node, contract)
		timeout, err := nodeTimeout(node, contract)
		executor := WithTimeout(contract.Executor, timeout)
		if err != nil {
			executor = ExecutorFunc(func(context.Context, Node, Inputs) (Output, error) { return nil, err })
		}

		// Running is set before the handler can start.
		x.transition(id, NodeStatusRunning, "")
		x.inFlight++
		startedAt := time.Now()

		workers.Go(func() error {
			out, execErr := invoke(ctx, executor, node, inputs)
			finishedAt := time.Now()
			if x.slots != nil {
				<-x.slots
			}
			x.completions <- completion{
				nodeID:     id,
				output:     out,
				err:        execErr,
				startedAt:  startedAt,
				finishedAt: finishedAt,
			}
			return nil
		})
	}
}

func invoke(ctx context.Context, executor NodeExecutor, node Node, inputs Inputs) (out Output, execErr *NodeExecutionError) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			execErr = &NodeExecutionError{Kind: KindHandlerFailure, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	out, err := executor.Execute(ctx, node, inputs)
	if err != nil {
		return nil, asExecutionError(ctx, err)
	}
	return out, nil
}

func (x *execution) complete(c completion) {
	x.inFlight--

	res := ExecutionResult{
		NodeID:     c.nodeID,
		StartedAt:  c.startedAt,
		FinishedAt: c.finishedAt,
	}

	if c.err != nil {
		res.Status = NodeStatusFailed
		res.Error = c.err.Error()
		res.ErrorKind = c.err.Kind
		x.append(res)
		x.failed = append(x.failed, c.nodeID)
		x.transition(c.nodeID, NodeStatusFailed, res.Error)
		x.skipDescendants(c.nodeID)
		return
	}

	res.Status = NodeStatusSucceeded
	res.Output = c.output
	x.seq++
	x.outputs[c.nodeID] = c.output
	x.finished[c.nodeID] = x.seq
	x.append(res)
	x.transition(c.nodeID, NodeStatusSucceeded, "")
	x.settle(c.nodeID)
}

// settle releases the dependents of a node that finished without failure.
// A dependent becomes ready once all of its predecessors settled and at least
// one incoming edge is live; otherwise it is skipped as a branch not taken,
// which settles it in turn.
func (x *execution) settle(id string) {
	queue := []string{id}
	for len(queue) > 0 {
		src := queue[0]
		queue = queue[1:]
		succeeded := x.status[src] == NodeStatusSucceeded

		for _, dep := range x.plan.Dependents(src) {
			if x.status[dep] != NodeStatusPending {
				continue
			}
			if succeeded && x.edgeActive(src, dep) {
				x.live[dep] = true
			}
			x.remaining[dep]--
			if x.remaining[dep] > 0 {
				continue
			}
			if x.live[dep] {
				x.transition(dep, NodeStatusReady, "")
				x.pushReady(dep)
				continue
			}
			x.skip(dep, "branch not taken", "")
			queue = append(queue, dep)
		}
	}
}

// skipDescendants skips the whole downstream closure of a failed node.
func (x *execution) skipDescendants(id string) {
	reason := fmt.Sprintf("upstream node %s failed", id)
	queue := x.plan.Dependents(id)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if s := x.status[dep]; s != NodeStatusPending && s != NodeStatusReady {
			continue
		}
		x.skip(dep, reason, "")
		queue = append(queue, x.plan.Dependents(dep)...)
	}
}

// cancel skips everything not yet started and cancels in-flight handlers.
func (x *execution) cancel(stop context.CancelFunc) {
	if x.cancelled {
		return
	}
	x.cancelled = true
	x.logger.Info("run cancellation requested", "in_flight", x.inFlight)

	for _, id := range x.plan.Order() {
		if s := x.status[id]; s == NodeStatusPending || s == NodeStatusReady {
			x.skip(id, "run cancelled", KindCancelled)
		}
	}
	x.ready = nil
	stop()
}

func (x *execution) skip(id, reason string, kind ExecErrorKind) {
	if x.status[id] == NodeStatusReady {
		x.removeReady(id)
	}
	now := time.Now()
	x.append(ExecutionResult{
		NodeID:     id,
		Status:     NodeStatusSkipped,
		Error:      reason,
		ErrorKind:  kind,
		StartedAt:  now,
		FinishedAt: now,
	})
	x.transition(id, NodeStatusSkipped, reason)
}

func (x *execution) finish() {
	for _, id := range x.plan.Order() {
		if !x.status[id].IsTerminal() {
			// Unreachable for validated graphs; keeps one result per node regardless.
			x.logger.Error("node left unscheduled", "node_id", id, "status", x.status[id])
			x.skip(id, "node was never scheduled", "")
		}
	}

	status := RunStatusCompleted
	var terminalErr string
	switch {
	case x.cancelled || x.record.CancelRequested():
		status = RunStatusCancelled
		terminalErr = "run cancelled"
	case len(x.failed) > 0:
		failed := append([]string(nil), x.failed...)
		sort.Strings(failed)
		status = RunStatusFailed
		terminalErr = "nodes failed: " + strings.Join(failed, ", ")
	}

	if err := x.record.Close(status, terminalErr); err != nil {
		x.logger.Error("failed to close run record", "error", err)
	}
	x.engine.untrack(x.record.RunID())

	x.emit(Event{Type: EventRunClosed, FinalStatus: status, Error: terminalErr})
	close(x.events)
}

func (x *execution) transition(id string, to NodeStatus, errMsg string) {
	x.mu.Lock()
	from := x.status[id]
	x.status[id] = to
	x.mu.Unlock()

	node, _ := x.graph.Node(id)
	x.emit(Event{
		Type:      EventNodeStatusChanged,
		NodeID:    id,
		NodeType:  node.Type,
		OldStatus: from,
		NewStatus: to,
		Error:     errMsg,
	})
}

func (x *execution) emit(ev Event) {
	ev.RunID = x.record.RunID()
	ev.WorkflowID = x.record.GraphID()
	ev.Timestamp = time.Now()

	select {
	case x.events <- ev:
	default:
		x.logger.Warn("event buffer full, dropping event", "event", ev.Type, "node_id", ev.NodeID)
	}
	notify(x.logger, x.engine.observers, ev)
}

func (x *execution) append(res ExecutionResult) {
	if err := x.record.Append(res); err != nil {
		x.logger.Error("failed to record node result", "node_id", res.NodeID, "error", err)
	}
}

func (x *execution) pushReady(id string) {
	i := sort.SearchStrings(x.ready, id)
	x.ready = append(x.ready, "")
	copy(x.ready[i+1:], x.ready[i:])
	x.ready[i] = id
}

func (x *execution) removeReady(id string) {
	for i, r := range x.ready {
		if r == id {
			x.ready = append(x.ready[:i], x.ready[i+1:]...)
			return
		}
	}
}

// edgeActive reports whether src delivered anything towards dep. Non-branching
// nodes activate all their outgoing edges.
func (x *execution) edgeActive(src, dep string) bool {
	contract, _ := x.graph.Contract(src)
	if !contract.Branching {
		return true
	}
	out := x.outputs[src]
	for _, e := range x.graph.outgoing[src] {
		if e.Target != dep {
			continue
		}
		if _, ok := out[e.SourceHandle]; ok {
			return true
		}
	}
	return false
}

// resolveInputs reads, for each input port, the value from the most recently
// finished succeeded producer connected to it.
func (x *execution) resolveInputs(node Node, contract Contract) Inputs {
	values := make(map[string]any)
	producedAt := make(map[string]int)

	for _, e := range x.graph.incoming[node.ID] {
		if x.status[e.Source] != NodeStatusSucceeded {
			continue
		}
		v, ok := x.outputs[e.Source][e.SourceHandle]
		if !ok {
			continue
		}
		seq := x.finished[e.Source]
		if prev, seen := producedAt[e.TargetHandle]; seen && prev > seq {
			continue
		}
		values[e.TargetHandle] = v
		producedAt[e.TargetHandle] = seq
	}

	ports := node.Inputs
	if len(ports) == 0 {
		ports = contract.Inputs
	}
	var missing []string
	for _, p := range ports {
		if !p.Required {
			continue
		}
		if _, ok := values[p.ID]; !ok {
			missing = append(missing, p.ID)
		}
	}
	return Inputs{Values: values, Missing: missing}
}

// nodeTimeout prefers the node's "timeoutMs" config over the contract default.
func nodeTimeout(node Node, contract Contract) (time.Duration, error) {
	ms, ok := toFloat64(node.Data.Config["timeoutMs"])
	if !ok || ms <= 0 {
		return contract.Timeout, nil
	}
	d, ok := toDuration(ms, time.Millisecond)
	if !ok {
		return 0, fmt.Errorf("timeoutMs %v is out of range", ms)
	}
	return d, nil
}
