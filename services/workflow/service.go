package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"workflow-engine/pkg/telemetry"
)

// WorkflowRepo abstracts workflow and run persistence for testability.
type WorkflowRepo interface {
	List(ctx context.Context) ([]Workflow, error)
	Get(ctx context.Context, id string) (*Workflow, error)
	Create(ctx context.Context, wf *Workflow) error
	Update(ctx context.Context, wf *Workflow) error
	Delete(ctx context.Context, id string) error
	SaveRun(ctx context.Context, results *ExecutionResults) error
	GetRun(ctx context.Context, runID string) (*ExecutionResults, error)
}

const persistTimeout = 5 * time.Second

// Service wires together the repository and execution engine for the workflow domain.
type Service struct {
	repo   WorkflowRepo
	engine *Engine

	// ctx parents asynchronous runs so Shutdown can cancel them.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	feeds map[string]*runFeed
	wg    sync.WaitGroup
}

// NewService creates a Service on top of repo and engine.
func NewService(repo WorkflowRepo, engine *Engine) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:   repo,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
		feeds:  make(map[string]*runFeed),
	}
}

// Shutdown cancels asynchronous runs and waits until their results are stored.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", ctx.Err())
	}
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers workflow HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/workflows").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("", s.HandleListWorkflows).Methods("GET")
	router.HandleFunc("", s.HandleCreateWorkflow).Methods("POST")
	router.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/{id}", s.HandleUpdateWorkflow).Methods("PUT")
	router.HandleFunc("/{id}", s.HandleDeleteWorkflow).Methods("DELETE")
	router.HandleFunc("/{id}/validate", s.HandleValidateWorkflow).Methods("POST")
	router.HandleFunc("/{id}/execute", s.HandleExecuteWorkflow).Methods("POST")
	router.HandleFunc("/{id}/runs", s.HandleStartRun).Methods("POST")

	runs := parentRouter.PathPrefix("/runs").Subrouter()
	runs.Use(jsonMiddleware)
	runs.HandleFunc("/{runId}", s.HandleGetRun).Methods("GET")
	runs.HandleFunc("/{runId}/events", s.HandleRunEvents).Methods("GET")
	runs.HandleFunc("/{runId}/cancel", s.HandleCancelRun).Methods("POST")

	parentRouter.Handle("/node-types", jsonMiddleware(http.HandlerFunc(s.HandleListNodeTypes))).Methods("GET")
}

// startRun validates wf and starts it in the background. The run's events are
// fanned out to subscribers and its results are stored once it closes.
func (s *Service) startRun(wf *Workflow) (*RunHandle, error) {
	g, err := s.engine.Validate(wf)
	if err != nil {
		return nil, err
	}
	h, err := s.engine.Start(s.ctx, g)
	if err != nil {
		return nil, err
	}

	feed := newRunFeed(h)
	s.mu.Lock()
	s.feeds[h.ID()] = feed
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		feed.pump()
		s.persist(context.Background(), h.Record(), h.Graph())

		s.mu.Lock()
		delete(s.feeds, h.ID())
		s.mu.Unlock()
	}()
	return h, nil
}

// persist stores the results of a closed run. Failures are logged; the run
// itself is already complete.
func (s *Service) persist(ctx context.Context, rec *RunRecord, g *ValidatedGraph) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	results := NewExecutionResults(rec, g)
	if err := s.repo.SaveRun(ctx, results); err != nil {
		logger := telemetry.WithWorkflowID(telemetry.WithRunID(slog.Default(), rec.RunID()), rec.GraphID())
		logger.Error("Failed to store run results", "error", err)
	}
}

func (s *Service) feed(runID string) (*runFeed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[runID]
	return f, ok
}

// runFeed records the events of one run and replays them to any number of
// subscribers.
type runFeed struct {
	handle *RunHandle

	mu      sync.Mutex
	history []Event
	subs    map[chan Event]struct{}
	closed  bool
}

func newRunFeed(h *RunHandle) *runFeed {
	return &runFeed{handle: h, subs: make(map[chan Event]struct{})}
}

// pump drains the run's event channel until it is closed.
func (f *runFeed) pump() {
	for ev := range f.handle.Events() {
		f.mu.Lock()
		f.history = append(f.history, ev)
		for sub := range f.subs {
			select {
			case sub <- ev:
			default:
			}
		}
		f.mu.Unlock()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for sub := range f.subs {
		close(sub)
	}
	f.subs = nil
}

// subscribe returns the events seen so far and a channel carrying the rest.
// The channel is closed after run.closed, or immediately if the run already closed.
func (f *runFeed) subscribe() ([]Event, <-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	history := append([]Event(nil), f.history...)
	ch := make(chan Event, cap(f.handle.Events())+1)
	if f.closed {
		close(ch)
		return history, ch, func() {}
	}
	f.subs[ch] = struct{}{}

	unsubscribe := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
	}
	return history, ch, unsubscribe
}
