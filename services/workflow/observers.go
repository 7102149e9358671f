package workflow

import (
	"log/slog"
	"sync"
	"time"
)

// MetricsSink receives run and node lifecycle callbacks.
type MetricsSink interface {
	NodeTransition(runID, nodeID, nodeType, status string, at time.Time)
	RunClosed(runID, status string, at time.Time)
}

// MetricsObserver forwards events to sink.
func MetricsObserver(sink MetricsSink) Observer {
	return ObserverFunc(func(ev Event) {
		switch ev.Type {
		case EventNodeStatusChanged:
			sink.NodeTransition(ev.RunID, ev.NodeID, ev.NodeType, string(ev.NewStatus), ev.Timestamp)
		case EventRunClosed:
			sink.RunClosed(ev.RunID, string(ev.FinalStatus), ev.Timestamp)
		}
	})
}

// AsyncObserver hands events to fn on its own goroutine, so slow sinks such as
// a message broker never hold up a scheduler. Events are dropped when the
// queue is full.
type AsyncObserver struct {
	fn     func(Event)
	logger *slog.Logger

	mu     sync.RWMutex
	queue  chan Event
	closed bool
	done   chan struct{}
}

// NewAsyncObserver starts the delivery goroutine with a queue of size events.
func NewAsyncObserver(size int, fn func(Event), logger *slog.Logger) *AsyncObserver {
	a := &AsyncObserver{
		fn:     fn,
		logger: logger,
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) Observe(ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.logger.Warn("event queue full, dropping event", "run_id", ev.RunID, "event", ev.Type)
	}
}

// Close stops accepting events and waits for the queued ones to be delivered.
func (a *AsyncObserver) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for ev := range a.queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("async observer panicked", "run_id", ev.RunID, "panic", r)
				}
			}()
			a.fn(ev)
		}()
	}
}
