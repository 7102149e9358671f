package workflow

import (
	"log/slog"
	"time"
)

// EventType names an engine event.
type EventType string

const (
	EventNodeStatusChanged EventType = "node.status_changed"
	EventRunClosed         EventType = "run.closed"
)

// Event is emitted for every node status transition, in order, and once when
// the run closes.
type Event struct {
	Type        EventType  `json:"type"`
	RunID       string     `json:"runId"`
	WorkflowID  string     `json:"workflowId"`
	NodeID      string     `json:"nodeId,omitempty"`
	NodeType    string     `json:"nodeType,omitempty"`
	OldStatus   NodeStatus `json:"oldStatus,omitempty"`
	NewStatus   NodeStatus `json:"newStatus,omitempty"`
	FinalStatus RunStatus  `json:"finalStatus,omitempty"`
	Error       string     `json:"error,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Observer receives engine events. Observe is called from the scheduler, so
// implementations must return quickly and must not call back into the run.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// LoggingObserver writes node failures and run closures to logger.
func LoggingObserver(logger *slog.Logger) Observer {
	return ObserverFunc(func(ev Event) {
		switch {
		case ev.Type == EventRunClosed:
			logger.Info("run closed", "run_id", ev.RunID, "workflow_id", ev.WorkflowID, "status", ev.FinalStatus, "error", ev.Error)
		case ev.NewStatus == NodeStatusFailed:
			logger.Warn("node failed", "run_id", ev.RunID, "node_id", ev.NodeID, "type", ev.NodeType, "error", ev.Error)
		default:
			logger.Debug("node status changed", "run_id", ev.RunID, "node_id", ev.NodeID, "from", ev.OldStatus, "to", ev.NewStatus)
		}
	})
}

// notify delivers ev to every observer. A panicking observer is logged and
// does not affect the run.
func notify(logger *slog.Logger, observers []Observer, ev Event) {
	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("observer panicked", "run_id", ev.RunID, "event", ev.Type, "panic", r)
				}
			}()
			o.Observe(ev)
		}()
	}
}
