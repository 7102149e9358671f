package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// HandleGetRun returns the results of a run: a snapshot while it is live, the
// stored document once it has closed.
func (s *Service) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r)
	if !ok {
		return
	}

	if h, ok := s.liveRun(runID); ok {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(NewExecutionResults(h.Record(), h.Graph()))
		return
	}

	results, err := s.repo.GetRun(r.Context(), runID)
	if err != nil {
		slog.Error("Failed to get run", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if results == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(results)
}

// HandleRunEvents streams the events of a run as server-sent events. Events
// already emitted are replayed first; the stream ends after run.closed.
func (s *Service) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var history []Event
	var live <-chan Event
	if feed, ok := s.feed(runID); ok {
		var unsubscribe func()
		history, live, unsubscribe = feed.subscribe()
		defer unsubscribe()
	} else {
		results, err := s.repo.GetRun(r.Context(), runID)
		if err != nil {
			slog.Error("Failed to get run", "run_id", runID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if results == nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		history = []Event{closedEvent(results)}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range history {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()
	if live == nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				slog.Debug("Event stream closed", "run_id", runID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// HandleCancelRun requests cancellation of a live run.
func (s *Service) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r)
	if !ok {
		return
	}

	h, ok := s.liveRun(runID)
	if !ok {
		results, err := s.repo.GetRun(r.Context(), runID)
		if err != nil {
			slog.Error("Failed to get run", "run_id", runID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if results == nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusConflict, "run already finished")
		return
	}

	err := h.Cancel()
	if errors.Is(err, ErrRunAlreadyClosed) {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}
	if err != nil {
		slog.Error("Failed to cancel run", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	slog.Info("Run cancellation requested", "run_id", runID)

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"runId": runID, "status": "cancelling"})
}

// liveRun finds a run that has not been stored yet, whether it was started
// here or executed synchronously.
func (s *Service) liveRun(runID string) (*RunHandle, bool) {
	if feed, ok := s.feed(runID); ok {
		return feed.handle, true
	}
	return s.engine.Lookup(runID)
}

func runIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["runId"]
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return "", false
	}
	return id, true
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func closedEvent(results *ExecutionResults) Event {
	ts, err := time.Parse(time.RFC3339Nano, results.EndTime)
	if err != nil {
		ts = time.Now()
	}
	return Event{
		Type:        EventRunClosed,
		RunID:       results.ExecutionID,
		WorkflowID:  results.WorkflowID,
		FinalStatus: RunStatus(results.Status),
		Error:       results.Error,
		Timestamp:   ts,
	}
}
