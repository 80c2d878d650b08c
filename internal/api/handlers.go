package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dvhoward/stackpilot/internal/task"
)

// SubmitTaskRequest is the JSON body for POST /v1/tasks.
type SubmitTaskRequest struct {
	TaskDescription string `json:"task_description"`
	ExposeProject   bool   `json:"expose_project,omitempty"`
}

// SubmitTaskResponse is returned on accepted submission.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleSubmitTask handles POST /v1/tasks.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TaskDescription == "" {
		s.writeError(w, http.StatusBadRequest, "task_description is required")
		return
	}

	taskID, err := s.manager.Submit(r.Context(), task.Submission{
		TaskDescription: req.TaskDescription,
		ExposeProject:   req.ExposeProject,
	})
	if err != nil {
		if errors.Is(err, task.ErrBusy) {
			s.writeError(w, http.StatusConflict, "a task is already in flight")
			return
		}
		s.logger.Error("failed to submit task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	s.logger.Info("task submitted", "task_id", taskID)
	respondJSON(w, http.StatusAccepted, SubmitTaskResponse{TaskID: taskID, State: string(task.StateStreaming)})
}

// handleListTasks handles GET /v1/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.tasks.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

// handleGetTask handles GET /v1/tasks/{task_id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	rec, err := s.tasks.GetByID(r.Context(), taskID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleStopTask handles POST /v1/tasks/{task_id}/stop.
func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	s.manager.Stop(taskID)
	respondJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "state": "stopping"})
}

// handleTaskEvents handles GET /v1/tasks/{task_id}/events: it relays the
// driver's progress notifications as an SSE stream until the task reaches a
// terminal state or the client disconnects.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	ch, cancel, ok := s.manager.Subscribe(taskID)
	if !ok {
		// Already terminal: emit the recorded outcome as a single frame.
		if res, done := s.manager.Result(taskID); done {
			writeSSEHeaders(w)
			writeSSEFrame(w, progressPayload(task.Progress{
				Kind:      task.ProgressTerminal,
				Iteration: res.Iterations,
				SessionID: res.SessionID,
				Status:    res.Status,
				State:     res.State,
				Message:   res.Message,
			}))
			return
		}
		s.writeError(w, http.StatusNotFound, "task is not active")
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	writeSSEHeaders(w)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case p, open := <-ch:
			if !open {
				return
			}
			writeSSEFrame(w, progressPayload(p))
			flusher.Flush()
		}
	}
}

// handleListMessages handles GET /v1/messages: the reconciled displayed list.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.reconciler.Visible())
}

// handleListDeployments handles GET /v1/deployments.
func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.tracker.Deployments())
}

// handleListDatabases handles GET /v1/databases.
func (s *Server) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.tracker.Databases())
}

// progressEvent is the wire shape of one relayed progress notification.
type progressEvent struct {
	Kind          string `json:"kind"`
	Iteration     int    `json:"iteration,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	Delta         string `json:"delta,omitempty"`
	CharsReceived int    `json:"chars_received,omitempty"`
	Operation     string `json:"operation,omitempty"`
	Status        string `json:"status,omitempty"`
	State         string `json:"state,omitempty"`
	Message       string `json:"message,omitempty"`
}

func progressPayload(p task.Progress) progressEvent {
	return progressEvent{
		Kind:          string(p.Kind),
		Iteration:     p.Iteration,
		SessionID:     p.SessionID,
		Delta:         p.Delta,
		CharsReceived: p.CharsReceived,
		Operation:     p.Operation,
		Status:        p.Status,
		State:         string(p.State),
		Message:       p.Message,
	}
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSEFrame(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
