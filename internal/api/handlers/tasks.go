package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flotillahq/flotilla/internal/aggregator"
	"github.com/flotillahq/flotilla/internal/models"
	"github.com/flotillahq/flotilla/internal/scheduler"
	"github.com/flotillahq/flotilla/internal/state"
)

// TaskHandler serves job submission and status polling.
type TaskHandler struct {
	state      *state.State
	scheduler  *scheduler.Scheduler
	aggregator *aggregator.Aggregator
	logger     *slog.Logger
}

// NewTaskHandler creates a task handler.
func NewTaskHandler(st *state.State, sched *scheduler.Scheduler, agg *aggregator.Aggregator, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{state: st, scheduler: sched, aggregator: agg, logger: logger}
}

// SubmitRequest is the submission endpoint's request body.
type SubmitRequest struct {
	Type      string `json:"type"`
	NumNodes  int    `json:"num_nodes"`
	UserID    string `json:"user_id"`
	Priority  string `json:"priority"`
	NodeClass string `json:"node_class"`
}

// SubmitResponse acknowledges a successful submission.
type SubmitResponse struct {
	Status string `json:"status"`
	TaskID string `json:"task_id"`
}

// Submit handles POST /submit_task.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		WriteError(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.NumNodes == 0 {
		req.NumNodes = 1
	}
	if req.UserID == "" {
		req.UserID = "user_1"
	}

	taskID, err := h.scheduler.Submit(r.Context(), scheduler.SubmitRequest{
		Type:           models.TaskType(req.Type),
		NumNodes:       req.NumNodes,
		UserID:         req.UserID,
		Priority:       req.Priority,
		PreferredClass: models.AffinityClass(req.NodeClass),
	})
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrUnknownTaskType), errors.Is(err, scheduler.ErrInvalidNodeCount):
			WriteError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, scheduler.ErrInsufficientNodes):
			WriteError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("task submission failed", "type", req.Type, "error", err)
			WriteError(w, http.StatusInternalServerError, "task submission failed")
		}
		return
	}

	WriteJSON(w, http.StatusOK, &SubmitResponse{Status: "success", TaskID: taskID})
}

// StatusResponse is the status endpoint's response body. Results is only set
// once the task has completed.
type StatusResponse struct {
	Status  string          `json:"status"`
	Results json.RawMessage `json:"results,omitempty"`
}

// Status handles GET /task_status/{taskID}. Clients poll this until they
// observe completion.
func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	view, ok := h.state.Task(taskID)
	if !ok {
		WriteError(w, http.StatusNotFound, "Task not found")
		return
	}
	if view.Status != models.TaskCompleted {
		WriteJSON(w, http.StatusOK, &StatusResponse{Status: string(models.TaskPending)})
		return
	}

	results, err := h.aggregator.Reassemble(taskID)
	if err != nil {
		h.logger.Error("reassembling task failed", "task_id", taskID, "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to reassemble results")
		return
	}
	WriteJSON(w, http.StatusOK, &StatusResponse{Status: string(models.TaskCompleted), Results: results})
}
