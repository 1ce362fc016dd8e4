// Package aggregator consumes inbound result messages and reassembles
// completed tasks.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flotillahq/flotilla/internal/models"
	"github.com/flotillahq/flotilla/internal/state"
	"github.com/flotillahq/flotilla/internal/transport"
	"github.com/flotillahq/flotilla/internal/workload"
)

// Errors returned by Reassemble.
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskNotCompleted = errors.New("task not completed")
)

// Aggregator applies result messages to the state owner and combines
// completed tasks' results in partition-index order. Results arrive
// at-least-once and unordered: applying them is idempotent, and reassembly
// depends only on partition order, never on delivery order.
type Aggregator struct {
	state     *state.State
	workloads *workload.Registry
	results   transport.ResultStream
	logger    *slog.Logger
}

// New creates an Aggregator consuming from the given result stream.
func New(st *state.State, workloads *workload.Registry, results transport.ResultStream, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		state:     st,
		workloads: workloads,
		results:   results,
		logger:    logger,
	}
}

// Run consumes the result stream until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	for msg := range a.results.Results(ctx) {
		a.Accept(msg)
	}
}

// Accept applies one result message. Messages referencing unknown tasks or
// subtasks are dropped with a log entry; results are fire-and-forget, so
// nothing is reported back to the sender.
func (a *Aggregator) Accept(msg *models.ResultMessage) {
	errMsg := msg.ErrorMessage
	if msg.Status == models.ResultError && errMsg == "" {
		errMsg = "unspecified executor failure"
	}

	outcome := a.state.AcceptResult(msg.TaskID, msg.SubtaskID, msg.NodeID, msg.Result, errMsg)
	switch outcome {
	case state.AcceptUnknownTask, state.AcceptUnknownSubtask:
		a.logger.Warn("dropping result for unknown task or subtask",
			"task_id", msg.TaskID,
			"subtask_id", msg.SubtaskID,
			"node_id", msg.NodeID,
		)
	case state.AcceptNodeMismatch:
		a.logger.Warn("dropping result from unassigned node",
			"task_id", msg.TaskID,
			"subtask_id", msg.SubtaskID,
			"node_id", msg.NodeID,
		)
	case state.AcceptStale:
		a.logger.Info("ignoring late error for completed subtask",
			"task_id", msg.TaskID,
			"subtask_id", msg.SubtaskID,
			"node_id", msg.NodeID,
		)
	case state.AcceptFailed:
		a.logger.Error("subtask failed",
			"task_id", msg.TaskID,
			"subtask_id", msg.SubtaskID,
			"node_id", msg.NodeID,
			"error", errMsg,
		)
	case state.AcceptStored:
		a.logger.Info("result received",
			"task_id", msg.TaskID,
			"subtask_id", msg.SubtaskID,
			"node_id", msg.NodeID,
		)
	case state.AcceptTaskCompleted:
		a.logger.Info("task completed",
			"task_id", msg.TaskID,
			"subtask_id", msg.SubtaskID,
			"node_id", msg.NodeID,
		)
	}
}

// Reassemble combines a completed task's subtask results into its final
// answer using the workload's combination rule. The parts are passed in
// partition-index order because downstream reconstruction is
// position-sensitive.
func (a *Aggregator) Reassemble(taskID string) (json.RawMessage, error) {
	view, ok := a.state.Task(taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	if view.Status != models.TaskCompleted {
		return nil, ErrTaskNotCompleted
	}
	wl, ok := a.workloads.Get(view.Type)
	if !ok {
		return nil, fmt.Errorf("no workload registered for type %s", view.Type)
	}
	combined, err := wl.Combine(view.OrderedResults)
	if err != nil {
		return nil, fmt.Errorf("combining results for task %s: %w", taskID, err)
	}
	return combined, nil
}
