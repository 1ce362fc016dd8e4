// Package scheduler turns job submissions into placed, partitioned,
// dispatched tasks.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flotillahq/flotilla/internal/models"
	"github.com/flotillahq/flotilla/internal/state"
	"github.com/flotillahq/flotilla/internal/transport"
	"github.com/flotillahq/flotilla/internal/workload"
)

// Common errors returned by Submit. Neither mutates any state.
var (
	ErrInsufficientNodes = errors.New("not enough active nodes")
	ErrUnknownTaskType   = errors.New("unknown task type")
	ErrInvalidNodeCount  = errors.New("node count must be at least 1")
)

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	Type           models.TaskType
	NumNodes       int
	UserID         string
	Priority       string
	PreferredClass models.AffinityClass
}

// Scheduler selects nodes, partitions jobs into subtasks, and dispatches
// them. Selection and record creation run inside the state owner's critical
// section; dispatch I/O happens afterwards, once the records are already
// queryable, so a result arriving immediately after dispatch is never
// rejected as unknown.
type Scheduler struct {
	state       *state.State
	workloads   *workload.Registry
	broadcaster transport.TaskBroadcaster
	queue       transport.DurableQueue
	logger      *slog.Logger
}

// New creates a Scheduler. queue may be nil when no durable mirror is
// configured.
func New(st *state.State, workloads *workload.Registry, broadcaster transport.TaskBroadcaster, queue transport.DurableQueue, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		state:       st,
		workloads:   workloads,
		broadcaster: broadcaster,
		queue:       queue,
		logger:      logger,
	}
}

// dispatchSlot captures one subtask's addressing and slice bounds for use
// outside the critical section.
type dispatchSlot struct {
	subtaskID string
	nodeID    string
	rng       models.UnitRange
}

// Submit places one job and dispatches its subtasks. It returns the new task
// id, or ErrUnknownTaskType / ErrInsufficientNodes without creating anything.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.NumNodes < 1 {
		return "", ErrInvalidNodeCount
	}
	wl, ok := s.workloads.Get(req.Type)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTaskType, req.Type)
	}

	job, err := wl.NewJob()
	if err != nil {
		return "", fmt.Errorf("generating %s job: %w", req.Type, err)
	}

	taskID := uuid.New().String()
	var slots []dispatchSlot

	task, err := s.state.PlaceTask(func(active []models.NodeRecord) (*models.TaskRecord, error) {
		sel, err := SelectNodes(active, req.NumNodes, req.PreferredClass)
		if err != nil {
			return nil, err
		}
		if sel.Mixed {
			s.logger.Warn("mixing node classes for task",
				"task_id", taskID,
				"num_nodes", req.NumNodes,
			)
		}

		ranges := Partition(job.TotalUnits(), req.NumNodes)
		task := &models.TaskRecord{
			ID:        taskID,
			Type:      req.Type,
			NumNodes:  req.NumNodes,
			UserID:    req.UserID,
			Priority:  req.Priority,
			Class:     sel.Class,
			Mixed:     sel.Mixed,
			Status:    models.TaskPending,
			Subtasks:  make(map[string]*models.SubtaskRecord, req.NumNodes),
			Results:   make(map[string]json.RawMessage, req.NumNodes),
			CreatedAt: time.Now(),
		}
		for i, rng := range ranges {
			subID := models.SubtaskID(taskID, i)
			task.SubtaskOrder = append(task.SubtaskOrder, subID)
			task.Subtasks[subID] = &models.SubtaskRecord{
				ID:     subID,
				Index:  i,
				NodeID: sel.NodeIDs[i],
				Status: models.SubtaskPending,
				Range:  rng,
			}
			slots = append(slots, dispatchSlot{subtaskID: subID, nodeID: sel.NodeIDs[i], rng: rng})
		}
		return task, nil
	})
	if err != nil {
		return "", err
	}

	s.dispatch(ctx, task.ID, req.Type, job, slots)

	s.logger.Info("task submitted",
		"task_id", task.ID,
		"type", req.Type,
		"num_nodes", req.NumNodes,
		"class", task.Class,
		"user_id", req.UserID,
	)
	return task.ID, nil
}

// dispatch publishes every subtask on the broadcast channel and mirrors it
// onto the durable queue. Both paths are best-effort at this point: the
// records are committed, and a delivery gap surfaces as a task that never
// completes rather than as a submission error.
func (s *Scheduler) dispatch(ctx context.Context, taskID string, taskType models.TaskType, job workload.Job, slots []dispatchSlot) {
	for _, slot := range slots {
		data, err := job.Slice(slot.rng.Start, slot.rng.End)
		if err != nil {
			s.logger.Error("slicing subtask payload failed",
				"task_id", taskID,
				"subtask_id", slot.subtaskID,
				"error", err,
			)
			continue
		}
		msg := &models.TaskDispatch{
			TaskID:    taskID,
			SubtaskID: slot.subtaskID,
			NodeID:    slot.nodeID,
			Type:      taskType,
			Data:      data,
		}
		if err := s.broadcaster.Broadcast(ctx, msg); err != nil {
			s.logger.Error("task broadcast failed",
				"task_id", taskID,
				"subtask_id", slot.subtaskID,
				"error", err,
			)
		}
		if s.queue == nil {
			continue
		}
		if err := s.queue.Enqueue(ctx, msg); err != nil {
			// Redundancy path only: degrade to broadcast-only.
			s.logger.Warn("durable queue mirror failed",
				"task_id", taskID,
				"subtask_id", slot.subtaskID,
				"error", err,
			)
		}
	}

	if s.queue == nil {
		return
	}
	// An ever-growing mirror means no drain is running; surface the depth
	// so that shows up in the logs rather than only in Redis.
	if depth, err := s.queue.QueueDepth(ctx); err == nil {
		s.logger.Info("durable queue mirrored",
			"task_id", taskID,
			"queue_depth", depth,
		)
	}
}
