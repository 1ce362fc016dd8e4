// Package state owns the coordinator's shared mutable records: the node
// registry and all task/subtask bookkeeping. Both live behind a single mutex
// and every read or write passes through one of the atomic operations below;
// the underlying maps never escape the package. Handlers for the registration,
// heartbeat, result, and submission channels all run concurrently against
// this one component.
package state

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flotillahq/flotilla/internal/models"
)

// ErrTaskExists is returned when a placement plan produces a task id that is
// already recorded.
var ErrTaskExists = errors.New("task already exists")

// AcceptOutcome describes what AcceptResult did with a result message.
type AcceptOutcome int

const (
	// AcceptUnknownTask means the message referenced a task id the
	// coordinator has never seen. The message is dropped.
	AcceptUnknownTask AcceptOutcome = iota
	// AcceptUnknownSubtask means the task exists but the subtask id does
	// not belong to it. The message is dropped.
	AcceptUnknownSubtask
	// AcceptNodeMismatch means the result was reported by a node other
	// than the subtask's assignee. The message is dropped.
	AcceptNodeMismatch
	// AcceptStale means an error arrived for a subtask that already holds
	// a success. The success stands; the message is dropped.
	AcceptStale
	// AcceptFailed means an error result was recorded and the subtask is
	// now failed.
	AcceptFailed
	// AcceptStored means a success result was recorded but the task is not
	// (newly) complete.
	AcceptStored
	// AcceptTaskCompleted means this result completed the task's last
	// outstanding subtask.
	AcceptTaskCompleted
)

// State is the coordinator's single state owner.
type State struct {
	mu sync.Mutex

	nodes map[string]*models.NodeRecord
	// nodeOrder holds node ids in registration order. Selection iterates
	// this order, which keeps placement deterministic for a fixed registry.
	nodeOrder []string

	tasks map[string]*models.TaskRecord

	logger *slog.Logger
}

// New creates an empty State.
func New(logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		nodes:  make(map[string]*models.NodeRecord),
		tasks:  make(map[string]*models.TaskRecord),
		logger: logger,
	}
}

// Classify derives a node's affinity class from its id and address hint.
// The match is a case-insensitive substring check against the known class
// markers; anything else lands in ClassUnknown.
func Classify(id, addrHint string) models.AffinityClass {
	s := strings.ToLower(id + " " + addrHint)
	switch {
	case strings.Contains(s, strings.ToLower(string(models.ClassA))):
		return models.ClassA
	case strings.Contains(s, strings.ToLower(string(models.ClassB))):
		return models.ClassB
	}
	return models.ClassUnknown
}

// Register inserts or overwrites the record for a node and returns its
// affinity class. Re-registering an existing id replaces its capabilities and
// refreshes liveness; the node keeps its position in registration order.
func (s *State) Register(id string, capabilities map[string]any, addrHint string) models.AffinityClass {
	class := Classify(id, addrHint)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, known := s.nodes[id]
	rec := &models.NodeRecord{
		ID:           id,
		Address:      addrHint,
		Capabilities: capabilities,
		Class:        class,
		Status:       models.NodeActive,
		LastSeen:     now,
		RegisteredAt: now,
	}
	if known {
		rec.RegisteredAt = prev.RegisteredAt
	} else {
		s.nodeOrder = append(s.nodeOrder, id)
	}
	s.nodes[id] = rec
	return class
}

// Heartbeat refreshes a node's liveness and reports whether the node was
// known. Unknown ids are acknowledged but never inserted: a node must
// register before it may heartbeat.
func (s *State) Heartbeat(id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, known := s.nodes[id]
	if !known {
		return false
	}
	rec.LastSeen = at
	rec.Status = models.NodeActive
	return true
}

// ActiveNodes returns a consistent snapshot of the active nodes in
// registration order, optionally filtered to one affinity class. The returned
// records are copies; callers may hold them without further synchronization.
func (s *State) ActiveNodes(filter models.AffinityClass) []models.NodeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeNodesLocked(filter)
}

func (s *State) activeNodesLocked(filter models.AffinityClass) []models.NodeRecord {
	out := make([]models.NodeRecord, 0, len(s.nodeOrder))
	for _, id := range s.nodeOrder {
		rec := s.nodes[id]
		if rec.Status != models.NodeActive {
			continue
		}
		if filter != "" && rec.Class != filter {
			continue
		}
		out = append(out, copyNode(rec))
	}
	return out
}

// Nodes returns a snapshot of every registered node in registration order.
func (s *State) Nodes() []models.NodeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.NodeRecord, 0, len(s.nodeOrder))
	for _, id := range s.nodeOrder {
		out = append(out, copyNode(s.nodes[id]))
	}
	return out
}

// PlaceTask runs a placement plan inside one critical section: the plan sees
// the live active-node snapshot, and the task record it returns is committed
// before the lock is released. Dispatch must happen after PlaceTask returns,
// never inside the plan, so the records are queryable before the first task
// message leaves the coordinator and an immediate result is never rejected as
// unknown.
func (s *State) PlaceTask(plan func(active []models.NodeRecord) (*models.TaskRecord, error)) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := plan(s.activeNodesLocked(""))
	if err != nil {
		return nil, err
	}
	if _, exists := s.tasks[task.ID]; exists {
		return nil, ErrTaskExists
	}
	s.tasks[task.ID] = task
	return task, nil
}

// AcceptResult records one result message atomically with the task completion
// check. Only the subtask's assigned node may report it. Success payloads are
// keyed by subtask id; a duplicate success overwrites the earlier payload,
// treating the latest delivery as authoritative. Error payloads mark the
// subtask failed and the task stays pending, unless a success already landed
// for that subtask, in which case the late error is dropped.
func (s *State) AcceptResult(taskID, subtaskID, nodeID string, payload json.RawMessage, errMsg string) AcceptOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return AcceptUnknownTask
	}
	sub, ok := task.Subtasks[subtaskID]
	if !ok {
		return AcceptUnknownSubtask
	}
	if sub.NodeID != nodeID {
		return AcceptNodeMismatch
	}

	if errMsg != "" {
		if sub.Status == models.SubtaskCompleted {
			return AcceptStale
		}
		sub.Status = models.SubtaskFailed
		return AcceptFailed
	}

	task.Results[subtaskID] = payload
	sub.Status = models.SubtaskCompleted

	if task.Status == models.TaskCompleted {
		// Redelivery after completion; the overwrite above is all there
		// is to do.
		return AcceptStored
	}
	for _, id := range task.SubtaskOrder {
		if task.Subtasks[id].Status != models.SubtaskCompleted {
			return AcceptStored
		}
	}
	task.Status = models.TaskCompleted
	return AcceptTaskCompleted
}

// TaskView is a read-only copy of the fields needed to report or reassemble a
// task.
type TaskView struct {
	ID     string
	Type   models.TaskType
	Status models.TaskStatus

	// OrderedResults holds each subtask's result payload in partition-index
	// order. Entries are nil until the corresponding subtask reports.
	OrderedResults []json.RawMessage
}

// Task returns a snapshot of one task, or false if the id is unknown.
func (s *State) Task(id string) (TaskView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return TaskView{}, false
	}
	view := TaskView{
		ID:             task.ID,
		Type:           task.Type,
		Status:         task.Status,
		OrderedResults: make([]json.RawMessage, len(task.SubtaskOrder)),
	}
	for i, subID := range task.SubtaskOrder {
		if payload, ok := task.Results[subID]; ok {
			view.OrderedResults[i] = payload
		}
	}
	return view, true
}

// MarkUnresponsive demotes every active node whose last heartbeat is older
// than the cutoff and returns the demoted ids. Demoted nodes are excluded
// from selection until their next heartbeat revives them.
func (s *State) MarkUnresponsive(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var demoted []string
	for _, id := range s.nodeOrder {
		rec := s.nodes[id]
		if rec.Status == models.NodeActive && rec.LastSeen.Before(cutoff) {
			rec.Status = models.NodeUnresponsive
			demoted = append(demoted, id)
		}
	}
	return demoted
}

func copyNode(rec *models.NodeRecord) models.NodeRecord {
	out := *rec
	if rec.Capabilities != nil {
		out.Capabilities = make(map[string]any, len(rec.Capabilities))
		for k, v := range rec.Capabilities {
			out.Capabilities[k] = v
		}
	}
	return out
}
