package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskType identifies a registered workload.
type TaskType string

// TaskStatus is the overall state of a submitted task. There are no
// intermediate states: a task is pending until every subtask has reported a
// successful result.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
)

// SubtaskStatus is the state of a single partition of a task.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

// UnitRange is a contiguous half-open slice [Start, End) of a job's total
// work units.
type UnitRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Units returns the number of work units in the range.
func (r UnitRange) Units() int {
	return r.End - r.Start
}

// SubtaskID builds the identity of one partition of a task.
func SubtaskID(taskID string, index int) string {
	return fmt.Sprintf("%s_%d", taskID, index)
}

// SubtaskRecord tracks one node-sized partition of a task. Exactly one record
// exists per partition; the assignment never changes after creation, only the
// status does.
type SubtaskRecord struct {
	ID     string        `json:"id"`
	Index  int           `json:"index"`
	NodeID string        `json:"node_id"`
	Status SubtaskStatus `json:"status"`
	Range  UnitRange     `json:"range"`
}

// TaskRecord is the coordinator's bookkeeping for one submitted task. The
// subtask set is created together with the record and never grows or shrinks.
// Results are keyed by subtask id rather than appended, so storage is
// independent of arrival order; SubtaskOrder preserves partition order for
// reassembly.
type TaskRecord struct {
	ID       string   `json:"id"`
	Type     TaskType `json:"type"`
	NumNodes int      `json:"num_nodes"`
	UserID   string   `json:"user_id"`
	Priority string   `json:"priority,omitempty"`

	// Class is the affinity class of the selected nodes. Mixed is set when
	// no single class could satisfy the request and the selection spans
	// classes.
	Class AffinityClass `json:"class"`
	Mixed bool          `json:"mixed,omitempty"`

	Status       TaskStatus                 `json:"status"`
	SubtaskOrder []string                   `json:"subtask_order"`
	Subtasks     map[string]*SubtaskRecord  `json:"subtasks"`
	Results      map[string]json.RawMessage `json:"-"`
	CreatedAt    time.Time                  `json:"created_at"`
}
