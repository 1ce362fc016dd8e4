package models

import "encoding/json"

// RegisterRequest is sent once by a starting agent over the registration
// channel.
type RegisterRequest struct {
	NodeID       string         `json:"node_id"`
	Capabilities map[string]any `json:"capabilities"`
	IPAddress    string         `json:"ip_address"`
}

// RegisterResponse acknowledges a registration attempt.
type RegisterResponse struct {
	Status  string        `json:"status"`
	Class   AffinityClass `json:"class,omitempty"`
	Message string        `json:"message,omitempty"`
}

// HeartbeatRequest refreshes a node's liveness timestamp.
type HeartbeatRequest struct {
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatResponse acknowledges a heartbeat. Known is false when the node
// never registered; the heartbeat is acknowledged but not recorded.
type HeartbeatResponse struct {
	Status string `json:"status"`
	Known  bool   `json:"known"`
}

// TaskDispatch is broadcast to all agents on the task channel and mirrored
// onto the durable queue. Only the agent whose id matches NodeID executes it;
// everyone else discards the message.
type TaskDispatch struct {
	TaskID    string          `json:"task_id"`
	SubtaskID string          `json:"subtask_id"`
	NodeID    string          `json:"node_id"`
	Type      TaskType        `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// ResultStatus is the outcome an agent reports for one subtask.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultError     ResultStatus = "error"
)

// ResultMessage carries one subtask's outcome back to the coordinator.
// Delivery is at-least-once and unordered; consumers must be idempotent.
type ResultMessage struct {
	TaskID       string          `json:"task_id"`
	SubtaskID    string          `json:"subtask_id"`
	NodeID       string          `json:"node_id"`
	Status       ResultStatus    `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}
