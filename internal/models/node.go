// Package models defines the data types shared by the coordinator and worker agents.
package models

import "time"

// AffinityClass is a coarse grouping of worker nodes derived from identity or
// address at registration time. The scheduler prefers nodes from a single
// class so one task never mixes heterogeneous hardware unless it has to.
type AffinityClass string

const (
	ClassA       AffinityClass = "classA"
	ClassB       AffinityClass = "classB"
	ClassUnknown AffinityClass = "unknown"
)

// ClassPriority is the fixed order in which affinity classes are considered
// during node selection. Selection walks this order, so placement is
// reproducible for a given registry state.
var ClassPriority = []AffinityClass{ClassA, ClassB, ClassUnknown}

// NodeStatus represents the liveness state of a registered node.
type NodeStatus string

const (
	NodeActive       NodeStatus = "active"
	NodeUnresponsive NodeStatus = "unresponsive"
)

// NodeRecord represents a worker node known to the coordinator.
type NodeRecord struct {
	ID           string         `json:"id"`
	Address      string         `json:"address"`
	Capabilities map[string]any `json:"capabilities"`
	Class        AffinityClass  `json:"class"`
	Status       NodeStatus     `json:"status"`
	LastSeen     time.Time      `json:"last_seen"`
	RegisteredAt time.Time      `json:"registered_at"`
}
