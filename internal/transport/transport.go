// Package transport defines the message channel roles connecting the
// coordinator and its agents, plus the Redis implementation of those roles.
// Registration and heartbeats are request/reply over the HTTP API; everything
// here is the asynchronous half of the protocol: the one-to-many task
// broadcast, the many-to-one result channel, and the durable queue that
// mirrors task dispatch for redundancy. Delivery across the broadcast/queue
// pair is at-least-once and unordered, so every consumer must be idempotent.
package transport

import (
	"context"

	"github.com/flotillahq/flotilla/internal/models"
)

// TaskBroadcaster publishes subtask dispatches to every connected agent.
type TaskBroadcaster interface {
	Broadcast(ctx context.Context, msg *models.TaskDispatch) error
}

// TaskStream is the agent-side subscription to the task broadcast channel.
type TaskStream interface {
	// Tasks returns a channel of decoded dispatches. The channel closes
	// when ctx is cancelled.
	Tasks(ctx context.Context) (<-chan *models.TaskDispatch, error)
}

// ResultPusher sends one subtask result to the coordinator.
type ResultPusher interface {
	Push(ctx context.Context, msg *models.ResultMessage) error
}

// ResultStream is the coordinator-side consumer of the result channel.
type ResultStream interface {
	// Results returns a channel of decoded result messages. The channel
	// closes when ctx is cancelled.
	Results(ctx context.Context) <-chan *models.ResultMessage
}

// DurableQueue mirrors task dispatch onto persistent storage. It is a
// redundancy path: enqueue failures degrade dispatch to broadcast-only and
// must never abort it.
type DurableQueue interface {
	Enqueue(ctx context.Context, msg *models.TaskDispatch) error

	// QueueDepth reports the number of mirrored dispatches awaiting drain.
	QueueDepth(ctx context.Context) (int64, error)
}
