// Package workload defines the pluggable task executor contract and the
// built-in workload types. A workload owns everything type-specific: input
// generation, payload slicing, per-node execution, and the rule for combining
// subtask results back into one answer. The coordinator and agent stay
// generic; new types register here without touching scheduling or
// aggregation logic.
package workload

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/flotillahq/flotilla/internal/models"
)

// Workload is the per-type contract between the coordinator and the agents.
type Workload interface {
	// Type returns the task type this workload serves.
	Type() models.TaskType

	// NewJob generates one job instance: the full input data and the total
	// unit count the partitioner splits.
	NewJob() (Job, error)

	// Execute runs one subtask payload on an agent and returns the result
	// payload.
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

	// Combine reassembles subtask results given in partition-index order
	// into the task's final answer. It must depend only on that order,
	// never on delivery order.
	Combine(parts []json.RawMessage) (json.RawMessage, error)
}

// Job is one generated input, sliceable into contiguous per-node payloads.
type Job interface {
	// TotalUnits is the unit count T the partitioner divides.
	TotalUnits() int

	// Slice returns the payload for units [start, end).
	Slice(start, end int) (json.RawMessage, error)
}

// Registry maps task types to workloads.
type Registry struct {
	mu    sync.RWMutex
	types map[models.TaskType]Workload
}

// NewRegistry creates an empty workload registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[models.TaskType]Workload)}
}

// Register adds or replaces a workload.
func (r *Registry) Register(w Workload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[w.Type()] = w
}

// Get looks up the workload for a task type.
func (r *Registry) Get(t models.TaskType) (Workload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.types[t]
	return w, ok
}

// Types returns the registered task types.
func (r *Registry) Types() []models.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.TaskType, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	return out
}

// Default returns a registry with the built-in workloads registered.
func Default() *Registry {
	r := NewRegistry()
	r.Register(NewMatrixMult(DefaultMatrixRows, DefaultMatrixInner, DefaultMatrixCols))
	r.Register(NewGradient(DefaultGradientSamples, DefaultGradientFeatures, DefaultGradientClasses))
	return r
}
