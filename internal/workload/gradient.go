package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/flotillahq/flotilla/internal/models"
)

// TypeGradient is the sample-partitioned gradient computation workload.
const TypeGradient models.TaskType = "gradient"

// Default dimensions for a generated gradient job.
const (
	DefaultGradientSamples  = 1000
	DefaultGradientFeatures = 784
	DefaultGradientClasses  = 10
)

// Gradient computes softmax cross-entropy gradients for a single dense layer
// over per-sample slices of a batch. Every node starts from the same
// zero-initialized parameters, so the combined answer is the element-wise
// mean of the per-slice gradients.
type Gradient struct {
	samples, features, classes int
}

// NewGradient creates a gradient workload over samples×features inputs with
// the given class count.
func NewGradient(samples, features, classes int) *Gradient {
	return &Gradient{samples: samples, features: features, classes: classes}
}

// Type implements Workload.
func (g *Gradient) Type() models.TaskType { return TypeGradient }

type gradientJob struct {
	inputs  [][]float64
	targets []int
	classes int
}

// gradientPayload is one node's slice of the sample batch.
type gradientPayload struct {
	Inputs  [][]float64 `json:"inputs"`
	Targets []int       `json:"targets"`
	Classes int         `json:"classes"`
}

// gradientResult holds the named gradient tensors for one slice.
type gradientResult struct {
	Weight [][]float64 `json:"weight"`
	Bias   []float64   `json:"bias"`
}

// NewJob implements Workload, generating a random sample batch.
func (g *Gradient) NewJob() (Job, error) {
	inputs := randomMatrix(g.samples, g.features)
	targets := make([]int, g.samples)
	for i := range targets {
		targets[i] = rand.IntN(g.classes)
	}
	return &gradientJob{inputs: inputs, targets: targets, classes: g.classes}, nil
}

func (j *gradientJob) TotalUnits() int { return len(j.inputs) }

func (j *gradientJob) Slice(start, end int) (json.RawMessage, error) {
	if start < 0 || end > len(j.inputs) || start > end {
		return nil, fmt.Errorf("sample range [%d, %d) out of bounds for %d samples", start, end, len(j.inputs))
	}
	return json.Marshal(gradientPayload{
		Inputs:  j.inputs[start:end],
		Targets: j.targets[start:end],
		Classes: j.classes,
	})
}

// Execute implements Workload: one backward pass over the slice. Parameters
// are zero-initialized, so the softmax is uniform and the gradient depends
// only on the slice data.
func (g *Gradient) Execute(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p gradientPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding gradient payload: %w", err)
	}
	if len(p.Inputs) == 0 {
		return nil, fmt.Errorf("empty sample slice")
	}
	if len(p.Inputs) != len(p.Targets) {
		return nil, fmt.Errorf("%d inputs but %d targets", len(p.Inputs), len(p.Targets))
	}
	classes := p.Classes
	if classes < 2 {
		return nil, fmt.Errorf("invalid class count %d", classes)
	}
	features := len(p.Inputs[0])

	weight := make([][]float64, classes)
	for c := range weight {
		weight[c] = make([]float64, features)
	}
	bias := make([]float64, classes)

	// With zero parameters every logit is 0 and the softmax is uniform:
	// dlogit_c = 1/classes - onehot(target)_c per sample.
	uniform := 1.0 / float64(classes)
	n := float64(len(p.Inputs))
	for i, x := range p.Inputs {
		if len(x) != features {
			return nil, fmt.Errorf("ragged input at sample %d", i)
		}
		target := p.Targets[i]
		if target < 0 || target >= classes {
			return nil, fmt.Errorf("target %d out of range at sample %d", target, i)
		}
		for c := 0; c < classes; c++ {
			dlogit := uniform
			if c == target {
				dlogit -= 1.0
			}
			bias[c] += dlogit / n
			row := weight[c]
			for k, xk := range x {
				row[k] += dlogit * xk / n
			}
		}
	}

	return json.Marshal(gradientResult{Weight: weight, Bias: bias})
}

// Combine implements Workload: element-wise mean across all slices'
// gradients.
func (g *Gradient) Combine(parts []json.RawMessage) (json.RawMessage, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("no gradient results to combine")
	}

	var sum gradientResult
	for i, part := range parts {
		var res gradientResult
		if err := json.Unmarshal(part, &res); err != nil {
			return nil, fmt.Errorf("decoding gradient result %d: %w", i, err)
		}
		if i == 0 {
			sum = res
			continue
		}
		if len(res.Weight) != len(sum.Weight) || len(res.Bias) != len(sum.Bias) {
			return nil, fmt.Errorf("gradient result %d has mismatched shape", i)
		}
		for c := range sum.Weight {
			if len(res.Weight[c]) != len(sum.Weight[c]) {
				return nil, fmt.Errorf("gradient result %d has mismatched shape", i)
			}
			for k := range sum.Weight[c] {
				sum.Weight[c][k] += res.Weight[c][k]
			}
			sum.Bias[c] += res.Bias[c]
		}
	}

	n := float64(len(parts))
	for c := range sum.Weight {
		for k := range sum.Weight[c] {
			sum.Weight[c][k] /= n
		}
		sum.Bias[c] /= n
	}
	return json.Marshal(sum)
}
