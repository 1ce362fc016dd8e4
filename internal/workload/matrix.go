package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/flotillahq/flotilla/internal/models"
)

// TypeMatrixMult is the row-partitioned matrix multiplication workload.
const TypeMatrixMult models.TaskType = "matrix_mult"

// Default dimensions for a generated matrix multiplication job.
const (
	DefaultMatrixRows  = 1000
	DefaultMatrixInner = 1000
	DefaultMatrixCols  = 1000
)

// MatrixMult multiplies a row-sliced left operand against the full right
// operand on each node. The unit of partitioning is one row of A; results are
// combined by concatenating row blocks in partition order.
type MatrixMult struct {
	rows, inner, cols int
}

// NewMatrixMult creates a matrix multiplication workload for A (rows×inner)
// times B (inner×cols).
func NewMatrixMult(rows, inner, cols int) *MatrixMult {
	return &MatrixMult{rows: rows, inner: inner, cols: cols}
}

// Type implements Workload.
func (m *MatrixMult) Type() models.TaskType { return TypeMatrixMult }

type matrixJob struct {
	a [][]float64
	b [][]float64
}

// matrixPayload is one node's slice: its rows of A plus the full B.
type matrixPayload struct {
	MatrixAChunk [][]float64 `json:"matrix_a_chunk"`
	MatrixB      [][]float64 `json:"matrix_b"`
}

// NewJob implements Workload, generating random operands.
func (m *MatrixMult) NewJob() (Job, error) {
	return &matrixJob{
		a: randomMatrix(m.rows, m.inner),
		b: randomMatrix(m.inner, m.cols),
	}, nil
}

func (j *matrixJob) TotalUnits() int { return len(j.a) }

func (j *matrixJob) Slice(start, end int) (json.RawMessage, error) {
	if start < 0 || end > len(j.a) || start > end {
		return nil, fmt.Errorf("row range [%d, %d) out of bounds for %d rows", start, end, len(j.a))
	}
	return json.Marshal(matrixPayload{
		MatrixAChunk: j.a[start:end],
		MatrixB:      j.b,
	})
}

// Execute implements Workload: multiply the row chunk by B.
func (m *MatrixMult) Execute(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p matrixPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding matrix payload: %w", err)
	}
	product, err := matMul(p.MatrixAChunk, p.MatrixB)
	if err != nil {
		return nil, err
	}
	return json.Marshal(product)
}

// Combine implements Workload: stack the row blocks in partition order.
func (m *MatrixMult) Combine(parts []json.RawMessage) (json.RawMessage, error) {
	var combined [][]float64
	for i, part := range parts {
		var block [][]float64
		if err := json.Unmarshal(part, &block); err != nil {
			return nil, fmt.Errorf("decoding result block %d: %w", i, err)
		}
		combined = append(combined, block...)
	}
	return json.Marshal(combined)
}

func matMul(a, b [][]float64) ([][]float64, error) {
	if len(a) == 0 {
		return [][]float64{}, nil
	}
	inner := len(a[0])
	if len(b) != inner {
		return nil, fmt.Errorf("dimension mismatch: a is ?x%d, b has %d rows", inner, len(b))
	}
	cols := len(b[0])

	out := make([][]float64, len(a))
	for i, row := range a {
		if len(row) != inner {
			return nil, fmt.Errorf("ragged left operand at row %d", i)
		}
		out[i] = make([]float64, cols)
		for k, aik := range row {
			if aik == 0 {
				continue
			}
			for j, bkj := range b[k] {
				out[i][j] += aik * bkj
			}
		}
	}
	return out, nil
}

func randomMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = rand.Float64()
		}
	}
	return m
}
