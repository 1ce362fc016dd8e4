package scheduler

import (
	"github.com/flotillahq/flotilla/internal/models"
)

// Partition splits total work units into n contiguous, non-overlapping ranges
// covering [0, total) exactly once. The first n-1 ranges each get total/n
// units; the last range absorbs the remainder. n must be at least 1.
func Partition(total, n int) []models.UnitRange {
	chunk := total / n
	ranges := make([]models.UnitRange, n)
	for i := 0; i < n-1; i++ {
		ranges[i] = models.UnitRange{Start: i * chunk, End: (i + 1) * chunk}
	}
	ranges[n-1] = models.UnitRange{Start: (n - 1) * chunk, End: total}
	return ranges
}
