package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillahq/flotilla/internal/models"
)

func TestPartitionEvenSplit(t *testing.T) {
	ranges := Partition(1000, 2)
	require.Len(t, ranges, 2)
	assert.Equal(t, models.UnitRange{Start: 0, End: 500}, ranges[0])
	assert.Equal(t, models.UnitRange{Start: 500, End: 1000}, ranges[1])
}

func TestPartitionLastRangeAbsorbsRemainder(t *testing.T) {
	ranges := Partition(1000, 3)
	require.Len(t, ranges, 3)
	assert.Equal(t, models.UnitRange{Start: 0, End: 333}, ranges[0])
	assert.Equal(t, models.UnitRange{Start: 333, End: 666}, ranges[1])
	assert.Equal(t, models.UnitRange{Start: 666, End: 1000}, ranges[2])
}

func TestPartitionSingleNode(t *testing.T) {
	ranges := Partition(1000, 1)
	require.Len(t, ranges, 1)
	assert.Equal(t, models.UnitRange{Start: 0, End: 1000}, ranges[0])
}

func TestPartitionOneUnitEach(t *testing.T) {
	ranges := Partition(4, 4)
	for i, r := range ranges {
		assert.Equal(t, models.UnitRange{Start: i, End: i + 1}, r)
	}
}
