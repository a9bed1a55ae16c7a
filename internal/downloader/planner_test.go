package downloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_Partition(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		chunkSize int64
		wantCount int
	}{
		{name: "exact multiple", size: 900, chunkSize: 300, wantCount: 3},
		{name: "short last chunk", size: 1000, chunkSize: 300, wantCount: 4},
		{name: "single chunk", size: 10, chunkSize: 300, wantCount: 1},
		{name: "one byte chunks", size: 7, chunkSize: 1, wantCount: 7},
		{name: "chunk equals size", size: 300, chunkSize: 300, wantCount: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranges, err := Plan(tt.size, tt.chunkSize)
			require.NoError(t, err)
			require.Len(t, ranges, tt.wantCount)

			var next, covered int64
			for i, r := range ranges {
				assert.Equal(t, next, r.Start, "range %d must start where the previous ended", i)
				assert.Greater(t, r.End, r.Start)
				assert.LessOrEqual(t, r.Len(), tt.chunkSize)

				if i < len(ranges)-1 {
					assert.Equal(t, tt.chunkSize, r.Len(), "only the last range may be short")
				}

				next = r.End
				covered += r.Len()
			}

			assert.Equal(t, tt.size, next)
			assert.Equal(t, tt.size, covered)

			again, err := Plan(tt.size, tt.chunkSize)
			require.NoError(t, err)
			assert.Equal(t, ranges, again)
		})
	}
}

func TestPlan_ZeroSize(t *testing.T) {
	ranges, err := Plan(0, 300)
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: 0, End: 0}}, ranges)
}

func TestPlan_Invalid(t *testing.T) {
	_, err := Plan(100, 0)
	require.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = Plan(100, -5)
	require.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = Plan(-1, 10)
	require.Error(t, err)
}

func TestPlan_1000By300(t *testing.T) {
	ranges, err := Plan(1000, 300)
	require.NoError(t, err)

	assert.Equal(t, []Range{
		{Start: 0, End: 300},
		{Start: 300, End: 600},
		{Start: 600, End: 900},
		{Start: 900, End: 1000},
	}, ranges)
}
