package downloader

import (
	"errors"
	"fmt"
)

var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// Range is a half-open byte interval [Start, End).
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r Range) Len() int64 {
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Plan splits [0, size) into contiguous ranges of chunkSize bytes; the last one may be short.
// A zero-size file yields a single empty range.
func Plan(size, chunkSize int64) ([]Range, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}

	if size < 0 {
		return nil, fmt.Errorf("file size must not be negative, got %d", size)
	}

	if size == 0 {
		return []Range{{Start: 0, End: 0}}, nil
	}

	n := (size + chunkSize - 1) / chunkSize
	ranges := make([]Range, 0, n)

	for start := int64(0); start < size; start += chunkSize {
		ranges = append(ranges, Range{Start: start, End: min(start+chunkSize, size)})
	}

	return ranges, nil
}
