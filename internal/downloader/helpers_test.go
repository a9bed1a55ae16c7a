package downloader

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/xsx123123/EBIDownload/internal/transfer"
)

// memSource serves descriptors from memory and lets tests inject failures per call.
type memSource struct {
	mu       sync.Mutex
	data     map[string][]byte
	calls    map[Range]int
	total    int
	inFlight int
	maxIn    int

	// fail is consulted before serving; attempt starts at 1 for each range.
	fail func(d *transfer.Descriptor, r Range, attempt int) error
}

func newMemSource() *memSource {
	return &memSource{
		data:  make(map[string][]byte),
		calls: make(map[Range]int),
	}
}

func (s *memSource) add(id string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[id] = content
}

func (s *memSource) OpenRange(ctx context.Context, d *transfer.Descriptor, offset, length int64) (io.ReadCloser, error) {
	r := Range{Start: offset, End: offset + length}

	s.mu.Lock()
	s.calls[r]++
	s.total++
	attempt := s.calls[r]
	content := s.data[d.ID]
	fail := s.fail
	s.mu.Unlock()

	if fail != nil {
		if err := fail(d, r, attempt); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return io.NopCloser(bytes.NewReader(content[offset : offset+length])), nil
}

func (s *memSource) callsFor(r Range) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[r]
}

func (s *memSource) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.total
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)

	return b
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func testDescriptor(t *testing.T, dir, id string, content []byte) transfer.Descriptor {
	t.Helper()

	return transfer.Descriptor{
		ID:       id,
		RunID:    id,
		SampleID: "sample_" + id,
		URL:      "https://example.org/" + id,
		Size:     int64(len(content)),
		MD5:      md5Hex(content),
		Dest:     filepath.Join(dir, id+".fastq.gz"),
	}
}

func testOptions(chunkSize int64) Options {
	return Options{
		ChunkSize:      chunkSize,
		ThreadsPerFile: 4,
		RetryAttempts:  3,
	}
}

// stateRecorder collects transitions per descriptor.
type stateRecorder struct {
	mu     sync.Mutex
	states map[string][]FileState
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{states: make(map[string][]FileState)}
}

func (r *stateRecorder) hook(d *transfer.Descriptor, _, to FileState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states[d.ID] = append(r.states[d.ID], to)
}

func (r *stateRecorder) of(id string) []FileState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]FileState(nil), r.states[id]...)
}

// shortOnceSource truncates the first response it serves.
type shortOnceSource struct {
	*memSource

	mu    *sync.Mutex
	short *bool
}

func (s *shortOnceSource) OpenRange(ctx context.Context, d *transfer.Descriptor, offset, length int64) (io.ReadCloser, error) {
	rc, err := s.memSource.OpenRange(ctx, d, offset, length)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if *s.short {
		*s.short = false
		return io.NopCloser(io.LimitReader(rc, length/2)), nil
	}

	return rc, nil
}
