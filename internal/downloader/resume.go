package downloader

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

const resumeSuffix = ".resume.json"

// ResumePath is the sidecar path for a destination file.
func ResumePath(dest string) string {
	return dest + resumeSuffix
}

// ResumeState records which ranges of a destination file are durably written.
// It is shared by the chunk workers of one file.
type ResumeState struct {
	mu   sync.Mutex
	path string

	TotalSize int64   `json:"total_size"`
	ChunkSize int64   `json:"chunk_size"`
	Done      []Range `json:"done"`
}

func NewResumeState(dest string, totalSize, chunkSize int64) *ResumeState {
	return &ResumeState{
		path:      ResumePath(dest),
		TotalSize: totalSize,
		ChunkSize: chunkSize,
	}
}

// LoadResumeState reads the sidecar of dest. It returns (nil, nil) when there is none.
func LoadResumeState(dest string) (*ResumeState, error) {
	path := ResumePath(dest)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read resume state: %w", err)
	}

	var rs ResumeState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode resume state %s: %w", path, err)
	}

	rs.path = path

	return &rs, nil
}

// IsDone reports whether r was recorded.
func (rs *ResumeState) IsDone(r Range) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return slices.Contains(rs.Done, r)
}

// DoneBytes is the number of bytes covered by recorded ranges.
func (rs *ResumeState) DoneBytes() int64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var n int64
	for _, r := range rs.Done {
		n += r.Len()
	}

	return n
}

// MarkDone records r and persists the sidecar. Callers must have synced the bytes of r first.
func (rs *ResumeState) MarkDone(r Range) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if slices.Contains(rs.Done, r) {
		return nil
	}

	rs.Done = append(rs.Done, r)
	slices.SortFunc(rs.Done, func(a, b Range) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		default:
			return 0
		}
	})

	return rs.persist()
}

// Save writes the sidecar even when no range is done yet.
func (rs *ResumeState) Save() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return rs.persist()
}

// persist replaces the sidecar atomically so a crash never leaves a torn file.
func (rs *ResumeState) persist() error {
	data, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("failed to encode resume state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(rs.path), filepath.Base(rs.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create resume state: %w", err)
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write resume state: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync resume state: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close resume state: %w", err)
	}

	if err := os.Rename(tmp.Name(), rs.path); err != nil {
		return fmt.Errorf("failed to replace resume state: %w", err)
	}

	return nil
}

// RemoveResumeState deletes the sidecar of dest if present.
func RemoveResumeState(dest string) error {
	if err := os.Remove(ResumePath(dest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove resume state: %w", err)
	}

	return nil
}
