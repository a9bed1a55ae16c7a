package transfer

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"
)

// RangeSource opens a byte range of a remote file. Implementations must return a reader
// positioned at offset that yields at most length bytes.
type RangeSource interface {
	OpenRange(ctx context.Context, d *Descriptor, offset, length int64) (io.ReadCloser, error)
}

// Descriptor identifies one remote file and where it must land locally.
type Descriptor struct {
	ID       string
	RunID    string
	SampleID string

	// Either URL or Bucket+Key locates the remote object.
	URL    string
	Bucket string
	Key    string

	Size int64
	MD5  string
	Dest string
	Mate int
}

// Name is the destination file name.
func (d *Descriptor) Name() string {
	return filepath.Base(d.Dest)
}

// Locator is a printable form of the remote location.
func (d *Descriptor) Locator() string {
	if d.Bucket != "" {
		return d.Bucket + "#" + d.Key
	}

	return d.URL
}

// HasChecksum reports whether a reference MD5 is available.
func (d *Descriptor) HasChecksum() bool {
	return d.MD5 != ""
}

type OutcomeKind string

const (
	OutcomeVerified            OutcomeKind = "verified"
	OutcomeCompletedUnverified OutcomeKind = "completed_unverified"
	OutcomeFailedPrimary       OutcomeKind = "failed_primary"
	OutcomeFailedFallback      OutcomeKind = "failed_fallback"
	OutcomeSkipped             OutcomeKind = "skipped"
	OutcomeInterrupted         OutcomeKind = "interrupted"
)

// OutcomeKinds lists every kind in reporting order.
var OutcomeKinds = []OutcomeKind{
	OutcomeVerified,
	OutcomeCompletedUnverified,
	OutcomeFailedPrimary,
	OutcomeFailedFallback,
	OutcomeSkipped,
	OutcomeInterrupted,
}

// IsFailure reports whether the kind is a failed terminal state.
func (k OutcomeKind) IsFailure() bool {
	return k == OutcomeFailedPrimary || k == OutcomeFailedFallback
}

// IsComplete reports whether the file is fully present on disk.
func (k OutcomeKind) IsComplete() bool {
	return k == OutcomeVerified || k == OutcomeCompletedUnverified
}

// Outcome is the terminal result of one descriptor.
type Outcome struct {
	Descriptor Descriptor
	Kind       OutcomeKind
	Err        error
	Warning    error
	Bytes      int64
	Duration   time.Duration
	Fallback   string
}

// Reason is a one-line explanation suitable for manifests.
func (o *Outcome) Reason() string {
	switch {
	case o.Err != nil:
		return o.Err.Error()
	case o.Warning != nil:
		return o.Warning.Error()
	default:
		return ""
	}
}

func (o *Outcome) String() string {
	if r := o.Reason(); r != "" {
		return fmt.Sprintf("%s %s: %s", o.Descriptor.ID, o.Kind, r)
	}

	return fmt.Sprintf("%s %s", o.Descriptor.ID, o.Kind)
}

// Summary aggregates the outcomes of a scheduler run.
type Summary struct {
	Outcomes []Outcome
	Counts   map[OutcomeKind]int
}

func NewSummary(outcomes []Outcome) *Summary {
	s := &Summary{
		Outcomes: outcomes,
		Counts:   make(map[OutcomeKind]int, len(OutcomeKinds)),
	}

	for _, o := range outcomes {
		s.Counts[o.Kind]++
	}

	return s
}

// Failed reports whether any file ended in a failed terminal state.
func (s *Summary) Failed() bool {
	return s.Counts[OutcomeFailedPrimary] > 0 || s.Counts[OutcomeFailedFallback] > 0
}

// Interrupted reports whether the run was cut short by cancellation.
func (s *Summary) Interrupted() bool {
	return s.Counts[OutcomeInterrupted] > 0
}

// Bytes is the total number of bytes transferred in this run.
func (s *Summary) Bytes() int64 {
	var total int64
	for _, o := range s.Outcomes {
		total += o.Bytes
	}

	return total
}
