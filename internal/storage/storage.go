// Package storage defines the outcome ledger: one row per file per run, kept across runs so
// that previous results can be listed and reported.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xsx123123/EBIDownload/internal/transfer"
)

var ErrNotFound = errors.New("outcome not found")

// OutcomeRecord is the persisted form of a transfer.Outcome.
type OutcomeRecord struct {
	RunUUID      string    `json:"run_uuid"`
	DescriptorID string    `json:"descriptor_id"`
	RunAccession string    `json:"run_accession"`
	Sample       string    `json:"sample"`
	Dest         string    `json:"dest"`
	MD5          string    `json:"md5,omitempty"`
	Kind         string    `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	Fallback     string    `json:"fallback,omitempty"`
	Bytes        int64     `json:"bytes"`
	DurationMS   int64     `json:"duration_ms"`
	FinishedAt   time.Time `json:"finished_at"`
}

// NewOutcomeRecord converts an outcome of the given run.
func NewOutcomeRecord(runUUID string, o transfer.Outcome, finishedAt time.Time) OutcomeRecord {
	return OutcomeRecord{
		RunUUID:      runUUID,
		DescriptorID: o.Descriptor.ID,
		RunAccession: o.Descriptor.RunID,
		Sample:       o.Descriptor.SampleID,
		Dest:         o.Descriptor.Dest,
		MD5:          o.Descriptor.MD5,
		Kind:         string(o.Kind),
		Reason:       o.Reason(),
		Fallback:     o.Fallback,
		Bytes:        o.Bytes,
		DurationMS:   o.Duration.Milliseconds(),
		FinishedAt:   finishedAt.UTC(),
	}
}

type OutcomeReadRepository interface {
	ListOutcomes(ctx context.Context, runUUID string) ([]OutcomeRecord, error)
	LastOutcome(ctx context.Context, descriptorID string) (OutcomeRecord, error)
}

type OutcomeWriteRepository interface {
	RecordOutcome(ctx context.Context, rec OutcomeRecord) error
}

type OutcomeRepository interface {
	OutcomeReadRepository
	OutcomeWriteRepository
}
