package sqlite

import (
	"context"
	"database/sql"

	"github.com/xsx123123/EBIDownload/internal/storage"
)

// OutcomeWriteRepository implements storage.OutcomeWriteRepository
// and stores outcome records in SQLite.
type OutcomeWriteRepository struct {
	db *sql.DB
}

func NewOutcomeWriteRepository(db *sql.DB) *OutcomeWriteRepository {
	return &OutcomeWriteRepository{db: db}
}

// RecordOutcome upserts the record; a descriptor reported twice in one run keeps the last outcome.
func (r *OutcomeWriteRepository) RecordOutcome(ctx context.Context, rec storage.OutcomeRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO outcomes (
			run_uuid, descriptor_id, run_accession, sample, dest, md5,
			kind, reason, fallback, bytes, duration_ms, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_uuid, descriptor_id) DO UPDATE SET
			kind = excluded.kind,
			reason = excluded.reason,
			fallback = excluded.fallback,
			bytes = excluded.bytes,
			duration_ms = excluded.duration_ms,
			finished_at = excluded.finished_at
	`,
		rec.RunUUID, rec.DescriptorID, rec.RunAccession, rec.Sample, rec.Dest, rec.MD5,
		rec.Kind, rec.Reason, rec.Fallback, rec.Bytes, rec.DurationMS, rec.FinishedAt.UTC().Format(timeFormat),
	)

	return err
}
