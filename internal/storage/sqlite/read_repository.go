package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/xsx123123/EBIDownload/internal/storage"
)

const selectColumns = `
	run_uuid, descriptor_id, run_accession, sample, dest, md5,
	kind, reason, fallback, bytes, duration_ms, finished_at`

type OutcomeReadRepository struct {
	db *sql.DB
}

func NewOutcomeReadRepository(dbConn *sql.DB) *OutcomeReadRepository {
	return &OutcomeReadRepository{db: dbConn}
}

// ListOutcomes returns the outcomes of one run in the order they were recorded.
func (r *OutcomeReadRepository) ListOutcomes(ctx context.Context, runUUID string) ([]storage.OutcomeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM outcomes WHERE run_uuid = ? ORDER BY id`, runUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []storage.OutcomeRecord

	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}

		outcomes = append(outcomes, rec)
	}

	return outcomes, rows.Err()
}

// LastOutcome returns the most recent outcome of a descriptor across runs.
func (r *OutcomeReadRepository) LastOutcome(ctx context.Context, descriptorID string) (storage.OutcomeRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM outcomes WHERE descriptor_id = ? ORDER BY finished_at DESC, id DESC LIMIT 1`,
		descriptorID,
	)

	rec, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.OutcomeRecord{}, storage.ErrNotFound
	}

	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(s scanner) (storage.OutcomeRecord, error) {
	var (
		rec        storage.OutcomeRecord
		accession  sql.NullString
		sample     sql.NullString
		dest       sql.NullString
		md5        sql.NullString
		reason     sql.NullString
		fallback   sql.NullString
		finishedAt string
	)

	err := s.Scan(
		&rec.RunUUID, &rec.DescriptorID, &accession, &sample, &dest, &md5,
		&rec.Kind, &reason, &fallback, &rec.Bytes, &rec.DurationMS, &finishedAt,
	)
	if err != nil {
		return storage.OutcomeRecord{}, err
	}

	rec.RunAccession = accession.String
	rec.Sample = sample.String
	rec.Dest = dest.String
	rec.MD5 = md5.String
	rec.Reason = reason.String
	rec.Fallback = fallback.String

	if t, err := time.Parse(timeFormat, finishedAt); err == nil {
		rec.FinishedAt = t
	}

	return rec, nil
}
