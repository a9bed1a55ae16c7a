package sqlite

import (
	"context"
	"database/sql"

	"github.com/xsx123123/EBIDownload/internal/storage"
	"github.com/xsx123123/EBIDownload/internal/telemetry"
)

// InstrumentedOutcomeRepository wraps the SQLite repositories with telemetry.
type InstrumentedOutcomeRepository struct {
	read      *OutcomeReadRepository
	write     *OutcomeWriteRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedOutcomeRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedOutcomeRepository {
	return &InstrumentedOutcomeRepository{
		read:      NewOutcomeReadRepository(dbConn),
		write:     NewOutcomeWriteRepository(dbConn),
		telemetry: tel,
	}
}

// RecordOutcome stores an outcome with telemetry.
func (r *InstrumentedOutcomeRepository) RecordOutcome(ctx context.Context, rec storage.OutcomeRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_outcome", func(ctx context.Context) error {
		return r.write.RecordOutcome(ctx, rec)
	})
}

// ListOutcomes lists a run's outcomes with telemetry.
func (r *InstrumentedOutcomeRepository) ListOutcomes(ctx context.Context, runUUID string) ([]storage.OutcomeRecord, error) {
	var result []storage.OutcomeRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_outcomes", func(ctx context.Context) error {
		result, err = r.read.ListOutcomes(ctx, runUUID)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// LastOutcome fetches a descriptor's latest outcome with telemetry.
func (r *InstrumentedOutcomeRepository) LastOutcome(ctx context.Context, descriptorID string) (storage.OutcomeRecord, error) {
	var result storage.OutcomeRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "last_outcome", func(ctx context.Context) error {
		result, err = r.read.LastOutcome(ctx, descriptorID)

		return err
	})

	if instrumentedErr != nil {
		return storage.OutcomeRecord{}, instrumentedErr
	}

	return result, nil
}
