package transfer

import (
	"context"
	"io"

	"github.com/xsx123123/EBIDownload/internal/telemetry"
)

// InstrumentedSource wraps a RangeSource with telemetry.
type InstrumentedSource struct {
	source     RangeSource
	telemetry  *telemetry.Telemetry
	sourceType string
}

// NewInstrumentedSource creates a new instrumented range source.
func NewInstrumentedSource(source RangeSource, tel *telemetry.Telemetry, sourceType string) *InstrumentedSource {
	return &InstrumentedSource{
		source:     source,
		telemetry:  tel,
		sourceType: sourceType,
	}
}

// OpenRange opens a byte range with telemetry.
func (s *InstrumentedSource) OpenRange(ctx context.Context, d *Descriptor, offset, length int64) (io.ReadCloser, error) {
	var result io.ReadCloser

	var err error

	instrumentedErr := s.telemetry.InstrumentSourceOperation(ctx, s.sourceType, "open_range", func(ctx context.Context) error {
		result, err = s.source.OpenRange(ctx, d, offset, length)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
