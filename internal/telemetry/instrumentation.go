package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY:
//
// Span attributes and metric labels must stay bounded. Run accessions, file names, URLs,
// bucket keys and error messages go to logs, never to attributes.
//
// Bounded values used here:
// - Operation types ("open_range", "filereport", "efetch", "record_outcome")
// - Status values ("success", "error", "retry", "failed")
// - Source and resolver kinds ("http", "blob", "ena", "sra")
// - Fallback mechanisms ("prefetch", "wget", "ascp")
// - Outcome kinds

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments outcome ledger operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentSourceOperation instruments range source operations.
func (t *Telemetry) InstrumentSourceOperation(ctx context.Context, source, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "source_"+operation, "range_source", func(ctx context.Context) error {
		ctx, span := t.tracer.Start(ctx, "source_"+operation)
		defer span.End()

		span.SetAttributes(
			attribute.String("source.type", source),
			attribute.String("source.operation", operation),
		)

		return fn(ctx)
	})

	t.RecordSourceOperation(source, operation, statusOf(err))

	return err
}

// InstrumentResolver instruments a metadata lookup.
func (t *Telemetry) InstrumentResolver(ctx context.Context, resolver string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "resolve_"+resolver, "resolver", fn)

	t.RecordResolverOperation(resolver, statusOf(err))

	return err
}

// InstrumentFile tracks one file transfer as active for the duration of fn and opens its span.
// Outcome metrics are recorded by the caller once the terminal kind is known.
func (t *Telemetry) InstrumentFile(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	t.IncrementActiveFiles()
	defer t.DecrementActiveFiles()

	return t.InstrumentOperation(ctx, "file_transfer", "downloader", fn)
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
