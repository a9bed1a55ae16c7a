package downloader

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xsx123123/EBIDownload/internal/downloader/progress"
	"github.com/xsx123123/EBIDownload/internal/filter"
	"github.com/xsx123123/EBIDownload/internal/logctx"
	"github.com/xsx123123/EBIDownload/internal/storage"
	"github.com/xsx123123/EBIDownload/internal/telemetry"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

// Downloader schedules file transfers with a bounded number of files in flight.
type Downloader struct {
	runID       string
	source      transfer.RangeSource
	secondary   Secondary
	filter      *filter.Filter
	hub         Publisher
	ledger      storage.OutcomeWriteRepository
	tel         *telemetry.Telemetry
	hook        StateHook
	opts        Options
	maxParallel int

	mu        sync.Mutex
	onOutcome func(transfer.Outcome)
}

type Option func(*Downloader)

// WithSecondary enables the fallback path.
func WithSecondary(s Secondary) Option {
	return func(d *Downloader) { d.secondary = s }
}

func WithFilter(f *filter.Filter) Option {
	return func(d *Downloader) { d.filter = f }
}

func WithHub(h Publisher) Option {
	return func(d *Downloader) {
		if h != nil {
			d.hub = h
		}
	}
}

// WithLedger records every outcome under runID.
func WithLedger(runID string, l storage.OutcomeWriteRepository) Option {
	return func(d *Downloader) {
		d.runID = runID
		d.ledger = l
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(d *Downloader) { d.tel = t }
}

func WithStateHook(h StateHook) Option {
	return func(d *Downloader) { d.hook = h }
}

// WithOutcomeCallback registers fn to receive every outcome. Calls are serialized.
func WithOutcomeCallback(fn func(transfer.Outcome)) Option {
	return func(d *Downloader) { d.onOutcome = fn }
}

func NewDownloader(source transfer.RangeSource, maxParallel int, opts Options, options ...Option) *Downloader {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	d := &Downloader{
		source:      source,
		hub:         nopPublisher{},
		opts:        opts.withDefaults(),
		maxParallel: maxParallel,
	}

	for _, o := range options {
		o(d)
	}

	return d
}

// Run transfers every descriptor and returns one outcome per descriptor in input order.
// One file's failure never stops the others. Once ctx is cancelled no new file starts and the
// remaining ones are reported as Interrupted.
func (d *Downloader) Run(ctx context.Context, descs []transfer.Descriptor) *transfer.Summary {
	logger := logctx.LoggerFromContext(ctx)

	outcomes := make([]transfer.Outcome, len(descs))

	var wg errgroup.Group

	sem := make(chan struct{}, d.maxParallel)

	logger.Info("starting transfers", "files", len(descs), "max_parallel", d.maxParallel, "threads_per_file", d.opts.ThreadsPerFile)

dispatch:
	for i := range descs {
		desc := descs[i]

		if reason := d.filter.Reason(desc.SampleID, desc.RunID); reason != "" {
			outcomes[i] = transfer.Outcome{
				Descriptor: desc,
				Kind:       transfer.OutcomeSkipped,
				Err:        errors.New(reason),
			}
			d.report(ctx, outcomes[i])

			continue
		}

		if ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case sem <- struct{}{}:
			}
		}

		if ctx.Err() != nil {
			for j := i; j < len(descs); j++ {
				outcomes[j] = transfer.Outcome{Descriptor: descs[j], Kind: transfer.OutcomeInterrupted, Err: ctx.Err()}

				if reason := d.filter.Reason(descs[j].SampleID, descs[j].RunID); reason != "" {
					outcomes[j] = transfer.Outcome{Descriptor: descs[j], Kind: transfer.OutcomeSkipped, Err: errors.New(reason)}
				}

				d.report(ctx, outcomes[j])
			}

			break dispatch
		}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			outcomes[i] = d.transferFile(ctx, desc)
			d.report(ctx, outcomes[i])

			return nil
		})
	}

	_ = wg.Wait()

	summary := transfer.NewSummary(outcomes)

	logger.Info("transfers finished",
		"verified", summary.Counts[transfer.OutcomeVerified],
		"unverified", summary.Counts[transfer.OutcomeCompletedUnverified],
		"failed_primary", summary.Counts[transfer.OutcomeFailedPrimary],
		"failed_fallback", summary.Counts[transfer.OutcomeFailedFallback],
		"skipped", summary.Counts[transfer.OutcomeSkipped],
		"interrupted", summary.Counts[transfer.OutcomeInterrupted],
	)

	return summary
}

func (d *Downloader) transferFile(ctx context.Context, desc transfer.Descriptor) transfer.Outcome {
	logger := logctx.LoggerFromContext(ctx).With("run", desc.RunID, "file", desc.Name())
	ctx = logctx.WithLogger(ctx, logger)

	var out transfer.Outcome

	_ = d.tel.InstrumentFile(ctx, func(ctx context.Context) error {
		ft := NewFileTransfer(desc, d.source, d.opts, d.hub, d.tel, d.hook)
		out = NewFallbackOrchestrator(ft, d.secondary, d.hub, d.tel).Run(ctx)

		if out.Kind.IsFailure() {
			return out.Err
		}

		return nil
	})

	return out
}

// report logs, records and forwards one terminal outcome.
func (d *Downloader) report(ctx context.Context, o transfer.Outcome) {
	logger := logctx.LoggerFromContext(ctx).With("run", o.Descriptor.RunID, "file", o.Descriptor.Name(), "outcome", o.Kind)

	switch {
	case o.Kind.IsFailure():
		logger.Error("file transfer failed", "err", o.Err, "fallback", o.Fallback)
	case o.Warning != nil:
		logger.Warn("file transferred with warning", "warning", o.Warning, "bytes", o.Bytes, "duration", o.Duration)
	case o.Kind == transfer.OutcomeSkipped:
		logger.Info("file skipped", "reason", o.Reason())
	case o.Kind == transfer.OutcomeInterrupted:
		logger.Info("file interrupted")
	default:
		logger.Info("file transferred", "bytes", o.Bytes, "duration", o.Duration)
	}

	d.hub.Publish(progress.Event{
		ID:      o.Descriptor.ID,
		Label:   o.Descriptor.Name(),
		Total:   o.Descriptor.Size,
		Phase:   progress.PhaseDone,
		Result:  resultOf(o),
		Message: completionMessage(o),
	})

	d.tel.RecordFileOutcome(string(o.Kind), o.Duration)

	if d.ledger != nil {
		// The ledger write must land even when the run is being cancelled.
		rec := storage.NewOutcomeRecord(d.runID, o, time.Now())
		if err := d.ledger.RecordOutcome(context.WithoutCancel(ctx), rec); err != nil {
			logger.Warn("failed to record outcome", "err", err)
			d.tel.RecordSystemError("ledger", "record_outcome")
		}
	}

	if d.onOutcome != nil {
		d.mu.Lock()
		d.onOutcome(o)
		d.mu.Unlock()
	}
}

func resultOf(o transfer.Outcome) progress.Result {
	switch {
	case o.Kind.IsFailure():
		return progress.ResultFailed
	case o.Kind == transfer.OutcomeSkipped, o.Kind == transfer.OutcomeInterrupted:
		return progress.ResultSkipped
	case o.Warning != nil, o.Kind == transfer.OutcomeCompletedUnverified:
		return progress.ResultWarning
	default:
		return progress.ResultOK
	}
}

func completionMessage(o transfer.Outcome) string {
	msg := string(o.Kind)
	if o.Fallback != "" {
		msg += " via " + o.Fallback
	}

	if r := o.Reason(); r != "" {
		msg += ": " + r
	}

	return msg
}
