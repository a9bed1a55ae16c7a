package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xsx123123/EBIDownload/internal/downloader/progress"
	"github.com/xsx123123/EBIDownload/internal/logctx"
	"github.com/xsx123123/EBIDownload/internal/telemetry"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

// ExitOutcome is what a secondary mechanism reports back.
type ExitOutcome struct {
	ExitCode int
	Stderr   string
	// Output is the path the mechanism wrote to. Empty means the descriptor's Dest.
	Output string
}

// Secondary is an alternate transport invoked once per file after the primary path failed.
type Secondary interface {
	Name() string
	Invoke(ctx context.Context, d transfer.Descriptor, destDir string) (ExitOutcome, error)
}

type primary interface {
	Descriptor() *transfer.Descriptor
	Run(ctx context.Context) transfer.Outcome
}

// FallbackOrchestrator runs a primary transfer and, when it ends in FailedPrimary, hands the
// file to the secondary mechanism exactly once.
type FallbackOrchestrator struct {
	primary   primary
	secondary Secondary
	hub       Publisher
	tel       *telemetry.Telemetry
}

func NewFallbackOrchestrator(p primary, secondary Secondary, hub Publisher, tel *telemetry.Telemetry) *FallbackOrchestrator {
	if hub == nil {
		hub = nopPublisher{}
	}

	return &FallbackOrchestrator{primary: p, secondary: secondary, hub: hub, tel: tel}
}

func (o *FallbackOrchestrator) Run(ctx context.Context) transfer.Outcome {
	out := o.primary.Run(ctx)

	if out.Kind != transfer.OutcomeFailedPrimary || o.secondary == nil || ctx.Err() != nil {
		return out
	}

	start := time.Now()
	d := *o.primary.Descriptor()
	logger := logctx.LoggerFromContext(ctx).With("run", d.RunID, "file", d.Name(), "mechanism", o.secondary.Name())

	logger.Warn("primary transfer failed, invoking fallback", "err", out.Err)

	fb := o.invoke(logctx.WithLogger(ctx, logger), d, out.Err)
	fb.Descriptor = d
	fb.Bytes = out.Bytes
	fb.Duration = out.Duration + time.Since(start)
	fb.Fallback = o.secondary.Name()

	status := "success"
	if fb.Kind.IsFailure() {
		status = "error"
	}

	o.tel.RecordFallback(o.secondary.Name(), status)

	return fb
}

func (o *FallbackOrchestrator) invoke(ctx context.Context, d transfer.Descriptor, primaryErr error) transfer.Outcome {
	logger := logctx.LoggerFromContext(ctx)

	fail := func(exitCode int, reason string, err error) transfer.Outcome {
		return transfer.Outcome{
			Kind: transfer.OutcomeFailedFallback,
			Err: &transfer.FallbackFailedError{
				Mechanism: o.secondary.Name(),
				ExitCode:  exitCode,
				Reason:    reason,
				Primary:   primaryErr,
				Err:       err,
			},
		}
	}

	// The preallocated partial file would look complete to tools that resume by size.
	if err := discardPartial(d.Dest); err != nil {
		return fail(-1, "could not clear partial file", err)
	}

	o.hub.Publish(progress.Event{ID: d.ID, Label: d.Name(), Total: d.Size, Phase: progress.PhaseFallback})

	res, err := o.secondary.Invoke(ctx, d, filepath.Dir(d.Dest))
	if ctx.Err() != nil {
		return transfer.Outcome{Kind: transfer.OutcomeInterrupted, Err: ctx.Err()}
	}

	if err != nil {
		return fail(res.ExitCode, "mechanism could not run", err)
	}

	if res.ExitCode != 0 {
		reason := fmt.Sprintf("exited with status %d", res.ExitCode)
		if res.Stderr != "" {
			reason += ": " + res.Stderr
		}

		return fail(res.ExitCode, reason, nil)
	}

	output := res.Output
	if output == "" {
		output = d.Dest
	}

	info, err := os.Stat(output)

	switch {
	case errors.Is(err, os.ErrNotExist):
		return fail(0, "no output file at "+output, err)
	case err != nil:
		return fail(0, "could not inspect output file", err)
	case info.Size() == 0 && d.Size != 0:
		return fail(0, "output file is empty", nil)
	}

	if output != d.Dest {
		if err := os.Rename(output, d.Dest); err != nil {
			return fail(0, "could not move output into place", err)
		}
	}

	kind, warning, err := verify(ctx, d.Dest, &d, o.hub)
	if err != nil {
		if ctx.Err() != nil {
			return transfer.Outcome{Kind: transfer.OutcomeInterrupted, Err: ctx.Err()}
		}

		return fail(0, "could not verify output file", err)
	}

	if warning != nil {
		logger.Warn("checksum mismatch after fallback, keeping file", "err", warning)
	}

	logger.Info("fallback transfer completed", "outcome", kind)

	return transfer.Outcome{Kind: kind, Warning: warning}
}
