package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xsx123123/EBIDownload/internal/downloader/progress"
	"github.com/xsx123123/EBIDownload/internal/logctx"
	"github.com/xsx123123/EBIDownload/internal/telemetry"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkInFlight
	ChunkDone
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkInFlight:
		return "in_flight"
	case ChunkDone:
		return "done"
	case ChunkFailed:
		return "failed"
	default:
		return fmt.Sprintf("chunk_state(%d)", int(s))
	}
}

// ChunkTask is one range of a file and its retry bookkeeping.
type ChunkTask struct {
	Index    int
	Range    Range
	State    ChunkState
	Attempts int
	Err      error
}

// syncWriterAt is the slice of *os.File the workers need.
type syncWriterAt interface {
	io.WriterAt
	Sync() error
}

type chunkWorker struct {
	desc   *transfer.Descriptor
	source transfer.RangeSource
	file   syncWriterAt
	resume *ResumeState
	hub    Publisher
	tel    *telemetry.Telemetry
	opts   Options

	// onFetched is called with the length of every chunk that reached Done.
	onFetched func(n int64)
}

func (w *chunkWorker) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.RetryBackoff
	b.MaxInterval = w.opts.RetryMaxBackoff
	b.Reset()

	return b
}

// run drives task from Pending to Done or Failed. On cancellation of ctx the task returns to
// Pending and nothing is recorded.
func (w *chunkWorker) run(ctx context.Context, task *ChunkTask) error {
	logger := logctx.LoggerFromContext(ctx).With("chunk", task.Index, "range", task.Range.String())

	w.hub.Publish(progress.Event{ID: w.desc.ID, Label: w.desc.Name(), Total: w.desc.Size, Phase: progress.PhaseChunkStart})

	var fetched int64

	defer func() {
		w.hub.Publish(progress.Event{ID: w.desc.ID, Phase: progress.PhaseChunkDone, Delta: fetched})
	}()

	b := w.newBackOff()

	for {
		if task.Attempts > 0 {
			wait := b.NextBackOff()

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				task.State = ChunkPending

				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := ctx.Err(); err != nil {
			task.State = ChunkPending
			return err
		}

		task.State = ChunkInFlight
		task.Attempts++

		err := w.attempt(ctx, task)
		if err == nil {
			task.State = ChunkDone
			task.Err = nil
			fetched = task.Range.Len()

			w.tel.RecordChunkFetch("success")
			w.tel.AddBytesDownloaded(fetched)

			if w.onFetched != nil {
				w.onFetched(fetched)
			}

			return nil
		}

		if ctx.Err() != nil {
			task.State = ChunkPending
			return ctx.Err()
		}

		task.Err = err
		w.tel.RecordChunkFetch("retry")

		if task.Attempts >= w.opts.RetryAttempts {
			task.State = ChunkFailed
			w.tel.RecordChunkFetch("failed")

			logger.Warn("chunk exhausted its retries", "attempts", task.Attempts, "err", err)

			return &transfer.RetryExhaustedError{
				Chunk:    task.Index,
				Start:    task.Range.Start,
				End:      task.Range.End,
				Attempts: task.Attempts,
				Err:      err,
			}
		}

		logger.Debug("chunk attempt failed, retrying", "attempt", task.Attempts, "err", err)

		task.State = ChunkPending
	}
}

// attempt performs one fetch under the per-request timeout. The range is only recorded after
// its bytes reached stable storage.
func (w *chunkWorker) attempt(ctx context.Context, task *ChunkTask) error {
	if w.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, w.opts.RequestTimeout)
		defer cancel()
	}

	length := task.Range.Len()

	body, err := w.source.OpenRange(ctx, w.desc, task.Range.Start, length)
	if err != nil {
		return err
	}

	defer body.Close()

	out := io.NewOffsetWriter(w.file, task.Range.Start)

	n, err := io.CopyN(out, body, length)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &transfer.NetworkError{
				Operation: "read_range",
				Message:   fmt.Sprintf("short read: got %d of %d bytes", n, length),
				Err:       io.ErrUnexpectedEOF,
			}
		}

		return &transfer.NetworkError{Operation: "read_range", Message: err.Error(), Err: err}
	}

	var probe [1]byte
	if extra, _ := body.Read(probe[:]); extra > 0 {
		return &transfer.NetworkError{
			Operation: "read_range",
			Message:   fmt.Sprintf("source returned more than the %d requested bytes", length),
		}
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync chunk %d: %w", task.Index, err)
	}

	if err := w.resume.MarkDone(task.Range); err != nil {
		return fmt.Errorf("failed to record chunk %d: %w", task.Index, err)
	}

	return nil
}
