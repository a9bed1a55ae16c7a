package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xsx123123/EBIDownload/internal/downloader/progress"
	"github.com/xsx123123/EBIDownload/internal/logctx"
	"github.com/xsx123123/EBIDownload/internal/telemetry"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// Options tune a single file transfer.
type Options struct {
	ChunkSize       int64
	ThreadsPerFile  int
	RetryAttempts   int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	RequestTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 20 << 20
	}

	if o.ThreadsPerFile <= 0 {
		o.ThreadsPerFile = 8
	}

	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 5
	}

	if o.RetryMaxBackoff < o.RetryBackoff {
		o.RetryMaxBackoff = o.RetryBackoff
	}

	return o
}

// Publisher receives progress events. *progress.Hub implements it.
type Publisher interface {
	Publish(progress.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(progress.Event) {}

type FileState string

const (
	StateInit                FileState = "init"
	StatePlanning            FileState = "planning"
	StateTransferring        FileState = "transferring"
	StateAssembling          FileState = "assembling"
	StateVerifying           FileState = "verifying"
	StateVerified            FileState = "verified"
	StateCompletedUnverified FileState = "completed_unverified"
	StateFailedPrimary       FileState = "failed_primary"
	StateInterrupted         FileState = "interrupted"
)

// StateHook observes every FileTransfer state transition. It may be called from the goroutine
// running the transfer and must be safe for concurrent use across files.
type StateHook func(d *transfer.Descriptor, from, to FileState)

// FileTransfer moves one descriptor to its destination over the primary range source.
type FileTransfer struct {
	desc   transfer.Descriptor
	source transfer.RangeSource
	opts   Options
	hub    Publisher
	tel    *telemetry.Telemetry
	hook   StateHook

	state   FileState
	fetched atomic.Int64
}

func NewFileTransfer(
	desc transfer.Descriptor,
	source transfer.RangeSource,
	opts Options,
	hub Publisher,
	tel *telemetry.Telemetry,
	hook StateHook,
) *FileTransfer {
	if hub == nil {
		hub = nopPublisher{}
	}

	return &FileTransfer{
		desc:   desc,
		source: source,
		opts:   opts.withDefaults(),
		hub:    hub,
		tel:    tel,
		hook:   hook,
		state:  StateInit,
	}
}

func (ft *FileTransfer) Descriptor() *transfer.Descriptor {
	return &ft.desc
}

func (ft *FileTransfer) State() FileState {
	return ft.state
}

func (ft *FileTransfer) transition(to FileState) {
	from := ft.state
	ft.state = to

	if ft.hook != nil {
		ft.hook(&ft.desc, from, to)
	}
}

// Run executes the transfer and returns its terminal outcome. It returns only after every chunk
// worker has exited.
func (ft *FileTransfer) Run(ctx context.Context) transfer.Outcome {
	start := time.Now()
	logger := logctx.LoggerFromContext(ctx).With("run", ft.desc.RunID, "file", ft.desc.Name())
	ctx = logctx.WithLogger(ctx, logger)

	out := ft.run(ctx)
	out.Descriptor = ft.desc
	out.Bytes = ft.fetched.Load()
	out.Duration = time.Since(start)

	switch out.Kind {
	case transfer.OutcomeVerified:
		ft.transition(StateVerified)
	case transfer.OutcomeCompletedUnverified:
		ft.transition(StateCompletedUnverified)
	case transfer.OutcomeInterrupted:
		ft.transition(StateInterrupted)
	default:
		ft.transition(StateFailedPrimary)
	}

	return out
}

func (ft *FileTransfer) run(ctx context.Context) transfer.Outcome {
	logger := logctx.LoggerFromContext(ctx)
	d := &ft.desc

	ft.transition(StateInit)

	if err := os.MkdirAll(filepath.Dir(d.Dest), dirPerm); err != nil {
		return failedPrimary(fmt.Errorf("failed to create target directory: %w", err))
	}

	rs, done, err := ft.prepare(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return transfer.Outcome{Kind: transfer.OutcomeInterrupted, Err: ctx.Err()}
		}

		return failedPrimary(err)
	}

	if done != nil {
		return *done
	}

	f, err := os.OpenFile(d.Dest, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return failedPrimary(fmt.Errorf("failed to open target file: %w", err))
	}

	closeOnce := sync.OnceValue(f.Close)
	defer closeOnce()

	if err := f.Truncate(d.Size); err != nil {
		return failedPrimary(fmt.Errorf("failed to preallocate target file: %w", err))
	}

	ft.transition(StatePlanning)

	ranges, err := Plan(d.Size, rs.ChunkSize)
	if err != nil {
		return failedPrimary(fmt.Errorf("failed to plan chunks: %w", err))
	}

	var tasks []*ChunkTask

	for i, r := range ranges {
		if r.Len() == 0 || rs.IsDone(r) {
			continue
		}

		tasks = append(tasks, &ChunkTask{Index: i, Range: r})
	}

	if resumed := rs.DoneBytes(); resumed > 0 {
		logger.Info("resuming file", "present", resumed, "remaining_chunks", len(tasks))
		ft.hub.Publish(progress.Event{ID: d.ID, Label: d.Name(), Total: d.Size, Phase: progress.PhaseResumed, Delta: resumed})
	}

	ft.transition(StateTransferring)

	if err := ft.transferChunks(ctx, f, rs, tasks); err != nil {
		if ctx.Err() != nil {
			logger.Info("file transfer interrupted, resume state kept")
			return transfer.Outcome{Kind: transfer.OutcomeInterrupted, Err: ctx.Err()}
		}

		return failedPrimary(err)
	}

	ft.transition(StateAssembling)

	if err := f.Sync(); err != nil {
		return failedPrimary(fmt.Errorf("failed to sync target file: %w", err))
	}

	if err := closeOnce(); err != nil {
		return failedPrimary(fmt.Errorf("failed to close target file: %w", err))
	}

	return ft.finish(ctx)
}

// prepare loads or creates the resume state. A non-nil outcome means the file needs no transfer.
func (ft *FileTransfer) prepare(ctx context.Context) (*ResumeState, *transfer.Outcome, error) {
	logger := logctx.LoggerFromContext(ctx)
	d := &ft.desc

	rs, err := LoadResumeState(d.Dest)
	if err != nil {
		logger.Warn("discarding unreadable resume state", "err", err)
		rs = nil
	}

	if rs != nil && rs.TotalSize != d.Size {
		logger.Warn("discarding resume state", "err", &transfer.SizeMismatchError{Path: d.Dest, Recorded: rs.TotalSize, Expected: d.Size})
		rs = nil

		if err := discardPartial(d.Dest); err != nil {
			return nil, nil, err
		}
	}

	if rs != nil {
		if info, err := os.Stat(d.Dest); err != nil || info.Size() != d.Size {
			logger.Warn("resume state without matching partial file, restarting")
			rs = nil

			if err := discardPartial(d.Dest); err != nil {
				return nil, nil, err
			}
		}
	}

	if rs != nil {
		if rs.ChunkSize <= 0 {
			rs.ChunkSize = ft.opts.ChunkSize
		}

		return rs, nil, nil
	}

	if out, ok := ft.alreadyPresent(ctx); ok {
		return nil, &out, nil
	}

	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	rs = NewResumeState(d.Dest, d.Size, ft.opts.ChunkSize)
	if d.Size == 0 {
		return rs, nil, nil
	}

	if err := rs.Save(); err != nil {
		return nil, nil, err
	}

	return rs, nil, nil
}

// alreadyPresent reports a Verified outcome for a complete file from an earlier run whose
// checksum still matches.
func (ft *FileTransfer) alreadyPresent(ctx context.Context) (transfer.Outcome, bool) {
	d := &ft.desc

	info, err := os.Stat(d.Dest)
	if err != nil || !d.HasChecksum() || info.Size() != d.Size || d.Size == 0 {
		return transfer.Outcome{}, false
	}

	ft.transition(StateVerifying)

	kind, warning, err := verify(ctx, d.Dest, d, ft.hub)
	if err != nil || warning != nil {
		return transfer.Outcome{}, false
	}

	logctx.LoggerFromContext(ctx).Info("file already present and verified, skipping transfer")

	return transfer.Outcome{Kind: kind}, true
}

func (ft *FileTransfer) transferChunks(ctx context.Context, f *os.File, rs *ResumeState, tasks []*ChunkTask) error {
	if len(tasks) == 0 {
		return nil
	}

	w := &chunkWorker{
		desc:      &ft.desc,
		source:    ft.source,
		file:      f,
		resume:    rs,
		hub:       ft.hub,
		tel:       ft.tel,
		opts:      ft.opts,
		onFetched: func(n int64) { ft.fetched.Add(n) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ft.opts.ThreadsPerFile)

	for _, task := range tasks {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			return w.run(gctx, task)
		})
	}

	// The first chunk to fail cancels gctx, so Wait reports its RetryExhaustedError.
	return g.Wait()
}

func (ft *FileTransfer) finish(ctx context.Context) transfer.Outcome {
	d := &ft.desc

	ft.transition(StateVerifying)

	kind, warning, err := verify(ctx, d.Dest, d, ft.hub)
	if err != nil {
		if ctx.Err() != nil {
			return transfer.Outcome{Kind: transfer.OutcomeInterrupted, Err: ctx.Err()}
		}

		return failedPrimary(err)
	}

	if warning != nil {
		logctx.LoggerFromContext(ctx).Warn("checksum mismatch, keeping file", "err", warning)
	}

	if err := RemoveResumeState(d.Dest); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to remove resume state", "err", err)
	}

	return transfer.Outcome{Kind: kind, Warning: warning}
}

func failedPrimary(err error) transfer.Outcome {
	return transfer.Outcome{Kind: transfer.OutcomeFailedPrimary, Err: err}
}

// discardPartial removes a destination file and its sidecar.
func discardPartial(dest string) error {
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove partial file: %w", err)
	}

	return RemoveResumeState(dest)
}
