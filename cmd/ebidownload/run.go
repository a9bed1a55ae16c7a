package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xsx123123/EBIDownload/internal/cleanup"
	"github.com/xsx123123/EBIDownload/internal/config"
	"github.com/xsx123123/EBIDownload/internal/downloader"
	"github.com/xsx123123/EBIDownload/internal/downloader/progress"
	"github.com/xsx123123/EBIDownload/internal/external"
	"github.com/xsx123123/EBIDownload/internal/filter"
	"github.com/xsx123123/EBIDownload/internal/http/rest"
	"github.com/xsx123123/EBIDownload/internal/logctx"
	"github.com/xsx123123/EBIDownload/internal/manifest"
	"github.com/xsx123123/EBIDownload/internal/notifier"
	"github.com/xsx123123/EBIDownload/internal/preflight"
	"github.com/xsx123123/EBIDownload/internal/resolver"
	"github.com/xsx123123/EBIDownload/internal/source"
	"github.com/xsx123123/EBIDownload/internal/source/blobrange"
	"github.com/xsx123123/EBIDownload/internal/source/httprange"
	"github.com/xsx123123/EBIDownload/internal/storage"
	"github.com/xsx123123/EBIDownload/internal/storage/sqlite"
	"github.com/xsx123123/EBIDownload/internal/telemetry"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

const notifyTimeout = 10 * time.Second

// execute validates cfg, sets up logging and runs the pipeline. It returns the process exit code.
func execute(ctx context.Context, cfg *config.Config) int {
	if err := cfg.LoadTools(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitConfigError
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitConfigError
	}

	if err := preflight.EnsureWritable(cfg.OutputDir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitConfigError
	}

	if err := os.MkdirAll(cfg.LogDir(), 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "cannot create state directory:", err)
		return ExitConfigError
	}

	start := time.Now()
	runID := uuid.NewString()

	hub := progress.NewHub(os.Stderr)

	logger, closer := logctx.NewLogger(logctx.Options{
		Level:     cfg.SlogLevel(),
		Console:   hub.Writer(),
		File:      cfg.LogPath(start),
		MaxSizeMB: cfg.LogMaxSizeMB,
	})
	defer closer.Close()

	slog.SetDefault(logger)

	ctx = logctx.WithLogger(logctx.WithRunID(ctx, runID), logger)

	logger.Info("EBIDownload starting...",
		"version", version,
		"source", cfg.Source,
		"output", cfg.OutputDir,
		"fallback", cfg.Fallback,
		"log_file", cfg.LogPath(start),
	)

	summary, err := run(ctx, cfg, runID, hub)

	code := exitCode(ctx, summary, err)

	switch {
	case err != nil:
		logger.Error("run failed", "err", err, "exit_code", code, "elapsed", time.Since(start).Round(time.Second))
	default:
		logger.Info("run finished", "exit_code", code, "elapsed", time.Since(start).Round(time.Second))
	}

	if summary != nil {
		notify(ctx, cfg, runID, summary, time.Since(start))
	}

	return code
}

// exitCode maps the result of a run onto the process exit status.
func exitCode(ctx context.Context, summary *transfer.Summary, err error) int {
	var cfgErr *transfer.ConfigurationError

	switch {
	case errors.As(err, &cfgErr):
		return ExitConfigError
	case ctx.Err() != nil, errors.Is(err, context.Canceled), summary != nil && summary.Interrupted():
		return ExitInterrupted
	case err != nil, summary != nil && summary.Failed():
		return ExitFailure
	default:
		return ExitSuccess
	}
}

// run resolves the descriptors and transfers them. The summary is nil when the run stopped
// before the scheduler started.
func run(ctx context.Context, cfg *config.Config, runID string, hub *progress.Hub) (*transfer.Summary, error) {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "err", err)
		}
	}()

	// =========================================================================
	// Start Resolver
	cache, err := resolver.OpenCache(cfg.ResolverCachePath(), cfg.CacheTTL)
	if err != nil {
		logger.Warn("metadata cache unavailable, resolving without it", "path", cfg.ResolverCachePath(), "err", err)
	} else {
		defer cache.Close()
	}

	var pruner cleanup.Pruner
	if cache != nil {
		pruner = cache
	}

	cleanup.Run(ctx, cfg.LogDir(), config.LogPrefix, cfg.LogRetention, pruner)

	res := resolver.New(resolver.WithCache(cache), resolver.WithTelemetry(tel))

	flt, err := filter.New(cfg.FilterPatterns())
	if err != nil {
		return nil, err
	}

	descs, err := resolve(ctx, cfg, res, flt)
	if err != nil {
		return nil, err
	}

	if len(descs) == 0 {
		logger.Warn("nothing to transfer")
		return transfer.NewSummary(nil), nil
	}

	wanted := accepted(flt, descs)

	if err := writeChecksums(ctx, cfg.OutputDir, wanted); err != nil {
		return nil, err
	}

	mech, err := external.New(cfg.Fallback, cfg.Tools)
	if err != nil {
		return nil, err
	}

	var conv *external.Converter
	if cfg.Convert {
		conv = external.NewConverter(cfg.Tools)
	}

	if cfg.OnlyScripts {
		return nil, writeScripts(ctx, cfg, mech, conv, wanted)
	}

	minFree, _ := cfg.MinFreeSpaceBytes()
	if _, err := preflight.CheckSpace(ctx, cfg.OutputDir, wanted, minFree, tel); err != nil {
		logger.Warn("disk space check skipped", "err", err)
	}

	// =========================================================================
	// Start Database
	var ledger *sqlite.InstrumentedOutcomeRepository

	database, err := sqlite.InitDB(cfg.LedgerPath())
	if err != nil {
		logger.Warn("outcome ledger unavailable, outcomes are only logged", "path", cfg.LedgerPath(), "err", err)
	} else {
		defer database.Close()

		ledger = sqlite.NewInstrumentedOutcomeRepository(database, tel)
	}

	// =========================================================================
	// Start API Service
	if cfg.StatusAddr != "" {
		var outcomes storage.OutcomeReadRepository
		if ledger != nil {
			outcomes = ledger
		}

		server := setupServer(ctx, cfg, rest.NewStatusHandler(runID, hub, outcomes, tel))

		go func() {
			logger.Info("Initializing status API", "host", cfg.StatusAddr)

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server error", "err", err)
			}
		}()

		defer shutdownServer(ctx, server, cfg.Web.ShutdownTimeout)
	}

	// =========================================================================
	// Start Downloader
	blobSource := blobrange.New(cfg.BlobOpener())
	defer func() {
		if err := blobSource.Close(); err != nil {
			logger.Warn("failed to close buckets", "err", err)
		}
	}()

	router := &source.Router{
		HTTP: transfer.NewInstrumentedSource(httprange.New(httprange.Options{UserAgent: "EBIDownload/" + version}), tel, "http"),
		Blob: transfer.NewInstrumentedSource(blobSource, tel, "blob"),
	}

	chunkSize, _ := cfg.ChunkSizeBytes()

	options := []downloader.Option{
		downloader.WithFilter(flt),
		downloader.WithHub(hub),
		downloader.WithTelemetry(tel),
	}

	if mech != nil {
		options = append(options, downloader.WithSecondary(mech))
	}

	if ledger != nil {
		options = append(options, downloader.WithLedger(runID, ledger))
	}

	dl := downloader.NewDownloader(router, cfg.MaxParallel, downloader.Options{
		ChunkSize:       chunkSize,
		ThreadsPerFile:  cfg.ThreadsPerFile,
		RetryAttempts:   cfg.RetryAttempts,
		RetryBackoff:    cfg.RetryBackoff,
		RetryMaxBackoff: cfg.RetryMaxBackoff,
		RequestTimeout:  cfg.RequestTimeout,
	}, options...)

	hub.Start(ctx, cfg.ProgressInterval)
	summary := dl.Run(ctx, descs)
	hub.Stop()

	var convErr error
	if conv != nil && ctx.Err() == nil {
		convErr = convertAll(ctx, conv, summary, cfg.MaxParallel)
	}

	path, err := manifest.WriteSummary(cfg.OutputDir, summary)
	if err != nil {
		logger.Warn("failed to write run summary", "err", err)
	} else {
		logger.Info("run summary written", "path", path)
	}

	return summary, convErr
}

// resolve turns the configured input into transfer descriptors. For the sra source the
// filter runs before the efetch lookups, and rejected runs are still returned so the
// scheduler reports them as skipped.
func resolve(ctx context.Context, cfg *config.Config, res *resolver.Resolver, flt *filter.Filter) ([]transfer.Descriptor, error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		records []resolver.Record
		err     error
	)

	if cfg.TSV != "" {
		records, err = resolver.ReadTSV(cfg.TSV)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &transfer.ConfigurationError{Field: "tsv", Reason: cfg.TSV + " does not exist", Err: err}
		}
	} else {
		records, err = res.ENARecords(ctx, cfg.Accession)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read run metadata: %w", err)
	}

	runs, skips := resolver.BuildRuns(records, cfg.PEOnly)
	for _, s := range skips {
		logger.Warn("run skipped", "run", s.Run, "reason", s.Reason)
	}

	logger.Info("run metadata resolved", "records", len(records), "runs", len(runs), "skipped", len(skips))

	if cfg.Source == config.SourceENA {
		return resolver.ENADescriptors(runs, cfg.OutputDir), nil
	}

	var (
		kept     []resolver.Run
		rejected []transfer.Descriptor
	)

	for _, r := range runs {
		if flt.Accept(r.Sample, r.Accession) {
			kept = append(kept, r)
			continue
		}

		rejected = append(rejected, transfer.Descriptor{
			ID:       r.Accession,
			RunID:    r.Accession,
			SampleID: r.Sample,
			Dest:     filepath.Join(cfg.OutputDir, r.Accession+".sra"),
		})
	}

	descs, missing, err := res.SRADescriptors(ctx, kept, cfg.OutputDir, cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("failed to locate run objects: %w", err)
	}

	for _, s := range missing {
		logger.Warn("run skipped", "run", s.Run, "reason", s.Reason)
	}

	return append(descs, rejected...), nil
}

// accepted returns the descriptors whose sample and run pass flt.
func accepted(flt *filter.Filter, descs []transfer.Descriptor) []transfer.Descriptor {
	kept := make([]transfer.Descriptor, 0, len(descs))

	for _, d := range descs {
		if flt.Accept(d.SampleID, d.RunID) {
			kept = append(kept, d)
		}
	}

	return kept
}

func writeChecksums(ctx context.Context, dir string, descs []transfer.Descriptor) error {
	r1, r2, err := manifest.WriteChecksums(dir, descs)
	if err != nil {
		return fmt.Errorf("failed to write checksum manifests: %w", err)
	}

	logctx.LoggerFromContext(ctx).Info("checksum manifests written", "r1", r1, "r2", r2, "files", len(descs))

	return nil
}

func writeScripts(ctx context.Context, cfg *config.Config, mech *external.Mechanism, conv *external.Converter, descs []transfer.Descriptor) error {
	logger := logctx.LoggerFromContext(ctx)

	paths, err := external.Scripts(mech, conv, cfg.OutputDir, descs)
	if err != nil {
		return fmt.Errorf("failed to write scripts: %w", err)
	}

	logger.Info("scripts written", "count", len(paths), "dir", filepath.Join(cfg.OutputDir, external.ScriptDir))

	return nil
}

// convertAll converts every completed .sra object, limit runs at a time. A failed
// conversion does not stop the others.
func convertAll(ctx context.Context, conv *external.Converter, summary *transfer.Summary, limit int) error {
	logger := logctx.LoggerFromContext(ctx)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	g.SetLimit(limit)

	for _, o := range summary.Outcomes {
		if !o.Kind.IsComplete() {
			continue
		}

		d := o.Descriptor

		g.Go(func() error {
			files, err := conv.Convert(ctx, d.RunID, d.Dest, filepath.Dir(d.Dest))
			if err != nil {
				logger.Error("conversion failed", "run", d.RunID, "err", err)

				mu.Lock()
				errs = append(errs, fmt.Errorf("convert %s: %w", d.RunID, err))
				mu.Unlock()

				return nil
			}

			logger.Info("conversion finished", "run", d.RunID, "files", files)

			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(errs...)
}

// setupServer prepares the status API server.
func setupServer(ctx context.Context, cfg *config.Config, h *rest.StatusHandler) *http.Server {
	r := chi.NewRouter()
	r.Mount("/", h.Routes())

	return &http.Server{
		Addr:         cfg.StatusAddr,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func shutdownServer(ctx context.Context, server *http.Server, timeout time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	// Give outstanding requests a deadline for completion.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := server.Shutdown(sctx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err := server.Close(); err != nil {
			logger.Error("could not stop server", "err", err)
		}
	}
}

// notify posts the run summary when a webhook is configured. It runs after cancellation too.
func notify(ctx context.Context, cfg *config.Config, runID string, summary *transfer.Summary, elapsed time.Duration) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier = &notifier.DiscordNotifier{
		WebhookURL: cfg.DiscordWebhookURL,
		Client:     &http.Client{Timeout: notifyTimeout},
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := notif.Notify(nctx, notifier.FormatSummary(runID, summary, elapsed)); err != nil {
		logger.Error("failed to send notification", "err", err)
	}
}
