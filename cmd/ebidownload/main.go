package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/xsx123123/EBIDownload/internal/config"
	"github.com/xsx123123/EBIDownload/internal/external"
)

// Exit codes
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitConfigError = 2
	ExitInterrupted = 130
)

var version = "dev"

func main() {
	os.Exit(runCLI(os.Args))
}

// runCLI parses args into the configuration and returns the process exit code.
func runCLI(args []string) int {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return ExitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := ExitSuccess

	app := &cli.App{
		Name:    "ebidownload",
		Usage:   "download sequencing runs from ENA and the SRA open data bucket",
		Version: version,
		Flags:   flags(cfg),
		Action: func(c *cli.Context) error {
			code = execute(c.Context, cfg)
			return nil
		},
	}

	if err := app.RunContext(ctx, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitConfigError
	}

	return code
}

// flags binds every option to cfg, using the environment-derived values as defaults.
func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "accession", Aliases: []string{"A"}, Usage: "project, study or run accession to resolve through ENA", Value: cfg.Accession, Destination: &cfg.Accession},
		&cli.StringFlag{Name: "tsv", Aliases: []string{"T"}, Usage: "local ENA filereport TSV", Value: cfg.TSV, Destination: &cfg.TSV},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output directory", Value: cfg.OutputDir, Destination: &cfg.OutputDir},
		&cli.StringFlag{Name: "source", Usage: "ena (fastq files) or sra (run objects)", Value: cfg.Source, Destination: &cfg.Source},
		&cli.StringFlag{Name: "fallback", Aliases: []string{"m"}, Usage: fmt.Sprintf("secondary mechanism: %v", external.Mechanisms), Value: cfg.Fallback, Destination: &cfg.Fallback},
		&cli.IntFlag{Name: "parallel", Aliases: []string{"p"}, Usage: "files transferred at once", Value: cfg.MaxParallel, Destination: &cfg.MaxParallel},
		&cli.IntFlag{Name: "threads", Aliases: []string{"t"}, Usage: "concurrent chunk requests per file", Value: cfg.ThreadsPerFile, Destination: &cfg.ThreadsPerFile},
		&cli.StringFlag{Name: "chunk-size", Usage: "chunk size, plain numbers are MiB", Value: cfg.ChunkSize, Destination: &cfg.ChunkSize},
		&cli.IntFlag{Name: "retry-attempts", Usage: "attempts per chunk before the file fails", Value: cfg.RetryAttempts, Destination: &cfg.RetryAttempts},
		&cli.DurationFlag{Name: "request-timeout", Usage: "deadline of a single range request", Value: cfg.RequestTimeout, Destination: &cfg.RequestTimeout},
		&cli.StringFlag{Name: "filter-sample", Usage: "keep samples matching this regexp", Value: cfg.FilterSample, Destination: &cfg.FilterSample},
		&cli.StringFlag{Name: "filter-run", Usage: "keep runs matching this regexp", Value: cfg.FilterRun, Destination: &cfg.FilterRun},
		&cli.StringFlag{Name: "exclude-sample", Usage: "drop samples matching this regexp", Value: cfg.ExcludeSample, Destination: &cfg.ExcludeSample},
		&cli.StringFlag{Name: "exclude-run", Usage: "drop runs matching this regexp", Value: cfg.ExcludeRun, Destination: &cfg.ExcludeRun},
		&cli.StringFlag{Name: "filter-combine", Usage: "combine sample and run rules with and|or", Value: cfg.FilterCombine, Destination: &cfg.FilterCombine},
		&cli.BoolFlag{Name: "pe-only", Usage: "only paired-end runs", Value: cfg.PEOnly, Destination: &cfg.PEOnly},
		&cli.BoolFlag{Name: "only-scripts", Aliases: []string{"O"}, Usage: "write scripts/<run>.sh instead of transferring", Value: cfg.OnlyScripts, Destination: &cfg.OnlyScripts},
		&cli.BoolFlag{Name: "convert", Usage: "convert .sra objects to gzipped fastq", Value: cfg.Convert, Destination: &cfg.Convert},
		&cli.BoolFlag{Name: "s3", Usage: "read .sra objects through the S3 API", Value: cfg.S3, Destination: &cfg.S3},
		&cli.StringFlag{Name: "yaml", Aliases: []string{"y"}, Usage: "tool paths YAML", Value: cfg.ToolsFile, Destination: &cfg.ToolsFile},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Value: cfg.LogLevel, Destination: &cfg.LogLevel},
		&cli.StringFlag{Name: "log-file", Usage: "JSON log file, default under <output>/.ebidownload/logs", Value: cfg.LogFile, Destination: &cfg.LogFile},
		&cli.StringFlag{Name: "status-addr", Usage: "serve /healthz, /progress, /outcomes and /metrics on this address", Value: cfg.StatusAddr, Destination: &cfg.StatusAddr},
		&cli.StringFlag{Name: "discord-webhook", Usage: "post the run summary to this webhook", Value: cfg.DiscordWebhookURL, Destination: &cfg.DiscordWebhookURL},
	}
}
