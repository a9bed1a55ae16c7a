package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/xsx123123/EBIDownload/internal/config"
	"github.com/xsx123123/EBIDownload/internal/downloader/progress"
	"github.com/xsx123123/EBIDownload/internal/external"
	"github.com/xsx123123/EBIDownload/internal/filter"
	"github.com/xsx123123/EBIDownload/internal/manifest"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

func TestExitCode(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	failed := transfer.NewSummary([]transfer.Outcome{{Kind: transfer.OutcomeVerified}, {Kind: transfer.OutcomeFailedFallback}})
	interrupted := transfer.NewSummary([]transfer.Outcome{{Kind: transfer.OutcomeInterrupted}})
	ok := transfer.NewSummary([]transfer.Outcome{{Kind: transfer.OutcomeVerified}, {Kind: transfer.OutcomeSkipped}})

	tests := []struct {
		name    string
		ctx     context.Context
		summary *transfer.Summary
		err     error
		want    int
	}{
		{name: "success", ctx: context.Background(), summary: ok, want: ExitSuccess},
		{name: "scripts only", ctx: context.Background(), want: ExitSuccess},
		{name: "failed file", ctx: context.Background(), summary: failed, want: ExitFailure},
		{name: "resolver error", ctx: context.Background(), err: errors.New("filereport: HTTP 503"), want: ExitFailure},
		{
			name: "configuration error",
			ctx:  context.Background(),
			err:  fmt.Errorf("resolve: %w", &transfer.ConfigurationError{Field: "tsv", Reason: "missing"}),
			want: ExitConfigError,
		},
		{name: "interrupted outcome", ctx: context.Background(), summary: interrupted, want: ExitInterrupted},
		{name: "cancelled context", ctx: cancelled, summary: failed, want: ExitInterrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.ctx, tt.summary, tt.err))
		})
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	cfg := &config.Config{OutputDir: ".", Source: "ena", MaxParallel: 4, ThreadsPerFile: 8, ChunkSize: "20MiB"}

	var called bool

	app := &cli.App{
		Name:  "ebidownload",
		Flags: flags(cfg),
		Action: func(*cli.Context) error {
			called = true
			return nil
		},
	}

	err := app.Run([]string{
		"ebidownload",
		"-A", "PRJNA1",
		"-o", "/data/out",
		"-p", "2",
		"--chunk-size", "64",
		"--source", "sra",
		"--fallback", "prefetch",
		"--filter-run", "^SRR1",
		"--pe-only",
		"--s3",
	})
	require.NoError(t, err)
	require.True(t, called)

	assert.Equal(t, "PRJNA1", cfg.Accession)
	assert.Equal(t, "/data/out", cfg.OutputDir)
	assert.Equal(t, 2, cfg.MaxParallel)
	assert.Equal(t, 8, cfg.ThreadsPerFile)
	assert.Equal(t, "64", cfg.ChunkSize)
	assert.Equal(t, "sra", cfg.Source)
	assert.Equal(t, "prefetch", cfg.Fallback)
	assert.Equal(t, "^SRR1", cfg.FilterRun)
	assert.True(t, cfg.PEOnly)
	assert.True(t, cfg.S3)
	assert.False(t, cfg.Convert)
}

func TestAccepted(t *testing.T) {
	flt, err := filter.New(filter.Patterns{IncludeRun: "^SRR1$"})
	require.NoError(t, err)

	descs := []transfer.Descriptor{
		{ID: "SRR1_1.fastq.gz", RunID: "SRR1", SampleID: "S1"},
		{ID: "SRR2.fastq.gz", RunID: "SRR2", SampleID: "S2"},
		{ID: "SRR1_2.fastq.gz", RunID: "SRR1", SampleID: "S1"},
	}

	got := accepted(flt, descs)
	require.Len(t, got, 2)
	assert.Equal(t, "SRR1_1.fastq.gz", got[0].ID)
	assert.Equal(t, "SRR1_2.fastq.gz", got[1].ID)
}

func TestRun_FilterAppliesToManifestsAndScripts(t *testing.T) {
	out := t.TempDir()
	tsv := filepath.Join(t.TempDir(), "filereport.tsv")

	require.NoError(t, os.WriteFile(tsv, []byte(
		"run_accession\tfastq_ftp\tfastq_md5\tfastq_bytes\tsample_title\n"+
			"SRR1\tftp.sra.ebi.ac.uk/vol1/fastq/SRR1/SRR1.fastq.gz\taaaa\t10\tS1\n"+
			"SRR2\tftp.sra.ebi.ac.uk/vol1/fastq/SRR2/SRR2.fastq.gz\tbbbb\t20\tS2\n",
	), 0o644))

	cfg := &config.Config{
		TSV:           tsv,
		OutputDir:     out,
		Source:        config.SourceENA,
		Fallback:      external.MechanismWget,
		FilterRun:     "^SRR1$",
		FilterCombine: "and",
		OnlyScripts:   true,
		MaxParallel:   1,
		Tools:         external.DefaultTools(),
	}
	require.NoError(t, os.MkdirAll(cfg.StateDir(), 0o755))

	summary, err := run(context.Background(), cfg, "run-1", progress.NewHub(io.Discard))
	require.NoError(t, err)
	assert.Nil(t, summary)

	r1, err := os.ReadFile(filepath.Join(out, manifest.R1File))
	require.NoError(t, err)
	assert.Contains(t, string(r1), "aaaa\tSRR1.fastq.gz\tS1")
	assert.NotContains(t, string(r1), "SRR2")

	assert.FileExists(t, filepath.Join(out, external.ScriptDir, "SRR1.sh"))
	assert.NoFileExists(t, filepath.Join(out, external.ScriptDir, "SRR2.sh"))
}
