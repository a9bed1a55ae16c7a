package external

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/xsx123123/EBIDownload/internal/logctx"
)

// Converter turns a downloaded .sra object into gzipped fastq files.
type Converter struct {
	tools Tools
}

func NewConverter(tools Tools) *Converter {
	if tools.Threads <= 0 {
		tools.Threads = 1
	}

	return &Converter{tools: tools}
}

// Commands is the script form of Convert. The pigz glob is left to the shell.
func (c *Converter) Commands(run, sraPath, outDir string) [][]string {
	return [][]string{
		c.dumpArgs(sraPath, outDir),
		{c.tools.Pigz, "-p", strconv.Itoa(c.tools.Threads), filepath.Join(outDir, run) + "*.fastq"},
	}
}

// Convert runs fasterq-dump --split-3 then compresses every produced fastq with pigz.
func (c *Converter) Convert(ctx context.Context, run, sraPath, outDir string) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx).With("run", run)

	logger.Info("converting sra to fastq")

	if err := c.exec(ctx, outDir, c.dumpArgs(sraPath, outDir)); err != nil {
		return nil, err
	}

	fastqs, err := filepath.Glob(filepath.Join(outDir, run+"*.fastq"))
	if err != nil {
		return nil, fmt.Errorf("list fastq files: %w", err)
	}

	if len(fastqs) == 0 {
		return nil, fmt.Errorf("fasterq-dump produced no fastq files for %s", run)
	}

	argv := append([]string{c.tools.Pigz, "-p", strconv.Itoa(c.tools.Threads)}, fastqs...)
	if err := c.exec(ctx, outDir, argv); err != nil {
		return nil, err
	}

	gz := make([]string, len(fastqs))
	for i, f := range fastqs {
		gz[i] = f + ".gz"
	}

	logger.Info("conversion finished", "files", len(gz))

	return gz, nil
}

func (c *Converter) dumpArgs(sraPath, outDir string) []string {
	return []string{
		c.tools.FasterqDump, "--split-3",
		"-e", strconv.Itoa(c.tools.Threads),
		"-O", outDir,
		sraPath, "-f",
	}
}

func (c *Converter) exec(ctx context.Context, dir string, argv []string) error {
	code, stderr, err := run(ctx, dir, argv)
	if err != nil {
		return err
	}

	if code != 0 {
		return fmt.Errorf("%s exited with status %d: %s", filepath.Base(argv[0]), code, stderr)
	}

	return nil
}
