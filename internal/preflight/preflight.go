// Package preflight checks the destination before any transfer starts.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/xsx123123/EBIDownload/internal/logctx"
	"github.com/xsx123123/EBIDownload/internal/telemetry"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

var usage = disk.UsageWithContext

// Report describes the space situation of the output directory.
type Report struct {
	Dir      string
	Free     uint64
	Required int64
	MinFree  int64
}

// Enough reports whether the remaining bytes fit while keeping MinFree available.
func (r Report) Enough() bool {
	return int64(r.Free) >= r.Required+r.MinFree
}

// EnsureWritable creates dir if needed and proves a file can be written in it.
func EnsureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &transfer.ConfigurationError{Field: "output", Reason: "cannot create " + dir, Err: err}
	}

	f, err := os.CreateTemp(dir, ".ebidownload-probe-*")
	if err != nil {
		return &transfer.ConfigurationError{Field: "output", Reason: dir + " is not writable", Err: err}
	}

	name := f.Name()
	f.Close()
	os.Remove(name)

	return nil
}

// Remaining sums the bytes still to fetch, crediting what already sits at each destination.
func Remaining(descs []transfer.Descriptor) int64 {
	var total int64

	for _, d := range descs {
		need := d.Size

		if info, err := os.Stat(d.Dest); err == nil && info.Mode().IsRegular() {
			need -= min(info.Size(), d.Size)
		}

		total += need
	}

	return total
}

// CheckSpace measures free space under dir. A shortfall is logged as a warning, not
// returned as an error.
func CheckSpace(ctx context.Context, dir string, descs []transfer.Descriptor, minFree int64, tel *telemetry.Telemetry) (Report, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Report{}, fmt.Errorf("resolve %s: %w", dir, err)
	}

	stat, err := usage(ctx, abs)
	if err != nil {
		return Report{}, fmt.Errorf("disk usage of %s: %w", abs, err)
	}

	tel.RecordDiskFree(abs, stat.Free)

	r := Report{Dir: abs, Free: stat.Free, Required: Remaining(descs), MinFree: minFree}

	logger := logctx.LoggerFromContext(ctx).With(
		"dir", abs,
		"free", humanize.IBytes(r.Free),
		"required", humanize.IBytes(uint64(r.Required)),
	)

	if r.Enough() {
		logger.Info("disk space check passed")
	} else {
		logger.Warn("insufficient disk space for the remaining transfers", "min_free", humanize.IBytes(uint64(minFree)))
	}

	return r, nil
}
