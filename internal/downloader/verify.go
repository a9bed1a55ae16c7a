package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xsx123123/EBIDownload/internal/downloader/progress"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

const verifyReportInterval = 8 << 20

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}

// fileMD5 streams path through MD5, reporting progress under the verifying phase.
func fileMD5(ctx context.Context, path string, d *transfer.Descriptor, hub Publisher) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for verification: %w", err)
	}
	defer f.Close()

	hub.Publish(progress.Event{ID: d.ID, Label: d.Name(), Total: d.Size, Phase: progress.PhaseVerifying})

	pr := progress.NewReader(ctxReader{ctx: ctx, r: f}, verifyReportInterval, func(delta int64) {
		hub.Publish(progress.Event{ID: d.ID, Phase: progress.PhaseVerifying, Delta: delta})
	})

	h := md5.New()
	if _, err := io.Copy(h, pr); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// verify classifies a complete file. A checksum mismatch keeps the file and is reported as a
// warning on a Verified outcome.
func verify(ctx context.Context, path string, d *transfer.Descriptor, hub Publisher) (transfer.OutcomeKind, error, error) {
	if !d.HasChecksum() {
		return transfer.OutcomeCompletedUnverified, nil, nil
	}

	sum, err := fileMD5(ctx, path, d, hub)
	if err != nil {
		return "", nil, err
	}

	if !strings.EqualFold(sum, d.MD5) {
		return transfer.OutcomeVerified, &transfer.IntegrityMismatchError{Path: path, Expected: d.MD5, Actual: sum}, nil
	}

	return transfer.OutcomeVerified, nil, nil
}
