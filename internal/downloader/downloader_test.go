package downloader

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xsx123123/EBIDownload/internal/filter"
	"github.com/xsx123123/EBIDownload/internal/storage"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

type fakeLedger struct {
	mu      sync.Mutex
	records []storage.OutcomeRecord
}

func (l *fakeLedger) RecordOutcome(_ context.Context, rec storage.OutcomeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, rec)

	return nil
}

// gatedSource holds every request until release is closed.
type gatedSource struct {
	*memSource

	release chan struct{}
}

func (s *gatedSource) OpenRange(ctx context.Context, d *transfer.Descriptor, offset, length int64) (io.ReadCloser, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return s.memSource.OpenRange(ctx, d, offset, length)
}

func TestDownloader_BoundsParallelFiles(t *testing.T) {
	dir := t.TempDir()
	src := &gatedSource{memSource: newMemSource(), release: make(chan struct{})}

	var descs []transfer.Descriptor
	for i := range 10 {
		content := randomBytes(t, 100+i)
		d := testDescriptor(t, dir, fmt.Sprintf("SRR%02d", i), content)
		src.add(d.ID, content)
		descs = append(descs, d)
	}

	var (
		mu        sync.Mutex
		active    int
		maxActive int
		once      sync.Once
	)

	hook := func(_ *transfer.Descriptor, from, to FileState) {
		mu.Lock()
		defer mu.Unlock()

		switch to {
		case StateInit:
			active++
			maxActive = max(maxActive, active)

			if active == 4 {
				once.Do(func() { close(src.release) })
			}
		case StateVerified, StateCompletedUnverified, StateFailedPrimary, StateInterrupted:
			active--
		}
	}

	go func() {
		time.Sleep(5 * time.Second)
		once.Do(func() { close(src.release) })
	}()

	d := NewDownloader(src, 4, testOptions(50), WithStateHook(hook))
	summary := d.Run(context.Background(), descs)

	assert.Equal(t, 4, maxActive)
	assert.Equal(t, 10, summary.Counts[transfer.OutcomeVerified])
	assert.False(t, summary.Failed())
}

func TestDownloader_FailureIsIsolated(t *testing.T) {
	dir := t.TempDir()
	src := newMemSource()

	var descs []transfer.Descriptor
	for i := range 3 {
		content := randomBytes(t, 300+i)
		d := testDescriptor(t, dir, fmt.Sprintf("SRR%d", i), content)
		src.add(d.ID, content)
		descs = append(descs, d)
	}

	src.fail = func(d *transfer.Descriptor, _ Range, _ int) error {
		if d.ID == "SRR1" {
			return &transfer.NetworkError{Operation: "open_range", StatusCode: 404, Message: "not found"}
		}

		return nil
	}

	ledger := &fakeLedger{}

	var seen []transfer.OutcomeKind

	d := NewDownloader(src, 2, testOptions(100),
		WithLedger("run-1", ledger),
		WithOutcomeCallback(func(o transfer.Outcome) { seen = append(seen, o.Kind) }),
	)
	summary := d.Run(context.Background(), descs)

	require.Len(t, summary.Outcomes, 3)
	assert.Equal(t, transfer.OutcomeVerified, summary.Outcomes[0].Kind)
	assert.Equal(t, transfer.OutcomeFailedPrimary, summary.Outcomes[1].Kind)
	assert.Equal(t, transfer.OutcomeVerified, summary.Outcomes[2].Kind)
	assert.True(t, summary.Failed())

	assert.Len(t, seen, 3)
	require.Len(t, ledger.records, 3)

	for _, rec := range ledger.records {
		assert.Equal(t, "run-1", rec.RunUUID)
	}
}

func TestDownloader_FilteredDescriptorsAreSkipped(t *testing.T) {
	dir := t.TempDir()
	src := newMemSource()

	var descs []transfer.Descriptor
	for _, id := range []string{"SRR1", "SRR2"} {
		content := randomBytes(t, 64)
		d := testDescriptor(t, dir, id, content)
		src.add(d.ID, content)
		descs = append(descs, d)
	}

	f, err := filter.New(filter.Patterns{IncludeRun: `^SRR1$`})
	require.NoError(t, err)

	summary := NewDownloader(src, 2, testOptions(32), WithFilter(f)).Run(context.Background(), descs)

	assert.Equal(t, transfer.OutcomeVerified, summary.Outcomes[0].Kind)
	assert.Equal(t, transfer.OutcomeSkipped, summary.Outcomes[1].Kind)
	assert.Contains(t, summary.Outcomes[1].Reason(), "include pattern")
	assert.Equal(t, 2, src.totalCalls(), "only SRR1 is fetched")
}

func TestDownloader_CancelledRunInterruptsQueue(t *testing.T) {
	dir := t.TempDir()
	src := newMemSource()

	var descs []transfer.Descriptor
	for i := range 5 {
		content := randomBytes(t, 100)
		d := testDescriptor(t, dir, fmt.Sprintf("SRR%d", i), content)
		src.add(d.ID, content)
		descs = append(descs, d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := NewDownloader(src, 1, testOptions(50)).Run(ctx, descs)

	assert.Equal(t, 5, summary.Counts[transfer.OutcomeInterrupted])
	assert.True(t, summary.Interrupted())
	assert.False(t, summary.Failed())
}

func TestDownloader_FallbackAfterPrimaryFailure(t *testing.T) {
	content := randomBytes(t, 500)
	desc := testDescriptor(t, t.TempDir(), "SRR30", content)

	sec := &fakeSecondary{content: content}
	summary := NewDownloader(failingSource(content, desc.ID), 1, testOptions(100), WithSecondary(sec)).
		Run(context.Background(), []transfer.Descriptor{desc})

	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, transfer.OutcomeVerified, summary.Outcomes[0].Kind)
	assert.Equal(t, "fake", summary.Outcomes[0].Fallback)
	assert.Equal(t, 1, sec.invocations)
}
