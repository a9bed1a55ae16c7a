package progress

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestHub_SnapshotTracksChunks(t *testing.T) {
	var buf bytes.Buffer

	clock := &fakeClock{now: time.Unix(0, 0)}
	h := NewHub(&buf, WithInteractive(false), WithClock(clock.Now))

	h.Publish(Event{ID: "SRR1_1", Label: "SRR1_1.fastq.gz", Total: 1000, Phase: PhaseResumed, Delta: 300})
	h.Publish(Event{ID: "SRR1_1", Phase: PhaseChunkStart})
	h.Publish(Event{ID: "SRR1_1", Phase: PhaseChunkStart})
	clock.Advance(2 * time.Second)
	h.Publish(Event{ID: "SRR1_1", Phase: PhaseChunkDone, Delta: 300})

	snap := h.Snapshot()
	require.Len(t, snap, 1)

	fp := snap[0]
	assert.Equal(t, "SRR1_1.fastq.gz", fp.Label)
	assert.Equal(t, int64(600), fp.Done)
	assert.Equal(t, 1, fp.InFlight)
	assert.InDelta(t, 60.0, fp.Percent(), 0.001)
	assert.InDelta(t, 150.0, fp.Rate, 0.001, "resumed bytes must not count toward the rate")

	assert.Empty(t, buf.String(), "non-interactive output gets no live block")
}

func TestHub_BytesAreMonotonic(t *testing.T) {
	h := NewHub(io.Discard, WithInteractive(false))

	h.Publish(Event{ID: "a", Total: 100, Phase: PhaseChunkDone, Delta: 60})
	h.Publish(Event{ID: "a", Phase: PhaseChunkDone, Delta: -50})
	h.Publish(Event{ID: "a", Phase: PhaseChunkDone, Delta: 80})

	snap := h.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(100), snap[0].Done, "done bytes are clamped to the total and never decrease")
}

func TestHub_DonePrintsCompletionLine(t *testing.T) {
	var buf bytes.Buffer

	h := NewHub(&buf, WithInteractive(false))

	h.Publish(Event{ID: "a", Label: "a.sra", Total: 2048, Phase: PhaseChunkDone, Delta: 2048})
	h.Publish(Event{ID: "a", Phase: PhaseDone, Total: 2048, Result: ResultWarning, Message: "md5 mismatch"})

	assert.Empty(t, h.Snapshot())
	assert.Contains(t, buf.String(), "a.sra (2.0 KiB): md5 mismatch")
}

func TestHub_WriterInterleavesWithBlock(t *testing.T) {
	var buf bytes.Buffer

	clock := &fakeClock{now: time.Unix(0, 0)}
	h := NewHub(&buf, WithInteractive(true), WithClock(clock.Now))

	h.Publish(Event{ID: "a", Label: "a.fastq.gz", Total: 100, Phase: PhaseChunkStart})
	require.Contains(t, buf.String(), "a.fastq.gz")

	buf.Reset()

	_, err := fmt.Fprintln(h.Writer(), "level=INFO msg=hello")
	require.NoError(t, err)

	out := buf.String()
	eraseAt := strings.Index(out, "\x1b[1A\x1b[J")
	msgAt := strings.Index(out, "msg=hello")
	redrawAt := strings.LastIndex(out, "a.fastq.gz")

	require.GreaterOrEqual(t, eraseAt, 0, "block must be erased before the message")
	assert.Less(t, eraseAt, msgAt)
	assert.Less(t, msgAt, redrawAt, "block must be redrawn below the message")
}

func TestHub_ConcurrentPublish(t *testing.T) {
	h := NewHub(io.Discard, WithInteractive(true))

	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			name := fmt.Sprintf("f%d", id)
			for range 100 {
				h.Publish(Event{ID: name, Total: 100 * 10, Phase: PhaseChunkStart})
				h.Publish(Event{ID: name, Phase: PhaseChunkDone, Delta: 10})
				fmt.Fprintln(h.Writer(), "log line")
			}
		}(i)
	}

	wg.Wait()

	for _, fp := range h.Snapshot() {
		assert.Equal(t, int64(1000), fp.Done)
		assert.Equal(t, 0, fp.InFlight)
	}
}

func TestProgressReader_ReportsAllBytes(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)

	var total int64
	var calls int

	pr := NewReader(iotest.OneByteReader(bytes.NewReader(data)), 300, func(delta int64) {
		total += delta
		calls++
	})

	_, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), total)
	assert.Equal(t, 4, calls)
}

func TestTruncateLabel(t *testing.T) {
	assert.Equal(t, "SRR1_1.fastq.gz", truncateLabel("SRR1_1.fastq.gz", 28))

	long := strings.Repeat("é", 40) + "_1.fastq.gz"
	got := truncateLabel(long, 28)

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 28, utf8.RuneCountInString(got))
	assert.True(t, strings.HasPrefix(got, "…"))
	assert.True(t, strings.HasSuffix(got, "é_1.fastq.gz"))
}

func TestRenderLine_LongNonASCIILabel(t *testing.T) {
	fs := &fileState{FileProgress: FileProgress{Label: strings.Repeat("样本", 30), Total: 100, Done: 50}}

	line := renderLine(fs, time.Now())
	assert.True(t, utf8.ValidString(line))
}
