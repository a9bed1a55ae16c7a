// Package progress renders live per-file transfer progress and interleaves log output with it.
package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

type Phase string

const (
	PhaseChunkStart Phase = "chunk-start"
	PhaseChunkDone  Phase = "chunk-done"
	PhaseResumed    Phase = "resumed"
	PhaseVerifying  Phase = "verifying"
	PhaseFallback   Phase = "fallback-triggered"
	PhaseDone       Phase = "done"
)

// Event is a transient progress notification for one file.
type Event struct {
	ID    string
	Label string
	Total int64
	Delta int64
	Phase Phase

	// Result and Message are only read on PhaseDone.
	Result  Result
	Message string
}

// Result classifies a finished file for the completion line.
type Result int

const (
	ResultOK Result = iota
	ResultWarning
	ResultFailed
	ResultSkipped
)

// FileProgress is a point-in-time view of one in-flight file.
type FileProgress struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Phase     Phase     `json:"phase"`
	Total     int64     `json:"total_bytes"`
	Done      int64     `json:"done_bytes"`
	Verified  int64     `json:"verified_bytes"`
	InFlight  int       `json:"chunks_in_flight"`
	StartedAt time.Time `json:"started_at"`
	Rate      float64   `json:"bytes_per_second"`
}

func (fp FileProgress) Percent() float64 {
	if fp.Total <= 0 {
		return 100
	}

	return float64(fp.Done) * 100 / float64(fp.Total)
}

type fileState struct {
	FileProgress

	session int64 // bytes fetched in this process, excludes resumed bytes
}

// Hub owns the render state of a run. Publish and the log writer are safe for concurrent use.
type Hub struct {
	mu          sync.Mutex
	out         io.Writer
	interactive bool
	files       map[string]*fileState
	order       []string
	drawn       int
	lastDraw    time.Time
	minInterval time.Duration
	now         func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

type Option func(*Hub)

// WithInteractive overrides terminal detection.
func WithInteractive(v bool) Option {
	return func(h *Hub) { h.interactive = v }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func NewHub(out io.Writer, opts ...Option) *Hub {
	h := &Hub{
		out:         out,
		files:       make(map[string]*fileState),
		minInterval: 100 * time.Millisecond,
		now:         time.Now,
	}

	if f, ok := out.(*os.File); ok {
		h.interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Interactive reports whether the hub redraws a live block.
func (h *Hub) Interactive() bool {
	return h.interactive
}

// Publish applies an event. Byte counters only move forward.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Phase == PhaseDone {
		h.finish(ev)
		return
	}

	fs := h.file(ev)

	switch ev.Phase {
	case PhaseChunkStart:
		fs.InFlight++
	case PhaseChunkDone:
		if fs.InFlight > 0 {
			fs.InFlight--
		}

		if ev.Delta > 0 {
			fs.Done = min(fs.Done+ev.Delta, fs.Total)
			fs.session += ev.Delta
		}
	case PhaseResumed:
		if ev.Delta > 0 {
			fs.Done = min(fs.Done+ev.Delta, fs.Total)
		}
	case PhaseVerifying:
		fs.InFlight = 0
		if ev.Delta > 0 {
			fs.Verified = min(fs.Verified+ev.Delta, fs.Total)
		}
	case PhaseFallback:
		fs.InFlight = 0
	}

	if ev.Phase != PhaseChunkStart || fs.Phase == "" {
		fs.Phase = ev.Phase
	}

	h.redraw(false)
}

func (h *Hub) file(ev Event) *fileState {
	fs, ok := h.files[ev.ID]
	if !ok {
		label := ev.Label
		if label == "" {
			label = ev.ID
		}

		fs = &fileState{FileProgress: FileProgress{
			ID:        ev.ID,
			Label:     label,
			Total:     ev.Total,
			StartedAt: h.now(),
		}}
		h.files[ev.ID] = fs
		h.order = append(h.order, ev.ID)
	}

	if ev.Total > fs.Total {
		fs.Total = ev.Total
	}

	return fs
}

func (h *Hub) finish(ev Event) {
	label := ev.Label
	if fs, ok := h.files[ev.ID]; ok {
		if label == "" {
			label = fs.Label
		}

		delete(h.files, ev.ID)
		h.order = slices.DeleteFunc(h.order, func(id string) bool { return id == ev.ID })
	}

	if label == "" {
		label = ev.ID
	}

	h.erase()

	fmt.Fprintln(h.out, completionLine(label, ev))

	h.draw()
}

func completionLine(label string, ev Event) string {
	var mark string

	switch ev.Result {
	case ResultOK:
		mark = color.GreenString("✔")
	case ResultWarning:
		mark = color.YellowString("!")
	case ResultFailed:
		mark = color.RedString("✘")
	case ResultSkipped:
		mark = color.CyanString("-")
	}

	line := fmt.Sprintf("%s %s", mark, label)
	if ev.Total > 0 {
		line += " (" + humanize.IBytes(uint64(ev.Total)) + ")"
	}

	if ev.Message != "" {
		line += ": " + ev.Message
	}

	return line
}

// Snapshot returns the in-flight files in start order.
func (h *Hub) Snapshot() []FileProgress {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	out := make([]FileProgress, 0, len(h.order))

	for _, id := range h.order {
		fs := h.files[id]
		fp := fs.FileProgress
		fp.Rate = rate(fs.session, now.Sub(fs.StartedAt))
		out = append(out, fp)
	}

	return out
}

// Writer returns a writer for log output that keeps the progress block below the messages.
func (h *Hub) Writer() io.Writer {
	return hubWriter{h: h}
}

type hubWriter struct {
	h *Hub
}

func (w hubWriter) Write(p []byte) (int, error) {
	w.h.mu.Lock()
	defer w.h.mu.Unlock()

	w.h.erase()

	n, err := w.h.out.Write(p)

	w.h.draw()

	return n, err
}

// Start refreshes the block periodically so rates stay current while chunks are long.
func (h *Hub) Start(ctx context.Context, interval time.Duration) {
	if !h.interactive {
		return
	}

	h.mu.Lock()
	if h.stop != nil {
		h.mu.Unlock()
		return
	}

	h.stop = make(chan struct{})
	stop := h.stop
	h.mu.Unlock()

	h.wg.Add(1)

	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				h.mu.Lock()
				h.redraw(true)
				h.mu.Unlock()
			}
		}
	}()
}

// Stop ends the refresh loop and clears the block.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stop != nil {
		close(h.stop)
	}
	h.mu.Unlock()

	h.wg.Wait()

	h.mu.Lock()
	h.stop = nil
	h.erase()
	h.mu.Unlock()
}

func (h *Hub) redraw(force bool) {
	if !h.interactive {
		return
	}

	now := h.now()
	if !force && now.Sub(h.lastDraw) < h.minInterval {
		return
	}

	h.erase()
	h.draw()
}

// erase moves the cursor to the top of the block and clears it.
func (h *Hub) erase() {
	if !h.interactive || h.drawn == 0 {
		return
	}

	fmt.Fprintf(h.out, "\x1b[%dA\x1b[J", h.drawn)
	h.drawn = 0
}

func (h *Hub) draw() {
	if !h.interactive || len(h.order) == 0 {
		return
	}

	now := h.now()

	var b strings.Builder

	for _, id := range h.order {
		b.WriteString(renderLine(h.files[id], now))
		b.WriteByte('\n')
	}

	fmt.Fprint(h.out, b.String())

	h.drawn = len(h.order)
	h.lastDraw = now
}

const barWidth = 24

// truncateLabel keeps the last width-1 runes of label behind an ellipsis.
func truncateLabel(label string, width int) string {
	r := []rune(label)
	if len(r) <= width {
		return label
	}

	return "…" + string(r[len(r)-width+1:])
}

func renderLine(fs *fileState, now time.Time) string {
	pct := fs.Percent()
	filled := int(pct / 100 * barWidth)
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)

	label := truncateLabel(fs.Label, 28)

	switch fs.Phase {
	case PhaseVerifying:
		vpct := 100.0
		if fs.Total > 0 {
			vpct = float64(fs.Verified) * 100 / float64(fs.Total)
		}

		return fmt.Sprintf("%-28s verifying md5 %5.1f%%", label, vpct)
	case PhaseFallback:
		return fmt.Sprintf("%-28s fallback transfer running", label)
	}

	return fmt.Sprintf("%-28s %5.1f%% [%s] %s/%s %s/s chunks:%d",
		label,
		pct,
		bar,
		humanize.IBytes(uint64(fs.Done)),
		humanize.IBytes(uint64(fs.Total)),
		humanize.IBytes(uint64(rate(fs.session, now.Sub(fs.StartedAt)))),
		fs.InFlight,
	)
}

func rate(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}

	return float64(n) / elapsed.Seconds()
}
