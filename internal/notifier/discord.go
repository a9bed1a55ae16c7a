package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/xsx123123/EBIDownload/internal/transfer"
)

// Discord truncates message content above this length.
const maxContentLength = 2000

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	if len(content) > maxContentLength {
		content = content[:maxContentLength-3] + "..."
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// FormatSummary renders a run summary as a short chat message listing failed files.
func FormatSummary(runID string, summary *transfer.Summary, elapsed time.Duration) string {
	var b strings.Builder

	status := "completed"

	switch {
	case summary.Interrupted():
		status = "interrupted"
	case summary.Failed():
		status = "completed with failures"
	}

	fmt.Fprintf(&b, "EBIDownload run %s %s in %s (%s transferred)\n",
		runID, status, elapsed.Round(time.Second), humanize.IBytes(uint64(summary.Bytes())))

	for _, kind := range transfer.OutcomeKinds {
		if n := summary.Counts[kind]; n > 0 {
			fmt.Fprintf(&b, "- %s: %d\n", kind, n)
		}
	}

	for _, o := range summary.Outcomes {
		if o.Kind.IsFailure() {
			fmt.Fprintf(&b, "x %s (%s): %s\n", o.Descriptor.Name(), o.Descriptor.RunID, o.Reason())
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
