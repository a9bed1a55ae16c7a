package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xsx123123/EBIDownload/internal/transfer"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &DiscordNotifier{WebhookURL: srv.URL, Client: srv.Client()}
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, "hello", got["content"])

	require.NoError(t, n.Notify(context.Background(), strings.Repeat("x", 3000)))
	assert.Len(t, got["content"], maxContentLength)
}

func TestDiscordNotifier_Errors(t *testing.T) {
	err := (&DiscordNotifier{}).Notify(context.Background(), "x")
	require.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err = (&DiscordNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "x")
	assert.ErrorContains(t, err, "status 429")
}

func TestFormatSummary(t *testing.T) {
	summary := transfer.NewSummary([]transfer.Outcome{
		{Descriptor: transfer.Descriptor{RunID: "SRR1", Dest: "/o/SRR1_1.fastq.gz"}, Kind: transfer.OutcomeVerified, Bytes: 2048},
		{
			Descriptor: transfer.Descriptor{RunID: "SRR2", Dest: "/o/SRR2.fastq.gz"},
			Kind:       transfer.OutcomeFailedPrimary,
			Err:        errors.New("chunk 0 failed"),
		},
	})

	msg := FormatSummary("run-1", summary, 90*time.Second)

	assert.Equal(t,
		"EBIDownload run run-1 completed with failures in 1m30s (2.0 KiB transferred)\n"+
			"- verified: 1\n"+
			"- failed_primary: 1\n"+
			"x SRR2.fastq.gz (SRR2): chunk 0 failed",
		msg)
}
