// Package resolver turns accessions into transfer descriptors using the ENA portal and NCBI
// eutils APIs.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xsx123123/EBIDownload/internal/logctx"
	"github.com/xsx123123/EBIDownload/internal/telemetry"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

const (
	DefaultENAURL    = "https://www.ebi.ac.uk/ena/portal/api/filereport"
	DefaultEfetchURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/efetch.fcgi"

	defaultMaxTries = 10
	maxBodySize     = 64 << 20
)

// Resolver fetches metadata over HTTP, retrying transient failures and caching bodies.
type Resolver struct {
	client    *http.Client
	cache     *Cache
	tel       *telemetry.Telemetry
	enaURL    string
	efetchURL string

	maxTries       uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type Option func(*Resolver)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		r.client = c
	}
}

// WithCache enables the response cache. A nil cache disables it.
func WithCache(c *Cache) Option {
	return func(r *Resolver) {
		r.cache = c
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(r *Resolver) {
		r.tel = tel
	}
}

// WithEndpoints overrides the ENA filereport and NCBI efetch URLs.
func WithEndpoints(ena, efetch string) Option {
	return func(r *Resolver) {
		r.enaURL = ena
		r.efetchURL = efetch
	}
}

func WithRetry(maxTries uint, initial, max time.Duration) Option {
	return func(r *Resolver) {
		r.maxTries = maxTries
		r.initialBackoff = initial
		r.maxBackoff = max
	}
}

func New(opts ...Option) *Resolver {
	r := &Resolver{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   60 * time.Second,
		},
		enaURL:         DefaultENAURL,
		efetchURL:      DefaultEfetchURL,
		maxTries:       defaultMaxTries,
		initialBackoff: 2 * time.Second,
		maxBackoff:     30 * time.Second,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// get returns the body of url, serving it from the cache when a fresh copy exists.
func (r *Resolver) get(ctx context.Context, kind, url string) ([]byte, error) {
	logger := logctx.LoggerFromContext(ctx)

	if r.cache != nil {
		body, ok, err := r.cache.Get(url)
		if err != nil {
			logger.Warn("resolver cache read failed", "err", err)
		} else if ok {
			logger.Debug("resolver cache hit", "kind", kind, "url", url)
			return body, nil
		}
	}

	var body []byte

	err := r.tel.InstrumentResolver(ctx, kind, func(ctx context.Context) error {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.initialBackoff
		b.MaxInterval = r.maxBackoff

		var err error

		body, err = backoff.Retry(ctx, func() ([]byte, error) {
			body, err := r.fetch(ctx, kind, url)
			if err != nil {
				logger.Warn("metadata request failed", "kind", kind, "err", err)
			}

			return body, err
		}, backoff.WithBackOff(b), backoff.WithMaxTries(r.maxTries))

		return err
	})
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Put(url, body); err != nil {
			logger.Warn("resolver cache write failed", "err", err)
		}
	}

	return body, nil
}

func (r *Resolver) fetch(ctx context.Context, kind, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}

		return nil, &transfer.NetworkError{Operation: kind, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &transfer.NetworkError{Operation: kind, StatusCode: resp.StatusCode, Message: err.Error(), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		netErr := &transfer.NetworkError{
			Operation:  kind,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(truncate(string(body), 256)),
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(netErr)
		}

		return nil, netErr
	}

	return body, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}

	return s
}

// IsNotFound reports whether err is a 404 from a metadata API.
func IsNotFound(err error) bool {
	var netErr *transfer.NetworkError

	return errors.As(err, &netErr) && netErr.StatusCode == http.StatusNotFound
}
