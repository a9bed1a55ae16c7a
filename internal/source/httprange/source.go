// Package httprange serves byte ranges over HTTP Range requests.
package httprange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xsx123123/EBIDownload/internal/transfer"
)

const operation = "open_range"

// Options configures the HTTP transport.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 32
	MaxIdleConnsPerHost int

	// UserAgent is sent with every request when set.
	UserAgent string
}

// Source fetches ranges with a pooled client. Request deadlines come from the caller's
// context, not from the client.
type Source struct {
	client    *http.Client
	userAgent string
}

// New creates a Source whose transport is instrumented with OpenTelemetry.
func New(opts Options) *Source {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 32
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	return &Source{
		client:    &http.Client{Transport: otelhttp.NewTransport(transport)},
		userAgent: opts.UserAgent,
	}
}

// NewWithClient creates a Source around an existing client.
func NewWithClient(client *http.Client) *Source {
	return &Source{client: client}
}

func (s *Source) OpenRange(ctx context.Context, d *transfer.Descriptor, offset, length int64) (io.ReadCloser, error) {
	if d.URL == "" {
		return nil, &transfer.NetworkError{Operation: operation, Message: "descriptor has no url"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: operation, Message: err.Error(), Err: err}
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, _, _, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return nil, &transfer.NetworkError{Operation: operation, StatusCode: resp.StatusCode, Message: err.Error(), Err: err}
		}

		if start != offset {
			resp.Body.Close()
			return nil, &transfer.NetworkError{
				Operation:  operation,
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("server returned range starting at %d, requested %d", start, offset),
			}
		}

		return resp.Body, nil
	case http.StatusOK:
		// The server ignored the Range header. Only usable when the range starts at zero.
		if offset != 0 {
			resp.Body.Close()
			return nil, &transfer.NetworkError{
				Operation:  operation,
				StatusCode: resp.StatusCode,
				Message:    "server does not support range requests",
			}
		}

		return &limitedBody{Reader: io.LimitReader(resp.Body, length), Closer: resp.Body}, nil
	default:
		msg := readMessage(resp.Body)
		resp.Body.Close()

		if msg == "" {
			msg = resp.Status
		}

		return nil, &transfer.NetworkError{Operation: operation, StatusCode: resp.StatusCode, Message: msg}
	}
}

type limitedBody struct {
	io.Reader
	io.Closer
}

func readMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	rest, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if size == "*" {
		return start, end, -1, nil
	}

	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}

	return start, end, total, nil
}
