// Package source routes range requests to the transport that can serve a descriptor.
package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/xsx123123/EBIDownload/internal/transfer"
)

// Router sends bucket descriptors to Blob and URL descriptors to HTTP.
type Router struct {
	HTTP transfer.RangeSource
	Blob transfer.RangeSource
}

func (r *Router) OpenRange(ctx context.Context, d *transfer.Descriptor, offset, length int64) (io.ReadCloser, error) {
	switch {
	case d.Bucket != "":
		if r.Blob == nil {
			return nil, fmt.Errorf("no object store source configured for %s", d.Locator())
		}

		return r.Blob.OpenRange(ctx, d, offset, length)
	case d.URL != "":
		if r.HTTP == nil {
			return nil, fmt.Errorf("no http source configured for %s", d.Locator())
		}

		return r.HTTP.OpenRange(ctx, d, offset, length)
	default:
		return nil, fmt.Errorf("descriptor %s has no remote location", d.ID)
	}
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 uri %q: %w", uri, err)
	}

	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q", uri)
	}

	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 uri %q has no key", uri)
	}

	return u.Host, key, nil
}

// S3ToHTTPS converts s3://bucket/key to the public virtual-hosted URL.
func S3ToHTTPS(uri string) (string, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return "", err
	}

	return "https://" + bucket + ".s3.amazonaws.com/" + key, nil
}

// HTTPSToS3 converts a virtual-hosted S3 URL back to s3://bucket/key. ok is false for any
// other URL.
func HTTPSToS3(raw string) (uri string, ok bool) {
	rest, found := strings.CutPrefix(raw, "https://")
	if !found {
		return "", false
	}

	bucket, key, found := strings.Cut(rest, ".s3.amazonaws.com/")
	if !found || bucket == "" || key == "" {
		return "", false
	}

	return "s3://" + bucket + "/" + key, true
}
