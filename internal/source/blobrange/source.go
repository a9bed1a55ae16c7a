// Package blobrange serves byte ranges from object stores through gocloud blob buckets.
package blobrange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/xsx123123/EBIDownload/internal/transfer"
)

const operation = "open_range"

// DefaultS3Params opens the public SRA buckets without credentials.
const DefaultS3Params = "region=us-east-1&anonymous=true"

// Opener opens a bucket by name.
type Opener func(ctx context.Context, bucket string) (*blob.Bucket, error)

// S3Opener opens s3://<bucket>?<params>.
func S3Opener(params string) Opener {
	return func(ctx context.Context, bucket string) (*blob.Bucket, error) {
		u := "s3://" + bucket
		if params != "" {
			u += "?" + params
		}

		return blob.OpenBucket(ctx, u)
	}
}

// URLOpener opens the bucket name itself as a gocloud URL, e.g. file:///mirror or mem://.
func URLOpener() Opener {
	return blob.OpenBucket
}

// Source caches one open bucket per name.
type Source struct {
	open Opener

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

func New(open Opener) *Source {
	return &Source{
		open:    open,
		buckets: make(map[string]*blob.Bucket),
	}
}

func (s *Source) OpenRange(ctx context.Context, d *transfer.Descriptor, offset, length int64) (io.ReadCloser, error) {
	bucket, err := s.bucket(ctx, d.Bucket)
	if err != nil {
		return nil, err
	}

	r, err := bucket.NewRangeReader(ctx, d.Key, offset, length, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, &transfer.NetworkError{Operation: operation, StatusCode: 404, Message: "object " + d.Key + " not found", Err: err}
		}

		return nil, &transfer.NetworkError{Operation: operation, Message: err.Error(), Err: err}
	}

	return r, nil
}

func (s *Source) bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}

	b, err := s.open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}

	s.buckets[name] = b

	return b, nil
}

// Close closes every bucket opened so far.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error

	for name, b := range s.buckets {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bucket %s: %w", name, err))
		}

		delete(s.buckets, name)
	}

	return errors.Join(errs...)
}
