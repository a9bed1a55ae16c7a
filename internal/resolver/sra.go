package resolver

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xsx123123/EBIDownload/internal/logctx"
	"github.com/xsx123123/EBIDownload/internal/source"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

// SRAObject is the run-level .sra object hosted on the AWS open data bucket.
type SRAObject struct {
	S3URI   string
	HTTPURL string
	MD5     string
	Size    int64
}

// ErrNoSRAObject means efetch listed no worldwide AWS alternative for the run.
var ErrNoSRAObject = errors.New("no worldwide AWS copy of the run")

// SRAObject looks up the AWS location of run through efetch.
func (r *Resolver) SRAObject(ctx context.Context, run string) (*SRAObject, error) {
	q := url.Values{}
	q.Set("db", "sra")
	q.Set("id", run)
	q.Set("rettype", "full")
	q.Set("retmode", "xml")

	body, err := r.get(ctx, "sra", r.efetchURL+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch sra metadata for %s: %w", run, err)
	}

	obj, err := ParseSRAXML(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse sra metadata for %s: %w", run, err)
	}

	if obj == nil {
		return nil, fmt.Errorf("%s: %w", run, ErrNoSRAObject)
	}

	return obj, nil
}

// ParseSRAXML returns the first AWS, worldwide-egress alternative in an efetch document
// together with the md5 and size of the enclosing SRAFile or Run. It returns nil when
// there is none.
func ParseSRAXML(rd io.Reader) (*SRAObject, error) {
	dec := xml.NewDecoder(rd)

	var (
		md5  string
		size int64
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}

		if err != nil {
			return nil, err
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch {
		case strings.EqualFold(start.Name.Local, "SRAFile"), strings.EqualFold(start.Name.Local, "Run"):
			md5, size = "", 0

			for _, a := range start.Attr {
				switch {
				case strings.EqualFold(a.Name.Local, "md5"):
					md5 = strings.ToLower(a.Value)
				case strings.EqualFold(a.Name.Local, "size"):
					size, _ = strconv.ParseInt(a.Value, 10, 64)
				}
			}
		case strings.EqualFold(start.Name.Local, "Alternatives"):
			var aws, worldwide bool

			var raw string

			for _, a := range start.Attr {
				switch {
				case strings.EqualFold(a.Name.Local, "org"):
					aws = strings.EqualFold(a.Value, "AWS")
				case strings.EqualFold(a.Name.Local, "free_egress"):
					worldwide = strings.EqualFold(a.Value, "worldwide")
				case strings.EqualFold(a.Name.Local, "url"):
					raw = a.Value
				}
			}

			if !aws || !worldwide || raw == "" {
				continue
			}

			if obj, ok := sraLocators(raw); ok {
				obj.MD5 = md5
				obj.Size = size

				return obj, nil
			}
		}
	}
}

func sraLocators(raw string) (*SRAObject, bool) {
	if s3, ok := source.HTTPSToS3(raw); ok {
		return &SRAObject{S3URI: s3, HTTPURL: raw}, true
	}

	if https, err := source.S3ToHTTPS(raw); err == nil {
		return &SRAObject{S3URI: raw, HTTPURL: https}, true
	}

	return nil, false
}

// SRADescriptor places the run's .sra object under outDir. With useS3 the object is read
// through the bucket API, otherwise over HTTPS.
func SRADescriptor(run Run, obj *SRAObject, outDir string, useS3 bool) (transfer.Descriptor, error) {
	name := path.Base(obj.S3URI)
	if !strings.HasSuffix(name, ".sra") {
		name += ".sra"
	}

	d := transfer.Descriptor{
		ID:       run.Accession,
		RunID:    run.Accession,
		SampleID: run.Sample,
		Size:     obj.Size,
		MD5:      obj.MD5,
		Dest:     filepath.Join(outDir, name),
	}

	if !useS3 {
		d.URL = obj.HTTPURL
		return d, nil
	}

	bucket, key, err := source.ParseS3URI(obj.S3URI)
	if err != nil {
		return d, err
	}

	d.Bucket, d.Key = bucket, key

	return d, nil
}

// SRADescriptors resolves each run in order. Runs with no AWS copy are skipped; any other
// lookup failure aborts.
func (r *Resolver) SRADescriptors(ctx context.Context, runs []Run, outDir string, useS3 bool) ([]transfer.Descriptor, []Skip, error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		descs []transfer.Descriptor
		skips []Skip
	)

	for _, run := range runs {
		obj, err := r.SRAObject(ctx, run.Accession)

		switch {
		case errors.Is(err, ErrNoSRAObject):
			logger.Warn("no AWS copy found, skipping run", "run", run.Accession)
			skips = append(skips, Skip{Run: run.Accession, Reason: ErrNoSRAObject.Error()})

			continue
		case err != nil:
			return descs, skips, err
		}

		d, err := SRADescriptor(run, obj, outDir, useS3)
		if err != nil {
			return descs, skips, err
		}

		logger.Debug("resolved sra object", "run", run.Accession, "locator", d.Locator(), "size", d.Size)

		descs = append(descs, d)
	}

	return descs, skips, nil
}
