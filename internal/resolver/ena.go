package resolver

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/xsx123123/EBIDownload/internal/logctx"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

const enaFields = "run_accession,fastq_ftp,fastq_md5,fastq_bytes,sample_title"

// Record is one row of an ENA read_run filereport.
type Record struct {
	RunAccession string
	FastqFTP     string
	FastqMD5     string
	FastqBytes   string
	SampleTitle  string
}

// File is one fastq file of a run.
type File struct {
	URL  string
	Name string
	MD5  string
	Size int64
	// Mate is 1 or 2 for paired reads and 0 otherwise.
	Mate int
}

// Run groups the files of one sequencing run.
type Run struct {
	Accession string
	Sample    string
	Files     []File
}

// Paired reports whether both mates are present.
func (r *Run) Paired() bool {
	var m1, m2 bool

	for _, f := range r.Files {
		m1 = m1 || f.Mate == 1
		m2 = m2 || f.Mate == 2
	}

	return m1 && m2
}

// Skip records a run dropped while building the work list.
type Skip struct {
	Run    string
	Reason string
}

// ENARecords fetches the read_run filereport for an accession.
func (r *Resolver) ENARecords(ctx context.Context, accession string) ([]Record, error) {
	q := url.Values{}
	q.Set("accession", accession)
	q.Set("result", "read_run")
	q.Set("fields", enaFields)
	q.Set("format", "tsv")

	logctx.LoggerFromContext(ctx).Info("fetching ENA filereport", "accession", accession)

	body, err := r.get(ctx, "ena", r.enaURL+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch filereport for %s: %w", accession, err)
	}

	records, err := ParseTSV(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse filereport for %s: %w", accession, err)
	}

	return records, nil
}

// ReadTSV reads a filereport saved to disk.
func ReadTSV(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tsv: %w", err)
	}
	defer f.Close()

	records, err := ParseTSV(f)
	if err != nil {
		return nil, fmt.Errorf("parse tsv %s: %w", path, err)
	}

	return records, nil
}

// ParseTSV reads a header-led, tab-separated filereport. Only run_accession and fastq_ftp
// columns are mandatory.
func ParseTSV(rd io.Reader) ([]Record, error) {
	r := csv.NewReader(rd)
	r.Comma = '\t'
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}

	for _, required := range []string{"run_accession", "fastq_ftp"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}

		return strings.TrimSpace(row[i])
	}

	var records []Record

	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, err
		}

		rec := Record{
			RunAccession: field(row, "run_accession"),
			FastqFTP:     field(row, "fastq_ftp"),
			FastqMD5:     field(row, "fastq_md5"),
			FastqBytes:   field(row, "fastq_bytes"),
			SampleTitle:  field(row, "sample_title"),
		}

		if rec.RunAccession == "" {
			continue
		}

		records = append(records, rec)
	}

	return records, nil
}

var mateSuffix = regexp.MustCompile(`_([12])\.f(ast)?q(\.gz)?$`)

// BuildRuns splits the ;-separated file columns into runs. With peOnly, runs without both
// mates are dropped and unpaired files are removed from the rest.
func BuildRuns(records []Record, peOnly bool) ([]Run, []Skip) {
	var (
		runs  []Run
		skips []Skip
	)

	for _, rec := range records {
		urls := splitList(rec.FastqFTP)
		if len(urls) == 0 {
			skips = append(skips, Skip{Run: rec.RunAccession, Reason: "no fastq files"})
			continue
		}

		md5s := splitList(rec.FastqMD5)
		sizes := splitList(rec.FastqBytes)

		run := Run{Accession: rec.RunAccession, Sample: rec.SampleTitle}

		var bad string

		for i, u := range urls {
			f := File{URL: httpsLocator(u), Name: path.Base(u)}

			if i < len(md5s) {
				f.MD5 = strings.ToLower(md5s[i])
			}

			if i >= len(sizes) {
				bad = "missing fastq_bytes"
				break
			}

			size, err := strconv.ParseInt(sizes[i], 10, 64)
			if err != nil || size < 0 {
				bad = fmt.Sprintf("invalid fastq_bytes %q", sizes[i])
				break
			}

			f.Size = size

			if len(urls) > 1 {
				if m := mateSuffix.FindStringSubmatch(f.Name); m != nil {
					f.Mate, _ = strconv.Atoi(m[1])
				}
			}

			run.Files = append(run.Files, f)
		}

		if bad != "" {
			skips = append(skips, Skip{Run: rec.RunAccession, Reason: bad})
			continue
		}

		if peOnly {
			if !run.Paired() {
				skips = append(skips, Skip{Run: rec.RunAccession, Reason: "single-end run"})
				continue
			}

			paired := run.Files[:0]

			for _, f := range run.Files {
				if f.Mate != 0 {
					paired = append(paired, f)
				}
			}

			run.Files = paired
		}

		runs = append(runs, run)
	}

	return runs, skips
}

// ENADescriptors lays every fastq file of runs out under outDir.
func ENADescriptors(runs []Run, outDir string) []transfer.Descriptor {
	var descs []transfer.Descriptor

	for _, run := range runs {
		for _, f := range run.Files {
			descs = append(descs, transfer.Descriptor{
				ID:       f.Name,
				RunID:    run.Accession,
				SampleID: run.Sample,
				URL:      f.URL,
				Size:     f.Size,
				MD5:      f.MD5,
				Dest:     filepath.Join(outDir, f.Name),
				Mate:     f.Mate,
			})
		}
	}

	return descs
}

func splitList(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

func httpsLocator(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"), strings.HasPrefix(u, "http://"):
		return u
	case strings.HasPrefix(u, "ftp://"):
		return "https://" + strings.TrimPrefix(u, "ftp://")
	default:
		return "https://" + u
	}
}
