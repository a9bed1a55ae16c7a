// Package manifest writes the checksum lists and the per-run transfer summary.
package manifest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xsx123123/EBIDownload/internal/transfer"
)

const (
	R1File      = "R1_fastq_md5.tsv"
	R2File      = "R2_fastq_md5.tsv"
	SummaryFile = "transfer_summary.tsv"
)

// WriteChecksums writes md5, file name and sample for every descriptor that carries a
// checksum. Mate 2 goes to the R2 list, everything else to R1.
func WriteChecksums(dir string, descs []transfer.Descriptor) (r1, r2 string, err error) {
	var rows1, rows2 [][]string

	for _, d := range descs {
		if !d.HasChecksum() {
			continue
		}

		row := []string{d.MD5, d.Name(), d.SampleID}

		if d.Mate == 2 {
			rows2 = append(rows2, row)
		} else {
			rows1 = append(rows1, row)
		}
	}

	r1 = filepath.Join(dir, R1File)
	if err := writeTSV(r1, nil, rows1); err != nil {
		return "", "", err
	}

	r2 = filepath.Join(dir, R2File)
	if err := writeTSV(r2, nil, rows2); err != nil {
		return "", "", err
	}

	return r1, r2, nil
}

// WriteSummary writes one row per outcome.
func WriteSummary(dir string, summary *transfer.Summary) (string, error) {
	rows := make([][]string, 0, len(summary.Outcomes))

	for _, o := range summary.Outcomes {
		rows = append(rows, []string{
			o.Descriptor.RunID,
			o.Descriptor.SampleID,
			o.Descriptor.Name(),
			o.Descriptor.MD5,
			string(o.Kind),
			o.Reason(),
		})
	}

	path := filepath.Join(dir, SummaryFile)
	header := []string{"run", "sample", "file", "md5", "outcome", "reason"}

	if err := writeTSV(path, header, rows); err != nil {
		return "", err
	}

	return path, nil
}

func writeTSV(path string, header []string, rows [][]string) error {
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	w.Comma = '\t'

	if header != nil {
		if err := w.Write(header); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}

	return nil
}
