package progress

import "io"

// ProgressReader wraps an io.Reader and reports read deltas via a callback once at least
// reportInterval bytes accumulated, and once more at EOF for the remainder.
type ProgressReader struct {
	Reader         io.Reader
	OnProgress     func(delta int64)
	pending        int64 // bytes since last report
	reportInterval int64 // bytes
}

func NewReader(r io.Reader, interval int64, cb func(delta int64)) *ProgressReader {
	return &ProgressReader{
		Reader:         r,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.pending += int64(n)
		if pr.pending >= pr.reportInterval {
			pr.flush()
		}
	}

	if err == io.EOF {
		pr.flush()
	}

	return n, err
}

func (pr *ProgressReader) flush() {
	if pr.pending == 0 || pr.OnProgress == nil {
		return
	}

	pr.OnProgress(pr.pending)
	pr.pending = 0
}
