package progress

import "io"

// Reader wraps an io.Reader and reports absolute transfer progress via a
// callback at a bounded byte cadence, so persistence is not hammered on
// every chunk.
type Reader struct {
	inner          io.Reader
	total          int64
	onProgress     func(transferred int64, total int64)
	transferred    int64 // absolute position, includes the resume offset
	sinceReport    int64
	reportInterval int64 // bytes
}

// NewReader builds a progress reader starting at the given resume offset.
// The callback receives absolute positions against total (-1 if unknown).
func NewReader(r io.Reader, offset, total, interval int64, cb func(transferred int64, total int64)) *Reader {
	return &Reader{
		inner:          r,
		total:          total,
		onProgress:     cb,
		transferred:    offset,
		reportInterval: interval,
	}
}

// Transferred returns the absolute byte position reached so far.
func (pr *Reader) Transferred() int64 {
	return pr.transferred
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.inner.Read(p)
	if n > 0 {
		pr.transferred += int64(n)
		pr.sinceReport += int64(n)

		if pr.onProgress != nil && pr.sinceReport >= pr.reportInterval {
			pr.onProgress(pr.transferred, pr.total)
			pr.sinceReport = 0
		}
	}

	return n, err
}

// Flush reports the current position regardless of cadence. Called at the
// end of a stream so the final count is never stale.
func (pr *Reader) Flush() {
	if pr.onProgress != nil {
		pr.onProgress(pr.transferred, pr.total)
		pr.sinceReport = 0
	}
}
