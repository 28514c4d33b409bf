package s3

import (
	"fmt"
	"io"
)

var ErrReachLimitType *ReachLimitError

type ReachLimitError struct {
	MaxBytes int64
}

func (e *ReachLimitError) Error() string {
	return fmt.Sprintf("reach limit of %s", FormatBytes(e.MaxBytes))
}

// NewMaxSizeReader wraps r so that reading more than maxSize bytes in
// total returns a ReachLimitError instead of the extra data.
func NewMaxSizeReader(r io.Reader, maxSize int64) io.Reader {
	return &maxSizeReader{source: r, limit: maxSize, remaining: maxSize}
}

type maxSizeReader struct {
	source    io.Reader
	limit     int64
	remaining int64
}

func (r *maxSizeReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	// Reading one byte past the remaining allowance is enough to tell
	// whether the source exceeds the limit, without buffering the rest.
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}

	n, err := r.source.Read(p)
	if int64(n) <= r.remaining {
		r.remaining -= int64(n)
		return n, err
	}

	// The probe byte came back, so the source is over the limit. Hand
	// the caller only the allowed portion.
	n = int(r.remaining)
	r.remaining = 0
	return n, &ReachLimitError{MaxBytes: r.limit}
}
