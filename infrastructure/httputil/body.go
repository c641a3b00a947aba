package httputil

import (
	"fmt"
	"io"
)

// BodyTooLargeError is returned by ReadAllStrict when a body exceeds the
// limit.
type BodyTooLargeError struct {
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("body exceeds limit of %d bytes", e.Limit)
}

// ReadAllStrict reads the full body from r, refusing bodies larger than
// limit with a *BodyTooLargeError. The proxy uses it to buffer request
// bodies for retry replay without risking unbounded memory use.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if r == nil {
		return nil, fmt.Errorf("reader is nil")
	}

	// Read one byte past the limit to distinguish exactly-at-limit from over.
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, &BodyTooLargeError{Limit: limit}
	}
	return b, nil
}
