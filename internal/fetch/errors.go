package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat means the source's payload cannot be decoded.
	// Retrying the same source will not help.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrPreviewManifest means the manifest covers only a fraction of the
	// track. Treated like an unsupported format: the source is skipped.
	ErrPreviewManifest = errors.New("manifest covers only a preview of the track")

	// ErrSourceExhausted means every candidate source failed.
	ErrSourceExhausted = errors.New("all sources exhausted")
)

// HTTPStatusError reports a non-2xx response from a segment or file URL.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("download returned status %d: %s", e.StatusCode, e.Status)
}

// IsNonRetryable reports whether retrying the same request is pointless:
// auth failures, missing resources, and undecodable payloads.
func IsNonRetryable(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case 401, 403, 404, 410:
			return true
		}
	}
	return errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrPreviewManifest)
}
