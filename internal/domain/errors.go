package domain

import "errors"

// Download failure taxonomy. Policy violations (size, zero size, duration)
// are terminal and never retried; transport faults are retried and surface
// as ErrDownloadFailed once the retry budget is exhausted.
var (
	// ErrZeroSize is returned when a resource declares or delivers zero bytes.
	ErrZeroSize = errors.New("media has zero size")

	// ErrSizeLimit is returned when a resource exceeds the configured byte limit.
	ErrSizeLimit = errors.New("media exceeds the size limit")

	// ErrDurationLimit is returned when video metadata exceeds the configured
	// maximum duration, before any bytes are transferred.
	ErrDurationLimit = errors.New("media exceeds the duration limit")

	// ErrExtractParse is returned when the extraction engine yields no usable
	// metadata or formats for a URL.
	ErrExtractParse = errors.New("failed to extract media info")

	// ErrDownloadFailed wraps the last transport error after retries are
	// exhausted, or an unrecoverable engine failure.
	ErrDownloadFailed = errors.New("media download failed")
)

// IsPolicyViolation reports whether err is a resource-limit rejection rather
// than a transient transport fault.
func IsPolicyViolation(err error) bool {
	return errors.Is(err, ErrZeroSize) ||
		errors.Is(err, ErrSizeLimit) ||
		errors.Is(err, ErrDurationLimit)
}
