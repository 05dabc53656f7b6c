package ingest

import (
	"errors"
	"fmt"
)

// ErrSourceRequired is returned when neither a file stream nor a URL was
// provided.
var ErrSourceRequired = errors.New("ingest source is required")

// PayloadTooLargeError rejects an upload that exceeds the configured size
// limit. The limit is enforced while streaming, never after buffering.
type PayloadTooLargeError struct {
	LimitBytes int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("upload exceeds the %s size limit", HumanSize(e.LimitBytes))
}

// UnsupportedTypeError rejects an upload whose content type is outside the
// configured allow-list.
type UnsupportedTypeError struct {
	MimeType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported content type %q", e.MimeType)
}

// FetchError wraps any failure to retrieve a remote source: DNS errors,
// timeouts, non-2xx responses, or a stream that dies mid-transfer.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("Failed to download file from %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("Failed to download file from %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// HumanSize renders a byte count with a binary unit suffix for error
// messages and logs.
func HumanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
