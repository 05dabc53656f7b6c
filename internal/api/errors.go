package api

import (
	"errors"
	"net/http"

	"driftstream/internal/ingest"
	"driftstream/internal/storage"
	"driftstream/internal/transcode"
)

// statusFor maps domain errors onto the HTTP error contract. Anything
// unclassified is an internal failure.
func statusFor(err error) int {
	var tooLarge *ingest.PayloadTooLargeError
	var unsupported *ingest.UnsupportedTypeError
	var fetchErr *ingest.FetchError
	var engineErr *transcode.EngineError
	switch {
	case errors.Is(err, storage.ErrAssetNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrSourceRequired):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &unsupported):
		return http.StatusBadRequest
	case errors.As(err, &fetchErr):
		return http.StatusInternalServerError
	case errors.As(err, &engineErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}
