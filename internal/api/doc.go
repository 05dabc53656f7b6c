// Package api implements the HTTP handlers for media ingestion, transcode
// status, and range-aware playback.
//
// Handlers translate the typed errors raised by the ingest and transcode
// packages into the JSON error contract: {"error": message} with the
// status code implied by the error's type.
package api
