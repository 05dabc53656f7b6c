// Package server hosts the upload API, the media endpoints, and the
// embedded web UI from a single HTTP server.
//
// Every route runs behind the same middleware chain of request IDs,
// logging, metrics, rate limiting, and security headers so handlers share
// common protections and instrumentation.
package server
