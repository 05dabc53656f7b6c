// Package config loads the optional TOML configuration file and supplies
// repository defaults. Flags and DRIFTSTREAM_* environment variables are
// layered on top by the server entrypoint.
package config
