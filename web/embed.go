package web

import (
	"embed"
	"html/template"
	"io/fs"
)

// staticFiles bundles the upload page and the watch player assets.
//
//go:embed static/*
var staticFiles embed.FS

// Static returns a filesystem rooted at the bundled static assets.
func Static() (fs.FS, error) {
	return fs.Sub(staticFiles, "static")
}

// PlayerTemplate parses the bundled watch page. The API handler falls
// back to a minimal inline player when this is not wired.
func PlayerTemplate() (*template.Template, error) {
	return template.ParseFS(staticFiles, "static/watch.html")
}
