package storage

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// asciiFold decomposes accented characters and drops the combining marks so
// "Révérence.mp4" sanitizes to "Reverence.mp4" instead of "R_v_rence.mp4".
var asciiFold = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SanitizeFilename reduces a caller-supplied filename to the safe alphabet
// [A-Za-z0-9._-]. Path separators and any other character are replaced with
// underscores. The result never contains a path component.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if folded, _, err := transform.String(asciiFold, name); err == nil {
		name = folded
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	sanitized := strings.Trim(b.String(), ".")
	if sanitized == "" || sanitized == "_" {
		return ""
	}
	return sanitized
}

// uniqueToken returns a short opaque suffix used to disambiguate colliding
// sanitized names and to name URL ingests that carry no filename.
func uniqueToken() string {
	id := uuid.NewString()
	return strings.ReplaceAll(id, "-", "")[:12]
}

// withToken splices a token between the stem and extension of a sanitized
// name, so collisions stay recognisable: video.mp4 -> video-5f3a09c2b41d.mp4.
func withToken(name, token string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		return token + ext
	}
	return stem + "-" + token + ext
}
