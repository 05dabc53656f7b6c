package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// errRangeNotSatisfiable tags every malformed or out-of-bounds Range
// header. Multi-range requests are rejected the same way; only a single
// byte window per request is served.
var errRangeNotSatisfiable = errors.New("range not satisfiable")

// byteRange is an inclusive byte window within a file.
type byteRange struct {
	start int64
	end   int64
}

func (br byteRange) length() int64 {
	return br.end - br.start + 1
}

// parseRange interprets a "bytes=start-end" header against the file size.
// The end offset defaults to the last byte when omitted. Any violation of
// 0 <= start <= end <= size-1 is a hard 416; ranges are never clamped.
func parseRange(header string, size int64) (byteRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return byteRange{}, fmt.Errorf("%w: unsupported range unit", errRangeNotSatisfiable)
	}
	if strings.ContainsRune(spec, ',') {
		return byteRange{}, fmt.Errorf("%w: multiple ranges are not supported", errRangeNotSatisfiable)
	}
	startPart, endPart, ok := strings.Cut(spec, "-")
	if !ok {
		return byteRange{}, fmt.Errorf("%w: malformed range", errRangeNotSatisfiable)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startPart), 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, fmt.Errorf("%w: malformed range start", errRangeNotSatisfiable)
	}
	if start >= size {
		return byteRange{}, fmt.Errorf("%w: start %d beyond size %d", errRangeNotSatisfiable, start, size)
	}
	end := size - 1
	if trimmed := strings.TrimSpace(endPart); trimmed != "" {
		end, err = strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return byteRange{}, fmt.Errorf("%w: malformed range end", errRangeNotSatisfiable)
		}
	}
	if end >= size || start > end {
		return byteRange{}, fmt.Errorf("%w: bytes %d-%d outside size %d", errRangeNotSatisfiable, start, end, size)
	}
	return byteRange{start: start, end: end}, nil
}

// ServeMedia streams stored bytes with single-range semantics: 200 for
// full reads, 206 for a valid window, 416 for anything out of bounds. The
// 416 path never opens the file; only its size is consulted.
func (h *Handler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/uploads/")
	fullPath, err := h.resolveMediaPath(rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("file %s not found", rel))
		return
	}
	if info.IsDir() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s is not a servable file", rel))
		return
	}
	size := info.Size()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", h.mediaContentType(rel))
	if asset, ok := h.Store.GetAsset(path.Base(rel)); ok && asset.Checksum != "" {
		w.Header().Set("ETag", `"`+asset.Checksum+`"`)
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		h.recorder().ObserveRangeRequest("full")
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		if r.Method == http.MethodHead {
			return
		}
		h.streamFile(w, fullPath, 0, size)
		return
	}

	window, err := parseRange(rangeHeader, size)
	if err != nil {
		h.recorder().ObserveRangeRequest("not_satisfiable")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable,
			fmt.Errorf("%v (file size %d)", err, size))
		return
	}

	h.recorder().ObserveRangeRequest("partial")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", window.start, window.end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(window.length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	h.streamFile(w, fullPath, window.start, window.length())
}

// resolveMediaPath maps a request path onto the asset root, rejecting
// traversal, absolute paths, and reads of the store's own index.
func (h *Handler) resolveMediaPath(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", errors.New("file path is required")
	}
	cleaned := path.Clean("/" + rel)
	if cleaned == "/" || strings.Contains(cleaned, "..") {
		return "", errors.New("invalid file path")
	}
	if base := path.Base(cleaned); strings.HasPrefix(base, ".") {
		return "", errors.New("invalid file path")
	}
	root := h.Store.Root()
	fullPath := filepath.Join(root, filepath.FromSlash(cleaned))
	if fullPath != root && !strings.HasPrefix(fullPath, root+string(os.PathSeparator)) {
		return "", errors.New("invalid file path")
	}
	return fullPath, nil
}

// mediaContentType prefers HLS types for package files, then the stored
// asset's declared type, then the extension.
func (h *Handler) mediaContentType(rel string) string {
	switch strings.ToLower(path.Ext(rel)) {
	case ".m3u8":
		return "application/x-mpegURL"
	case ".ts":
		return "video/MP2T"
	}
	if asset, ok := h.Store.GetAsset(path.Base(rel)); ok && asset.MimeType != "" {
		return asset.MimeType
	}
	if byExt := mime.TypeByExtension(path.Ext(rel)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// streamFile copies exactly n bytes starting at offset to the response.
// Errors past the header write can only be logged; the client owns the
// connection at that point.
func (h *Handler) streamFile(w http.ResponseWriter, fullPath string, offset, n int64) {
	file, err := os.Open(fullPath)
	if err != nil {
		h.logger().Error("open media file", "path", fullPath, "error", err)
		return
	}
	defer file.Close()
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			h.logger().Error("seek media file", "path", fullPath, "offset", offset, "error", err)
			return
		}
	}
	if _, err := io.CopyN(w, file, n); err != nil && !errors.Is(err, io.EOF) {
		h.logger().Debug("stream interrupted", "path", fullPath, "error", err)
	}
}
