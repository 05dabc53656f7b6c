package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"driftstream/internal/observability/logging"
)

type idGenerator func() string

// requestIDMiddleware assigns each request an id, honouring one supplied
// by an upstream proxy, and stashes a request-scoped logger in the
// context so downstream handlers log with consistent fields.
func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, newRequestID, next)
}

func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = newRequestID
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = generator()
		}

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		if assetID := assetIDFromPath(r.URL.Path); assetID != "" {
			ctx = logging.ContextWithAssetID(ctx, assetID)
		}
		ctxLogger := logging.WithContext(ctx, logger)
		ctx = logging.ContextWithLogger(ctx, ctxLogger)

		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// assetIDFromPath pulls the asset id out of the watch and media routes so
// logs for one asset line up across endpoints.
func assetIDFromPath(path string) string {
	for _, prefix := range []string{"/watch/", "/uploads/"} {
		if rest, ok := strings.CutPrefix(path, prefix); ok {
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				rest = rest[:idx]
			}
			return rest
		}
	}
	return ""
}

func newRequestID() string {
	var buffer [16]byte
	if _, err := rand.Read(buffer[:]); err == nil {
		return hex.EncodeToString(buffer[:])
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
