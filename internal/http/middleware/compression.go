package middleware

import (
	"net/http"
	"strings"
)

// CompressFor wraps a compression middleware so it only applies to the
// given path prefixes. Composed pages stream incrementally and must not
// sit in a compressor's buffer, so compression is limited to the ops API.
func CompressFor(prefixes []string, compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressedHandler := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range prefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					compressedHandler.ServeHTTP(w, r)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
