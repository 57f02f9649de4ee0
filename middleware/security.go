package middleware

import (
	"net/http"
	"strings"
)

// RejectTraversal refuses paths and query values that try to climb out of
// a resource path.
func RejectTraversal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hasTraversal(r.URL.Path) {
			writeError(w, http.StatusBadRequest, "invalid_request", "path traversal detected")
			return
		}
		for _, values := range r.URL.Query() {
			for _, value := range values {
				if hasTraversal(value) {
					writeError(w, http.StatusBadRequest, "invalid_request", "path traversal detected")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func hasTraversal(s string) bool {
	return strings.Contains(s, "../") || strings.Contains(s, "..\\")
}
