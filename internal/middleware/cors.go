package middleware

import (
	"net/http"
	"strings"

	"github.com/samber/lo"
)

// CORS wraps the whole router so OPTIONS preflight requests are answered
// before route matching. Only origins in allowed are echoed back; "*"
// allows any origin.
func CORS(allowed []string) func(http.Handler) http.Handler {
	origins := lo.SliceToMap(allowed, func(o string) (string, struct{}) {
		return strings.ToLower(o), struct{}{}
	})
	_, allowAll := origins["*"]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := origins[strings.ToLower(origin)]; ok || allowAll {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
