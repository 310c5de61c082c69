package ws

import (
	"net/http"
	"strings"
)

// OriginChecker returns a CheckOrigin function for a gorilla/websocket
// Upgrader that accepts requests without an Origin header and requests whose
// Origin matches one of allowed. A "*" entry allows every origin.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// No Origin header: same-origin request or non-browser client.
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}
