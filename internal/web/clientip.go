package web

import (
	"net"
	"net/http"
	"strings"
)

// clientIP resolves the peer address recorded on the agent roster: the first
// hop of X-Forwarded-For when a proxy set it, else RemoteAddr without the
// port.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
