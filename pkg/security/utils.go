package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP from the request.
// Only RemoteAddr is used; forwarding headers can be spoofed.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// BearerToken returns the token from an "Authorization: Bearer" header,
// falling back to the named query parameter when the header is absent.
func BearerToken(r *http.Request, queryParam string) string {
	const prefix = "bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	if queryParam == "" {
		return ""
	}
	return r.URL.Query().Get(queryParam)
}
