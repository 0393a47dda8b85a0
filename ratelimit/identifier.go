package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// UnknownClient identifies requests whose origin cannot be derived.
const UnknownClient = "unknown"

// ClientIP returns the address of the client that sent r. Proxy
// headers win over the connection address, in this order:
// X-Forwarded-For (first hop), X-Real-IP, CF-Connecting-IP.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	for _, h := range []string{"X-Real-IP", "CF-Connecting-IP"} {
		if ip := strings.TrimSpace(r.Header.Get(h)); ip != "" {
			return ip
		}
	}

	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}

		return host
	}

	return UnknownClient
}

// Identifier returns "user:<id>" for authenticated requests and
// "ip:<address>" otherwise.
func Identifier(userID string, r *http.Request) string {
	if userID != "" {
		return "user:" + userID
	}

	return "ip:" + ClientIP(r)
}

// Key scopes identifier to one route so that each route owns its own
// window.
func Key(route, identifier string) string {
	if route == "" {
		return identifier
	}

	return route + "|" + identifier
}
