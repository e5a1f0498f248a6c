package ratelimit

import (
	"net/http"
	"strings"
)

// LoopbackKey is used when the request carries no forwarded address.
const LoopbackKey = "127.0.0.1"

// ClientKey returns the first X-Forwarded-For hop, trimmed. Later hops are
// appended by proxies and can be forged by the client, so they are ignored.
func ClientKey(r *http.Request) string {
	return ClientKeyFromHeader(r.Header.Get("X-Forwarded-For"))
}

// ClientKeyFromHeader applies ClientKey's rules to a raw header value.
func ClientKeyFromHeader(xff string) string {
	first, _, _ := strings.Cut(xff, ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return LoopbackKey
}
