package service

import (
	"net/http"
	"strings"
)

// hopHeaders apply to a single connection and are not relayed to clients.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopHeaders removes hop-by-hop headers, including any listed in
// Connection, from an origin response header set.
func stripHopHeaders(h http.Header) {
	if h == nil {
		return
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
