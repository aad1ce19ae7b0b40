package proxy

import "net/http"

// CloneHeader returns a deep copy of h that can be amended without touching
// the original. A nil h yields an empty, non-nil header.
func CloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}
