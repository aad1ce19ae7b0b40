// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is the read-only projection of an inbound client request.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// URL is absolute: scheme, host, path and query as the client sent them.
	URL           *url.URL
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse is an origin response, or the rewritten response handed back
// to the caller. Body is nil for bodyless responses.
type ProxyResponse struct {
	StatusCode int
	// Status is the reason phrase without the numeric code, e.g. "Found".
	Status        string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// Close releases the response body if there is one.
func (r *ProxyResponse) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}
