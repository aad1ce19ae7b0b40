// Package proxy implements the rewriting reverse proxy: it forwards a request
// to one origin server and remaps origin URLs found in redirects and in
// HTML, CSS, JavaScript and JSON bodies into the proxy's own address space.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shi-institute/shi-reverse-proxy/internal/metrics"
	"github.com/shi-institute/shi-reverse-proxy/internal/model"
)

var (
	// ErrInvalidOrigin is returned by New when the origin server URL is unusable.
	ErrInvalidOrigin = errors.New("invalid origin server")
	// ErrMissingLocation is returned when the origin sends a redirect without a Location header.
	ErrMissingLocation = errors.New("origin redirect without Location header")
)

// redirectStatuses are the origin statuses whose Location is rewritten.
var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusSeeOther:          true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// Doer performs a single outbound HTTP exchange without following redirects.
type Doer interface {
	Do(req *http.Request) (*model.ProxyResponse, error)
}

// AfterBodyFunc post-processes a rewritten text or JSON body. It runs after
// the built-in substitutions and before the response is returned.
type AfterBodyFunc func(ctx context.Context, body []byte, inbound *url.URL, contentType string) ([]byte, error)

// Replacement is a literal, non-regex search/replace pair.
type Replacement struct {
	Search  string
	Replace string
}

// Options configures a Proxy.
type Options struct {
	// Origin is the absolute origin server URL, optionally with a path prefix
	// that must not end with a slash, e.g. "https://blogs.example/site".
	Origin string
	// NotFoundPaths are inbound paths answered with a bodyless 404.
	NotFoundPaths []string
	// Replacements are applied in order after origin URL substitution.
	Replacements []Replacement
	// RemovePath strips the origin's path prefix from client-facing URLs.
	RemovePath bool
	AfterBody  AfterBodyFunc
}

// Proxy is a rewriting reverse proxy for a single origin. It is immutable
// after New and safe for concurrent use.
type Proxy struct {
	origin       string // scheme://host, default port removed
	prefix       string // escaped origin path without trailing slash, "" for none
	removePath   bool
	notFound     map[string]struct{}
	replacements []Replacement
	afterBody    AfterBodyFunc

	doer    Doer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New validates opts and returns a Proxy. The metrics parameter is optional.
func New(opts Options, doer Doer, logger *slog.Logger, m *metrics.Metrics) (*Proxy, error) {
	if opts.Origin == "" {
		return nil, fmt.Errorf("%w: origin is required", ErrInvalidOrigin)
	}
	u, err := url.Parse(opts.Origin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q must start with http:// or https://", ErrInvalidOrigin, opts.Origin)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidOrigin, opts.Origin)
	}
	prefix := u.EscapedPath()
	if prefix == "/" {
		prefix = ""
	}
	if strings.HasSuffix(prefix, "/") {
		return nil, fmt.Errorf("%w: %q must not end with a slash", ErrInvalidOrigin, opts.Origin)
	}
	if doer == nil {
		return nil, errors.New("proxy: nil Doer")
	}

	notFound := make(map[string]struct{}, len(opts.NotFoundPaths))
	for _, p := range opts.NotFoundPaths {
		notFound[p] = struct{}{}
	}

	return &Proxy{
		origin:       OriginOf(u),
		prefix:       prefix,
		removePath:   opts.RemovePath,
		notFound:     notFound,
		replacements: append([]Replacement(nil), opts.Replacements...),
		afterBody:    opts.AfterBody,
		doer:         doer,
		logger:       logger.With("component", "rewriting_proxy", "origin", opts.Origin),
		metrics:      m,
	}, nil
}

// Origin returns the normalized origin server URL, including its path prefix.
func (p *Proxy) Origin() string {
	return p.origin + p.prefix
}

// Handle forwards pr to the origin and returns the rewritten response.
// The caller must close the returned response.
//
// Errors are descriptive and never swallowed: transport failures carry the
// outbound URL, redirects without Location yield ErrMissingLocation and
// undecodable bodies yield ErrDecodeBody.
func (p *Proxy) Handle(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if _, ok := p.notFound[pr.URL.EscapedPath()]; ok {
		return &model.ProxyResponse{
			StatusCode: http.StatusNotFound,
			Status:     http.StatusText(http.StatusNotFound),
			Header:     make(http.Header),
		}, nil
	}

	outbound := p.OutboundURL(pr.URL)
	req, err := p.newOutboundRequest(pr, outbound)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("fetching from origin", "method", pr.Method, "url", outbound)

	resp, err := p.doer.Do(req)
	if err != nil {
		p.logger.Error("origin fetch failed", "url", outbound, "err", err)
		return nil, fmt.Errorf("fetch %s: %w", outbound, err)
	}

	if redirectStatuses[resp.StatusCode] {
		return p.rewriteRedirect(resp, req.URL, pr.URL)
	}

	if !hasBody(pr.Method, resp.StatusCode) {
		header := CloneHeader(resp.Header)
		header.Set("Link", canonicalLink(pr.URL))
		return &model.ProxyResponse{
			StatusCode:    resp.StatusCode,
			Status:        resp.Status,
			Header:        header,
			Body:          resp.Body,
			ContentLength: resp.ContentLength,
		}, nil
	}

	payload, err := p.RewriteBody(pr.Ctx, resp, pr.URL)
	if err != nil {
		_ = resp.Close()
		return nil, fmt.Errorf("rewrite body of %s: %w", outbound, err)
	}

	header := CloneHeader(resp.Header)
	header.Set("Link", canonicalLink(pr.URL))

	out := &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     header,
	}
	if payload.Kind == KindBinary {
		out.Body = payload.Stream
		out.ContentLength = resp.ContentLength
		return out, nil
	}

	header.Del("Content-Encoding")
	header.Set("Content-Length", strconv.Itoa(len(payload.Text)))
	out.Body = io.NopCloser(strings.NewReader(string(payload.Text)))
	out.ContentLength = int64(len(payload.Text))
	return out, nil
}

// OutboundURL returns the origin URL for an inbound request URL:
// the origin's scheme and host, the origin path prefix when RemovePath is
// set, then the inbound path and query.
func (p *Proxy) OutboundURL(inbound *url.URL) string {
	s := p.origin
	if p.removePath {
		s += p.prefix
	}
	s += inbound.EscapedPath()
	if inbound.RawQuery != "" {
		s += "?" + inbound.RawQuery
	}
	return s
}

func (p *Proxy) newOutboundRequest(pr *model.ProxyRequest, outbound string) (*http.Request, error) {
	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader = http.NoBody
	if pr.Body != nil && pr.Body != http.NoBody {
		body = pr.Body
	}

	req, err := http.NewRequestWithContext(ctx, pr.Method, outbound, body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", outbound, err)
	}
	req.Header = CloneHeader(pr.Header)
	if body != http.NoBody {
		req.ContentLength = pr.ContentLength
	}
	return req, nil
}

// rewriteRedirect remaps the Location of an origin redirect and drops its body.
func (p *Proxy) rewriteRedirect(resp *model.ProxyResponse, outbound, inbound *url.URL) (*model.ProxyResponse, error) {
	defer func() { _ = resp.Close() }()

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, fmt.Errorf("%w: received %d from %s", ErrMissingLocation, resp.StatusCode, outbound)
	}

	target, err := outbound.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse Location %q: %w", location, err)
	}

	proxied, err := p.ToProxyURL(target.String(), inbound)
	if err != nil {
		return nil, err
	}

	header := CloneHeader(resp.Header)
	header.Set("Location", proxied.String())
	header.Del("Content-Length")
	header.Del("Content-Encoding")

	if p.metrics != nil {
		p.metrics.RedirectsRewritten.Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     header,
	}, nil
}

// hasBody reports whether a response to method with the given status can carry content.
func hasBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified
}

func canonicalLink(u *url.URL) string {
	return "<" + u.String() + `>; rel="canonical"`
}
