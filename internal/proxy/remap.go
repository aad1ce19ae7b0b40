package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ToProxyURL maps candidate, a URL found in an origin response, into the
// proxy's address space. Relative candidates are resolved against the
// inbound request's origin. URLs on any other origin are returned as parsed.
func (p *Proxy) ToProxyURL(candidate string, inbound *url.URL) (*url.URL, error) {
	ref, err := url.Parse(candidate)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", candidate, err)
	}
	u := ref
	if !ref.IsAbs() {
		base := &url.URL{Scheme: inbound.Scheme, Host: inbound.Host, Path: "/"}
		u = base.ResolveReference(ref)
	}

	if OriginOf(u) != p.origin {
		return u, nil
	}

	path := u.EscapedPath()
	if p.removePath {
		path = p.stripPrefix(path)
	}
	if path == "" {
		path = "/"
	}

	s := OriginOf(inbound) + path
	if u.RawQuery != "" {
		s += "?" + u.RawQuery
	}
	proxied, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("build proxy URL for %q: %w", candidate, err)
	}
	return proxied, nil
}

// stripPrefix removes the origin path prefix from the front of path. A path
// outside the prefix is left alone and logged.
func (p *Proxy) stripPrefix(path string) string {
	if p.prefix == "" {
		return path
	}
	if path == p.prefix {
		return ""
	}
	if rest, ok := strings.CutPrefix(path, p.prefix+"/"); ok {
		return "/" + rest
	}
	p.logger.Warn("origin URL outside configured path prefix; leaving path unchanged",
		"path", path,
		"prefix", p.prefix,
	)
	return path
}

// OriginOf returns scheme://host for u, lowercased and without the scheme's
// default port.
func OriginOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host
}
