// Package service routes inbound requests to the per-site proxies.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/shi-institute/shi-reverse-proxy/internal/config"
	"github.com/shi-institute/shi-reverse-proxy/internal/metrics"
	"github.com/shi-institute/shi-reverse-proxy/internal/model"
	"github.com/shi-institute/shi-reverse-proxy/internal/proxy"
)

// ErrNoRoute is returned when no route, redirect or bypass matches a request.
var ErrNoRoute = errors.New("no route matches request")

// DecisionKind says what the router does with a request.
type DecisionKind int

const (
	DecisionNone DecisionKind = iota
	DecisionRedirect
	DecisionProxy
)

// Decision is the outcome of resolving an inbound URL.
type Decision struct {
	Kind DecisionKind
	// Status and Location are set for DecisionRedirect.
	Status   int
	Location string
	// Route is set for DecisionProxy.
	Route *Route
}

// Route is a configured site: the path prefixes it serves and its proxy.
type Route struct {
	Name     string
	Prefixes []string
	Proxy    *proxy.Proxy
	bypass   []config.BypassConfig
}

// RouteInfo describes a route for the status endpoint.
type RouteInfo struct {
	Name     string   `json:"name"`
	Origin   string   `json:"origin"`
	Prefixes []string `json:"prefixes"`
}

// Router dispatches requests to routes. It holds no mutable state after
// construction.
type Router struct {
	routes        []*Route
	redirects     map[string]string
	canonicalHost string
	development   bool
	logger        *slog.Logger
}

// NewRouter builds one proxy per configured route. nav may be nil when
// navigation is disabled; m is optional.
func NewRouter(cfg *config.Config, doer proxy.Doer, nav Renderer, logger *slog.Logger, m *metrics.Metrics) (*Router, error) {
	r := &Router{
		redirects:     cfg.Redirects,
		canonicalHost: strings.ToLower(cfg.Server.CanonicalHost),
		development:   cfg.Server.Development,
		logger:        logger.With("component", "router"),
	}

	for _, rc := range cfg.Routes {
		replacements := make([]proxy.Replacement, 0, len(rc.Replacements))
		for _, rep := range rc.Replacements {
			replacements = append(replacements, proxy.Replacement{Search: rep.Search, Replace: rep.Replace})
		}

		hooks := chainHooks(
			newInjector(rc.Inject, nav),
			newOffRouteRewriter(rc.Prefixes, rc.OffRouteOrigin),
		)

		p, err := proxy.New(proxy.Options{
			Origin:        rc.Origin,
			NotFoundPaths: rc.NotFoundPaths,
			Replacements:  replacements,
			RemovePath:    rc.RemovePath,
			AfterBody:     hooks,
		}, doer, logger.With("route", rc.Name), m)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.Name, err)
		}

		r.routes = append(r.routes, &Route{
			Name:     rc.Name,
			Prefixes: rc.Prefixes,
			Proxy:    p,
			bypass:   rc.Bypass,
		})
	}

	return r, nil
}

// Routes lists the configured routes in match order.
func (r *Router) Routes() []RouteInfo {
	out := make([]RouteInfo, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, RouteInfo{Name: rt.Name, Origin: rt.Proxy.Origin(), Prefixes: rt.Prefixes})
	}
	return out
}

// Resolve decides how to serve u. Checks run in order: canonical host,
// static redirects, route match, then the matched route's bypass rules.
func (r *Router) Resolve(u *url.URL) Decision {
	if r.canonicalHost != "" && !r.development && strings.ToLower(u.Hostname()) != r.canonicalHost {
		target := url.URL{
			Scheme:   "https",
			Host:     r.canonicalHost,
			Path:     u.Path,
			RawPath:  u.RawPath,
			RawQuery: u.RawQuery,
		}
		return Decision{Kind: DecisionRedirect, Status: http.StatusTemporaryRedirect, Location: target.String()}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	if loc, ok := r.staticRedirect(u, path); ok {
		return Decision{Kind: DecisionRedirect, Status: http.StatusFound, Location: loc}
	}

	rt := r.match(path)
	if rt == nil {
		return Decision{Kind: DecisionNone}
	}

	for _, b := range rt.bypass {
		if strings.Contains(path, b.Contains) {
			target, err := url.Parse(b.Target)
			if err != nil {
				r.logger.Warn("invalid bypass target", "route", rt.Name, "target", b.Target, "err", err)
				continue
			}
			loc := url.URL{Scheme: target.Scheme, Host: target.Host, Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}
			return Decision{Kind: DecisionRedirect, Status: http.StatusTemporaryRedirect, Location: loc.String()}
		}
	}

	return Decision{Kind: DecisionProxy, Route: rt}
}

func (r *Router) staticRedirect(u *url.URL, path string) (string, bool) {
	if len(r.redirects) == 0 {
		return "", false
	}
	key := path
	if len(key) > 1 {
		key = strings.TrimSuffix(key, "/")
	}
	// The site root carries search queries (/?s=...), so it only redirects bare.
	if key == "/" && u.RawQuery != "" {
		return "", false
	}
	target, ok := r.redirects[key]
	if !ok {
		return "", false
	}

	ref, err := url.Parse(target)
	if err != nil {
		r.logger.Warn("invalid redirect target", "path", key, "target", target, "err", err)
		return "", false
	}
	base := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	return base.ResolveReference(ref).String(), true
}

// match returns the first route with a prefix containing path on a segment
// boundary. The prefix "/" matches every path.
func (r *Router) match(path string) *Route {
	for _, rt := range r.routes {
		for _, prefix := range rt.Prefixes {
			if hasPathPrefix(path, prefix) {
				return rt
			}
		}
	}
	return nil
}

func hasPathPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Forward serves pr: redirects are answered directly, proxied requests go to
// the matched route. The caller is responsible for closing the response.
func (r *Router) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	d := r.Resolve(pr.URL)

	switch d.Kind {
	case DecisionRedirect:
		r.logger.Debug("redirecting", "from", pr.URL.String(), "to", d.Location, "status", d.Status)
		return &model.ProxyResponse{
			StatusCode:    d.Status,
			Status:        http.StatusText(d.Status),
			Header:        http.Header{"Location": {d.Location}},
			ContentLength: 0,
		}, nil
	case DecisionProxy:
		resp, err := d.Route.Proxy.Handle(pr)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", d.Route.Name, err)
		}
		stripHopHeaders(resp.Header)
		return resp, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, pr.URL.EscapedPath())
	}
}
