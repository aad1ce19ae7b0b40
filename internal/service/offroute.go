package service

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/shi-institute/shi-reverse-proxy/internal/proxy"
)

// newOffRouteRewriter points links at the proxy whose paths fall outside
// prefixes back to target. It only touches HTML and returns nil when target
// is empty.
func newOffRouteRewriter(prefixes []string, target string) proxy.AfterBodyFunc {
	if target == "" {
		return nil
	}
	target = strings.TrimSuffix(target, "/")

	return func(_ context.Context, body []byte, inbound *url.URL, contentType string) ([]byte, error) {
		if !strings.Contains(strings.ToLower(contentType), "text/html") {
			return body, nil
		}

		origin := proxy.OriginOf(inbound)
		links := regexp.MustCompile(regexp.QuoteMeta(origin) + `/[^"' ]*`)
		return links.ReplaceAllFunc(body, func(match []byte) []byte {
			rest := match[len(origin)+1:]
			path, _, _ := strings.Cut("/"+string(rest), "?")
			path, _, _ = strings.Cut(path, "#")
			for _, prefix := range prefixes {
				if hasPathPrefix(path, prefix) {
					return match
				}
			}
			return []byte(target + "/" + string(rest))
		}), nil
	}
}

// chainHooks runs hooks in order, skipping nil ones. It returns nil when no
// hook is set.
func chainHooks(hooks ...proxy.AfterBodyFunc) proxy.AfterBodyFunc {
	set := make([]proxy.AfterBodyFunc, 0, len(hooks))
	for _, h := range hooks {
		if h != nil {
			set = append(set, h)
		}
	}
	switch len(set) {
	case 0:
		return nil
	case 1:
		return set[0]
	}

	return func(ctx context.Context, body []byte, inbound *url.URL, contentType string) ([]byte, error) {
		var err error
		for _, h := range set {
			body, err = h(ctx, body, inbound, contentType)
			if err != nil {
				return nil, err
			}
		}
		return body, nil
	}
}
