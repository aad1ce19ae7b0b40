package service

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/shi-institute/shi-reverse-proxy/internal/config"
	"github.com/shi-institute/shi-reverse-proxy/internal/proxy"
)

// Renderer produces the navigation markup injected into pages.
type Renderer interface {
	Render(ctx context.Context) (string, error)
}

// newInjector composes a route's inject rules into a body hook. Rules run in
// order against the rewritten body; each marker is replaced at its first
// occurrence only. Navigation markup goes ahead of the rule's static
// content. It returns nil when there are no rules.
func newInjector(rules []config.InjectConfig, nav Renderer) proxy.AfterBodyFunc {
	if len(rules) == 0 {
		return nil
	}

	return func(ctx context.Context, body []byte, _ *url.URL, contentType string) ([]byte, error) {
		ct := strings.ToLower(contentType)
		var (
			navHTML  string
			navReady bool
		)

		for _, rule := range rules {
			if !strings.Contains(ct, strings.ToLower(rule.ContentType)) {
				continue
			}
			idx := bytes.Index(body, []byte(rule.Marker))
			if idx < 0 {
				continue
			}

			content := rule.Content
			if rule.Navigation && nav != nil {
				if !navReady {
					html, err := nav.Render(ctx)
					if err != nil {
						return nil, fmt.Errorf("render navigation: %w", err)
					}
					navHTML, navReady = html, true
				}
				content = navHTML + content
			}
			if content == "" {
				continue
			}

			at := idx + len(rule.Marker)
			if rule.Position == config.InjectBefore {
				at = idx
			}
			out := make([]byte, 0, len(body)+len(content))
			out = append(out, body[:at]...)
			out = append(out, content...)
			out = append(out, body[at:]...)
			body = out
		}

		return body, nil
	}
}
