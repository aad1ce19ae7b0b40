package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/shi-institute/shi-reverse-proxy/internal/model"
)

// handlerDoer serves outbound requests from an in-process handler.
type handlerDoer struct {
	handler http.Handler
	last    *http.Request
	calls   int
}

func (d *handlerDoer) Do(req *http.Request) (*model.ProxyResponse, error) {
	d.last = req
	d.calls++
	rec := httptest.NewRecorder()
	d.handler.ServeHTTP(rec, req)
	res := rec.Result()
	return &model.ProxyResponse{
		StatusCode:    res.StatusCode,
		Status:        http.StatusText(res.StatusCode),
		Header:        res.Header,
		Body:          res.Body,
		ContentLength: res.ContentLength,
	}, nil
}

type errDoer struct{ err error }

func (d errDoer) Do(*http.Request) (*model.ProxyResponse, error) { return nil, d.err }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProxy(t *testing.T, opts Options, doer Doer) *Proxy {
	t.Helper()
	p, err := New(opts, doer, testLogger(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func inboundRequest(t *testing.T, method, rawURL string, body io.Reader) *model.ProxyRequest {
	t.Helper()
	req := httptest.NewRequest(method, rawURL, body)
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return &model.ProxyRequest{
		Ctx:           context.Background(),
		Method:        method,
		URL:           u,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}
}

func readBody(t *testing.T, resp *model.ProxyResponse) string {
	t.Helper()
	if resp.Body == nil {
		return ""
	}
	defer func() { _ = resp.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(b)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{"empty", "", true},
		{"ftp scheme", "ftp://files.example/pub", true},
		{"no scheme", "blog.example/site", true},
		{"trailing slash", "https://blog.example/site/", true},
		{"root path allowed", "https://blog.example/", false},
		{"no path", "https://blog.example", false},
		{"prefix", "https://blog.example/site", false},
		{"http with port", "http://127.0.0.1:8080/site", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Options{Origin: tt.origin}, errDoer{}, testLogger(), nil)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidOrigin) {
					t.Errorf("New(%q) error = %v, want ErrInvalidOrigin", tt.origin, err)
				}
				return
			}
			if err != nil {
				t.Errorf("New(%q) error = %v", tt.origin, err)
			}
		})
	}
}

func TestHandle_NotFoundPaths(t *testing.T) {
	doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("should not be fetched"))
	})}
	p := newTestProxy(t, Options{
		Origin:        "https://blog.example/site",
		NotFoundPaths: []string{"/.well-known/appspecific/com.chrome.devtools.json"},
	}, doer)

	for _, raw := range []string{
		"https://proxy.example/.well-known/appspecific/com.chrome.devtools.json",
		"https://proxy.example/.well-known/appspecific/com.chrome.devtools.json?v=1",
	} {
		resp, err := p.Handle(inboundRequest(t, http.MethodGet, raw, nil))
		if err != nil {
			t.Fatalf("Handle(%s) error = %v", raw, err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
		if body := readBody(t, resp); body != "" {
			t.Errorf("body = %q, want empty", body)
		}
	}
	if doer.calls != 0 {
		t.Errorf("origin called %d times, want 0", doer.calls)
	}

	// Unavailable origin does not matter either.
	p = newTestProxy(t, Options{
		Origin:        "https://blog.example/site",
		NotFoundPaths: []string{"/gone"},
	}, errDoer{err: errors.New("connection refused")})
	resp, err := p.Handle(inboundRequest(t, http.MethodGet, "https://proxy.example/gone", nil))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestOutboundURL(t *testing.T) {
	tests := []struct {
		name       string
		origin     string
		removePath bool
		inbound    string
		want       string
	}{
		{
			name:    "keep path",
			origin:  "https://interactive-web.example/research",
			inbound: "https://proxy.example/research/sterling-24?tab=2",
			want:    "https://interactive-web.example/research/sterling-24?tab=2",
		},
		{
			name:       "remove path prepends prefix",
			origin:     "https://blogs.example/shi-applied-research",
			removePath: true,
			inbound:    "https://proxy.example/about?x=1",
			want:       "https://blogs.example/shi-applied-research/about?x=1",
		},
		{
			name:       "root inbound path",
			origin:     "https://blogs.example/site",
			removePath: true,
			inbound:    "https://proxy.example/",
			want:       "https://blogs.example/site/",
		},
		{
			name:    "escaped path preserved",
			origin:  "https://files.example",
			inbound: "https://proxy.example/filestore/Kolb%20-%20Brief.pdf",
			want:    "https://files.example/filestore/Kolb%20-%20Brief.pdf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProxy(t, Options{Origin: tt.origin, RemovePath: tt.removePath}, errDoer{})
			u, _ := url.Parse(tt.inbound)
			if got := p.OutboundURL(u); got != tt.want {
				t.Errorf("OutboundURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandle_ForwardsRequest(t *testing.T) {
	doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "name=shi" {
			t.Errorf("origin body = %q, want %q", body, "name=shi")
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusCreated)
	})}
	p := newTestProxy(t, Options{Origin: "https://blog.example/site", RemovePath: true}, doer)

	pr := inboundRequest(t, http.MethodPost, "https://proxy.example/wp-comments-post.php?p=3", strings.NewReader("name=shi"))
	pr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	pr.Header.Set("Cookie", "wordpress_logged_in=abc")

	resp, err := p.Handle(pr)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	defer func() { _ = resp.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	got := doer.last
	if got.Method != http.MethodPost {
		t.Errorf("method = %q, want POST", got.Method)
	}
	if got.URL.String() != "https://blog.example/site/wp-comments-post.php?p=3" {
		t.Errorf("outbound URL = %q", got.URL.String())
	}
	if got.Header.Get("Cookie") != "wordpress_logged_in=abc" {
		t.Errorf("Cookie = %q, want forwarded", got.Header.Get("Cookie"))
	}
	if got.ContentLength != int64(len("name=shi")) {
		t.Errorf("ContentLength = %d, want %d", got.ContentLength, len("name=shi"))
	}

	// The inbound header map must not be shared with the outbound request.
	got.Header.Set("X-Mutated", "1")
	if pr.Header.Get("X-Mutated") != "" {
		t.Error("outbound header aliases inbound header")
	}
}

func TestHandle_TransportError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	p := newTestProxy(t, Options{Origin: "https://blog.example/site", RemovePath: true}, errDoer{err: cause})

	_, err := p.Handle(inboundRequest(t, http.MethodGet, "https://proxy.example/about", nil))
	if err == nil {
		t.Fatal("Handle() expected error, got nil")
	}
	if !errors.Is(err, cause) {
		t.Errorf("error = %v, want wrapped cause", err)
	}
	if !strings.Contains(err.Error(), "https://blog.example/site/about") {
		t.Errorf("error = %q, want outbound URL in message", err)
	}
}

func TestHandle_CanceledContext(t *testing.T) {
	doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Context().Err() == nil {
			t.Error("outbound request context not canceled")
		}
		w.Header().Set("Content-Type", "text/html")
	})}
	p := newTestProxy(t, Options{Origin: "https://blog.example"}, doer)

	pr := inboundRequest(t, http.MethodGet, "https://proxy.example/slow", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pr.Ctx = ctx

	resp, err := p.Handle(pr)
	if err == nil {
		_ = resp.Close()
	}
	if doer.last == nil || !errors.Is(doer.last.Context().Err(), context.Canceled) {
		t.Error("inbound cancellation did not reach the outbound request")
	}
}

func TestHandle_RedirectRewrite(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		location string
		want     string
	}{
		{"absolute same origin", http.StatusFound, "https://o.example/base/y?z=1", "https://proxy.example/y?z=1"},
		{"relative to origin", http.StatusMovedPermanently, "/base/login?next=%2F", "https://proxy.example/login?next=%2F"},
		{"prefix root", http.StatusSeeOther, "https://o.example/base", "https://proxy.example/"},
		{"foreign untouched", http.StatusTemporaryRedirect, "https://idp.example/sso?x=1", "https://idp.example/sso?x=1"},
		{"permanent", http.StatusPermanentRedirect, "https://o.example/base/new", "https://proxy.example/new"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Location", tt.location)
				w.Header().Set("Content-Type", "text/html")
				w.Header().Set("Set-Cookie", "sid=1")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`<a href="https://o.example/base/y">moved</a>`))
			})}
			p := newTestProxy(t, Options{Origin: "https://o.example/base", RemovePath: true}, doer)

			resp, err := p.Handle(inboundRequest(t, http.MethodGet, "https://proxy.example/x", nil))
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.status)
			}
			if got := resp.Header.Get("Location"); got != tt.want {
				t.Errorf("Location = %q, want %q", got, tt.want)
			}
			if resp.Body != nil {
				t.Error("redirect response has a body")
			}
			if resp.Header.Get("Content-Length") != "" {
				t.Error("redirect response kept Content-Length")
			}
			if resp.Header.Get("Set-Cookie") != "sid=1" {
				t.Error("redirect response lost origin headers")
			}
		})
	}
}

func TestHandle_RedirectRelativeToOutboundURL(t *testing.T) {
	tests := []struct {
		name     string
		location string
		want     string
	}{
		{"sibling", "y", "https://proxy.example/docs/y"},
		{"sibling with query", "y?page=2", "https://proxy.example/docs/y?page=2"},
		{"parent", "../z", "https://proxy.example/z"},
		{"query only", "?lang=fr", "https://proxy.example/docs/x?lang=fr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				w.Header().Set("Location", tt.location)
				w.WriteHeader(http.StatusFound)
			})}
			p := newTestProxy(t, Options{Origin: "https://o.example/base", RemovePath: true}, doer)

			resp, err := p.Handle(inboundRequest(t, http.MethodGet, "https://proxy.example/docs/x", nil))
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if gotPath != "/base/docs/x" {
				t.Fatalf("outbound path = %q, want %q", gotPath, "/base/docs/x")
			}
			if got := resp.Header.Get("Location"); got != tt.want {
				t.Errorf("Location = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandle_RedirectMissingLocation(t *testing.T) {
	doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusFound)
	})}
	p := newTestProxy(t, Options{Origin: "https://o.example"}, doer)

	_, err := p.Handle(inboundRequest(t, http.MethodGet, "https://proxy.example/x", nil))
	if !errors.Is(err, ErrMissingLocation) {
		t.Fatalf("Handle() error = %v, want ErrMissingLocation", err)
	}
}

func TestHandle_HTMLRewrite(t *testing.T) {
	doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		w.Header().Set("Content-Length", "999")
		w.Header().Set("X-Origin", "wp")
		_, _ = w.Write([]byte(`<a href="https://blog.example/site/contact">Contact</a> <a href="/site/about">About</a> <a href="https://elsewhere.example/">x</a>`))
	})}
	p := newTestProxy(t, Options{Origin: "https://blog.example/site", RemovePath: true}, doer)

	resp, err := p.Handle(inboundRequest(t, http.MethodGet, "https://proxy.example/about?ref=1", nil))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	body := readBody(t, resp)

	want := `<a href="https://proxy.example/contact">Contact</a> <a href="/about">About</a> <a href="https://elsewhere.example/">x</a>`
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if got := resp.Header.Get("Link"); got != `<https://proxy.example/about?ref=1>; rel="canonical"` {
		t.Errorf("Link = %q", got)
	}
	if got := resp.Header.Get("Content-Length"); got != strconv.Itoa(len(want)) {
		t.Errorf("Content-Length = %q, want %d", got, len(want))
	}
	if resp.ContentLength != int64(len(want)) {
		t.Errorf("ContentLength = %d, want %d", resp.ContentLength, len(want))
	}
	if resp.Header.Get("X-Origin") != "wp" {
		t.Error("origin header not cloned")
	}
}

func TestHandle_BlogScenario(t *testing.T) {
	doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="https://blog.example/site/contact">`))
	})}
	p := newTestProxy(t, Options{
		Origin:       "https://blog.example/site",
		RemovePath:   true,
		Replacements: []Replacement{{Search: "blog.example/site", Replace: ""}},
	}, doer)

	resp, err := p.Handle(inboundRequest(t, http.MethodGet, "https://proxy.example/about", nil))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	body := readBody(t, resp)
	if strings.Contains(body, "blog.example") || strings.Contains(body, "/site/") {
		t.Errorf("body %q still references the origin", body)
	}
	if body != `<a href="https://proxy.example/contact">` {
		t.Errorf("body = %q, want %q", body, `<a href="https://proxy.example/contact">`)
	}
}

func TestHandle_JSONRewrite(t *testing.T) {
	doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		_, _ = w.Write([]byte(`{
  "link": "https://o.example/base/page",
  "id": 12345678901234567890,
  "html": "<a href=\"https://o.example/base/x\">x</a>"
}`))
	})}
	p := newTestProxy(t, Options{
		Origin:       "https://o.example/base",
		RemovePath:   true,
		Replacements: []Replacement{{Search: `href="`, Replace: `data-href="`}},
	}, doer)

	resp, err := p.Handle(inboundRequest(t, http.MethodGet, "https://proxy.example/wp-json/wp/v2/pages", nil))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	body := readBody(t, resp)

	want := `{"html":"<a data-href=\"https://proxy.example/x\">x</a>","id":12345678901234567890,"link":"https://proxy.example/page"}`
	if body != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestHandle_JSONDecodeFailure(t *testing.T) {
	for _, payload := range []string{`{"broken":`, `{"a":1} trailing`} {
		doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(payload))
		})}
		p := newTestProxy(t, Options{Origin: "https://o.example"}, doer)

		_, err := p.Handle(inboundRequest(t, http.MethodGet, "https://proxy.example/api", nil))
		if !errors.Is(err, ErrDecodeBody) {
			t.Errorf("Handle(%q) error = %v, want ErrDecodeBody", payload, err)
		}
	}
}

func TestHandle_EmptyJSONBody(t *testing.T) {
	doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
	})}
	p := newTestProxy(t, Options{Origin: "https://o.example"}, doer)

	resp, err := p.Handle(inboundRequest(t, http.MethodPost, "https://proxy.example/wp-json/wp/v2/comments", strings.NewReader(`{"content":"hi"}`)))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if body := readBody(t, resp); body != "" {
		t.Errorf("body = %q, want empty", body)
	}
}

func TestHandle_BinaryPassthrough(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0x00, 0xff, 'h', 't', 't', 'p', 's', ':', '/', '/', 'o', '.', 'e', 'x', 'a', 'm', 'p', 'l', 'e'}
	doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	})}
	p := newTestProxy(t, Options{
		Origin:       "https://o.example",
		Replacements: []Replacement{{Search: "PNG", Replace: "JPG"}},
	}, doer)

	resp, err := p.Handle(inboundRequest(t, http.MethodGet, "https://proxy.example/logo.png", nil))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	body := readBody(t, resp)
	if !bytes.Equal([]byte(body), png) {
		t.Errorf("binary body changed: got %x, want %x", body, png)
	}
	if resp.Header.Get("Link") == "" {
		t.Error("binary response missing canonical Link header")
	}
}

func TestHandle_HeadRequestPassesThrough(t *testing.T) {
	doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", "42")
	})}
	p := newTestProxy(t, Options{Origin: "https://o.example"}, doer)

	resp, err := p.Handle(inboundRequest(t, http.MethodHead, "https://proxy.example/api", nil))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	defer func() { _ = resp.Close() }()
	if resp.Header.Get("Content-Length") != "42" {
		t.Errorf("Content-Length = %q, want %q", resp.Header.Get("Content-Length"), "42")
	}
}

func TestHandle_AfterBodyHook(t *testing.T) {
	doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<head></head><a href="https://o.example/base/a">a</a>`))
	})}

	var gotContentType string
	var gotInbound string
	hook := func(_ context.Context, body []byte, inbound *url.URL, contentType string) ([]byte, error) {
		gotContentType = contentType
		gotInbound = inbound.String()
		if bytes.Contains(body, []byte("o.example")) {
			t.Error("hook ran before built-in substitutions")
		}
		return bytes.Replace(body, []byte("</head>"), []byte("<style>nav{}</style></head>"), 1), nil
	}
	p := newTestProxy(t, Options{Origin: "https://o.example/base", RemovePath: true, AfterBody: hook}, doer)

	resp, err := p.Handle(inboundRequest(t, http.MethodGet, "https://proxy.example/a", nil))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	body := readBody(t, resp)

	if body != `<head><style>nav{}</style></head><a href="https://proxy.example/a">a</a>` {
		t.Errorf("body = %q", body)
	}
	if gotContentType != "text/html" {
		t.Errorf("hook contentType = %q, want %q", gotContentType, "text/html")
	}
	if gotInbound != "https://proxy.example/a" {
		t.Errorf("hook inbound = %q", gotInbound)
	}
}

func TestHandle_AfterBodyHookError(t *testing.T) {
	doer := &handlerDoer{handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte(`body{}`))
	})}
	boom := errors.New("menu unavailable")
	hook := func(context.Context, []byte, *url.URL, string) ([]byte, error) { return nil, boom }
	p := newTestProxy(t, Options{Origin: "https://o.example", AfterBody: hook}, doer)

	_, err := p.Handle(inboundRequest(t, http.MethodGet, "https://proxy.example/a.css", nil))
	if !errors.Is(err, boom) {
		t.Errorf("Handle() error = %v, want hook error", err)
	}
}
