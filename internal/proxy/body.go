package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/shi-institute/shi-reverse-proxy/internal/model"
)

// ErrDecodeBody is returned when a rewritable body cannot be decoded. The
// response is not passed through raw, since that could leak origin URLs.
var ErrDecodeBody = errors.New("decode origin body")

// ContentKind selects how a response body is decoded and rewritten.
type ContentKind int

const (
	KindBinary ContentKind = iota
	KindHTML
	KindCSS
	KindScript
	KindJSON
)

func (k ContentKind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindCSS:
		return "css"
	case KindScript:
		return "script"
	case KindJSON:
		return "json"
	default:
		return "binary"
	}
}

// Classify maps a Content-Type header value onto a ContentKind.
func Classify(contentType string) ContentKind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"):
		return KindHTML
	case strings.Contains(ct, "text/css"):
		return KindCSS
	case strings.Contains(ct, "application/javascript"), strings.Contains(ct, "text/javascript"):
		return KindScript
	case strings.Contains(ct, "application/json"):
		return KindJSON
	default:
		return KindBinary
	}
}

// Payload is a response body after rewriting. Text kinds carry the rewritten,
// identity-encoded bytes in Text; KindBinary carries the untouched origin
// stream in Stream.
type Payload struct {
	Kind   ContentKind
	Text   []byte
	Stream io.ReadCloser
}

// RewriteBody transforms resp's body according to its Content-Type. For text
// kinds the origin body is consumed and closed; for KindBinary ownership of
// resp.Body moves to the returned Payload.
func (p *Proxy) RewriteBody(ctx context.Context, resp *model.ProxyResponse, inbound *url.URL) (*Payload, error) {
	contentType := resp.Header.Get("Content-Type")
	kind := Classify(contentType)

	if kind == KindBinary {
		return &Payload{Kind: kind, Stream: resp.Body}, nil
	}

	if p.metrics != nil {
		p.metrics.BodiesRewritten.WithLabelValues(kind.String()).Inc()
	}

	raw, err := readDecoded(resp.Body, resp.Header.Get("Content-Encoding"))
	_ = resp.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeBody, err)
	}

	inboundOrigin := OriginOf(inbound)

	var text string
	if kind == KindJSON {
		canonical, err := canonicalJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecodeBody, err)
		}
		text = p.replaceText(canonical, inboundOrigin, true)
	} else {
		text = p.replaceText(string(raw), inboundOrigin, false)
	}

	out := []byte(text)
	if p.afterBody != nil {
		out, err = p.afterBody(ctx, out, inbound, contentType)
		if err != nil {
			return nil, fmt.Errorf("after body hook: %w", err)
		}
	}

	return &Payload{Kind: kind, Text: out}, nil
}

// canonicalJSON parses raw as a single JSON value and re-serializes it
// compactly. Numbers keep their literal form; object keys come out sorted.
// An empty body stays empty.
func canonicalJSON(raw []byte) (string, error) {
	// Bodyless JSON replies (201, 202 and the like) have no URLs to rewrite.
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", errors.New("parse json: trailing data after top-level value")
	}

	return marshalJSON(doc)
}

// marshalJSON encodes v without HTML escaping and without a trailing newline.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
