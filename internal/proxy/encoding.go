package proxy

import (
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// readDecoded reads body fully, undoing each coding listed in
// contentEncoding (last applied is undone first).
func readDecoded(body io.Reader, contentEncoding string) ([]byte, error) {
	if body == nil {
		return nil, nil
	}

	var codings []string
	for _, c := range strings.Split(contentEncoding, ",") {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" && c != "identity" {
			codings = append(codings, c)
		}
	}

	r := body
	for i := len(codings) - 1; i >= 0; i-- {
		switch codings[i] {
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("gzip: %w", err)
			}
			defer func() { _ = zr.Close() }()
			r = zr
		case "deflate":
			zr, err := zlib.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("deflate: %w", err)
			}
			defer func() { _ = zr.Close() }()
			r = zr
		case "br":
			r = brotli.NewReader(r)
		case "zstd":
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("zstd: %w", err)
			}
			defer zr.Close()
			r = zr
		default:
			return nil, fmt.Errorf("unsupported content encoding %q", codings[i])
		}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}
