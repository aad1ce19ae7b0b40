package proxy

import "strings"

// replaceText substitutes origin URLs in text with inboundOrigin, strips the
// origin path prefix when configured, then applies the replacement table.
// In jsonMode every search and replace value is escaped as it would appear
// inside a JSON string literal.
func (p *Proxy) replaceText(text, inboundOrigin string, jsonMode bool) string {
	replace := func(text, search, repl string) string {
		if search == "" {
			return text
		}
		if jsonMode {
			search, repl = jsonEscape(search), jsonEscape(repl)
		}
		return strings.ReplaceAll(text, search, repl)
	}

	full := p.origin
	if p.removePath {
		full += p.prefix
	}
	text = replace(text, full, inboundOrigin)

	if p.removePath && p.prefix != "" {
		// Most specific first so a bare prefix never eats the separator.
		text = replace(text, p.prefix+"/", "/")
		text = replace(text, p.prefix+"?", "?")
		text = replace(text, p.prefix, "")
	}

	for _, r := range p.replacements {
		text = replace(text, r.Search, r.Replace)
	}
	return text
}

// jsonEscape returns s encoded as a JSON string without the surrounding quotes.
func jsonEscape(s string) string {
	quoted, err := marshalJSON(s)
	if err != nil {
		return s
	}
	return quoted[1 : len(quoted)-1]
}
