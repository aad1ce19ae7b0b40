package navigation

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"
)

var barsTemplate = template.Must(template.New("bars").Parse(
	`<shi-secondary-menu-bar left-items='{{.Left}}' right-items='{{.Right}}'></shi-secondary-menu-bar>` +
		`<shi-primary-menu-bar items='{{.Primary}}' side-nav-items='{{.Side}}'></shi-primary-menu-bar>` +
		`<script type="module">import '/custom-elements/define.js';</script>` +
		`<style>@view-transition { navigation: auto; }` + fontFaces + `</style>`,
))

// fontFaces loads the variable Epilogue font the menu bars are styled with
// from the WordPress theme, which every proxied site can reach.
const fontFaces = `@font-face {` +
	` font-family: 'Epilogue';` +
	` font-style: normal;` +
	` font-weight: 100 900;` +
	` font-display: swap;` +
	` src: url(/wp-content/themes/cpschool/fonts/epilogue/fonts/Epilogue-VariableFont_wght.ttf) format('woff2');` +
	` }`

// divider separates groups in the primary menu bar.
var divider = Link{Label: "divider"}

// Render returns the secondary and primary menu bar elements with their items
// as JSON attributes, followed by the module script that defines them and the
// page-level style (view transitions and the menu font).
func (f *Fetcher) Render(ctx context.Context) (string, error) {
	primary, err := f.Links(ctx, "primary")
	if err != nil {
		return "", err
	}
	side, err := f.Links(ctx, "menu")
	if err != nil {
		return "", err
	}
	left, err := f.Links(ctx, "secondary_left")
	if err != nil {
		return "", err
	}
	right, err := f.Links(ctx, "secondary_right")
	if err != nil {
		return "", err
	}

	data := map[string]string{
		"Primary": attrJSON(withDividers(primary)),
		"Side":    attrJSON(side),
		"Left":    attrJSON(left),
		"Right":   attrJSON(right),
	}

	var b strings.Builder
	if err := barsTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render menu bars: %w", err)
	}
	return b.String(), nil
}

// withDividers inserts a divider after the third-to-last and the last item.
func withDividers(links []Link) []Link {
	out := make([]Link, 0, len(links)+2)
	for i, l := range links {
		out = append(out, l)
		if i == len(links)-3 || i == len(links)-1 {
			out = append(out, divider)
		}
	}
	return out
}

func attrJSON(links []Link) string {
	if links == nil {
		links = []Link{}
	}
	b, err := json.Marshal(links)
	if err != nil {
		return "[]"
	}
	return string(b)
}
