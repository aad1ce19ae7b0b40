// Package navigation fetches site menus from the WordPress REST API and
// renders them as custom element markup for injection into proxied pages.
package navigation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/shi-institute/shi-reverse-proxy/internal/config"
	"github.com/shi-institute/shi-reverse-proxy/internal/metrics"
	"github.com/shi-institute/shi-reverse-proxy/internal/model"
)

const (
	menuItemsPath = "/wp-json/wp/v2/menu-items"
	cacheKey      = "menu-items"
)

// Doer performs a single outbound HTTP exchange.
type Doer interface {
	Do(req *http.Request) (*model.ProxyResponse, error)
}

// Item is the subset of a WordPress menu item the proxy uses.
type Item struct {
	ID    int `json:"id"`
	Title struct {
		Rendered string `json:"rendered"`
	} `json:"title"`
	Status    string  `json:"status"`
	URL       string  `json:"url"`
	MenuOrder int     `json:"menu_order"`
	Menus     MenuIDs `json:"menus"`
	Parent    int     `json:"parent"`
}

// MenuIDs holds the menus an item belongs to. The API sends either a single
// number or an array.
type MenuIDs []int

// UnmarshalJSON accepts a number or an array of numbers.
func (m *MenuIDs) UnmarshalJSON(data []byte) error {
	var one int
	if err := json.Unmarshal(data, &one); err == nil {
		*m = MenuIDs{one}
		return nil
	}
	var many []int
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("menus: want number or array: %w", err)
	}
	*m = many
	return nil
}

// Link is a label/href pair as consumed by the menu bar elements.
type Link struct {
	Label string `json:"label"`
	Href  string `json:"href"`
}

// Fetcher loads menu items and caches them for a fixed TTL.
type Fetcher struct {
	doer     Doer
	baseURL  string
	username string
	token    string
	menus    map[string]int
	cache    *ttlcache.Cache[string, []Item]
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewFetcher creates a Fetcher from the [navigation] config. It returns nil
// when navigation is disabled. The metrics parameter is optional.
func NewFetcher(cfg *config.Config, doer Doer, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	if !cfg.Navigation.Enabled {
		return nil
	}
	ttl := time.Duration(cfg.Navigation.CacheSeconds) * time.Second
	return &Fetcher{
		doer:     doer,
		baseURL:  strings.TrimSuffix(cfg.Navigation.BaseURL, "/"),
		username: cfg.Navigation.Username,
		token:    cfg.Navigation.Token,
		menus:    cfg.Navigation.Menus,
		cache: ttlcache.New[string, []Item](
			ttlcache.WithTTL[string, []Item](ttl),
			ttlcache.WithDisableTouchOnHit[string, []Item](),
		),
		logger:  logger.With("component", "navigation"),
		metrics: m,
	}
}

// Items returns all menu items, from cache when fresh. A non-2xx answer from
// the API is logged and yields an empty list that is not cached; a malformed
// payload is an error.
func (f *Fetcher) Items(ctx context.Context) ([]Item, error) {
	if cached := f.cache.Get(cacheKey); cached != nil {
		return cached.Value(), nil
	}

	items, ok, err := f.fetch(ctx)
	if err != nil {
		f.record("error")
		return nil, err
	}
	if !ok {
		f.record("http_error")
		return nil, nil
	}
	f.record("ok")
	f.cache.Set(cacheKey, items, ttlcache.DefaultTTL)
	return items, nil
}

func (f *Fetcher) fetch(ctx context.Context) ([]Item, bool, error) {
	endpoint := f.baseURL + menuItemsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, false, fmt.Errorf("build menu request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.username != "" || f.token != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(f.username + ":" + f.token))
		req.Header.Set("Authorization", "Basic "+creds)
	}

	resp, err := f.doer.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch menu items: %w", err)
	}
	defer func() { _ = resp.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		f.logger.Error("failed to fetch menu items",
			"status", resp.StatusCode,
			"detail", string(detail),
		)
		return nil, false, nil
	}

	var items []Item
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, false, fmt.Errorf("invalid response from menu-items endpoint: %w", err)
	}
	for i := range items {
		items[i].URL = strings.Replace(items[i].URL, f.baseURL, "", 1)
	}
	return items, true, nil
}

// Menu returns the items of the named menu (e.g. "primary") ordered by
// menu_order. Unknown names yield an empty list.
func (f *Fetcher) Menu(ctx context.Context, name string) ([]Item, error) {
	id, ok := f.menus[name]
	if !ok {
		return nil, nil
	}
	items, err := f.Items(ctx)
	if err != nil {
		return nil, err
	}

	var out []Item
	for _, it := range items {
		if slices.Contains(it.Menus, id) {
			out = append(out, it)
		}
	}
	slices.SortStableFunc(out, func(a, b Item) int { return a.MenuOrder - b.MenuOrder })
	return out, nil
}

// Links returns the named menu as label/href pairs.
func (f *Fetcher) Links(ctx context.Context, name string) ([]Link, error) {
	items, err := f.Menu(ctx, name)
	if err != nil {
		return nil, err
	}
	links := make([]Link, 0, len(items))
	for _, it := range items {
		links = append(links, Link{Label: it.Title.Rendered, Href: it.URL})
	}
	return links, nil
}

func (f *Fetcher) record(result string) {
	if f.metrics != nil {
		f.metrics.NavigationFetches.WithLabelValues(result).Inc()
	}
}
