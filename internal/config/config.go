// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/shi-proxy/config.toml",
	"configs/config.toml",
}

// reservedPaths are served by the proxy itself and cannot be used for metrics.
var reservedPaths = []string{"/healthz", "/proxy/status", "/custom-elements"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host            string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel        string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Development     bool   `kong:"help='Disable canonical host redirects.',env='DEVELOPMENT'"`
	NavigationToken string `kong:"help='WordPress application password for the menu API (overrides config).',env='NAVIGATION_TOKEN'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig      `toml:"server"`
	Upstream   UpstreamConfig    `toml:"upstream"`
	Log        LogConfig         `toml:"log"`
	Metrics    MetricsConfig     `toml:"metrics"`
	Navigation NavigationConfig  `toml:"navigation"`
	Redirects  map[string]string `toml:"redirects"`
	Routes     []RouteConfig     `toml:"routes"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`

	// CanonicalHost, when set, makes requests for any other host redirect to
	// https://CanonicalHost with the same path and query.
	CanonicalHost string `toml:"canonical_host"`
	Development   bool   `toml:"development"`
	StaticDir     string `toml:"static_dir"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds origin connection settings shared by all routes.
type UpstreamConfig struct {
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
	UserAgent       string `toml:"user_agent"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// NavigationConfig configures the WordPress menu fetcher used by inject rules.
type NavigationConfig struct {
	Enabled      bool           `toml:"enabled"`
	BaseURL      string         `toml:"base_url"`
	Username     string         `toml:"username"`
	Token        string         `toml:"token"`
	CacheSeconds int            `toml:"cache_seconds"`
	Menus        map[string]int `toml:"menus"`
}

// RouteConfig describes one proxied origin and the inbound paths it serves.
type RouteConfig struct {
	Name          string              `toml:"name"`
	Prefixes      []string            `toml:"prefixes"`
	Origin        string              `toml:"origin"`
	RemovePath    bool                `toml:"remove_path"`
	NotFoundPaths []string            `toml:"not_found_paths"`
	Replacements  []ReplacementConfig `toml:"replacements"`
	Bypass        []BypassConfig      `toml:"bypass"`
	Inject        []InjectConfig      `toml:"inject"`

	// OffRouteOrigin, when set, receives links in rewritten HTML that point
	// at the proxy but fall outside this route's prefixes. Use it for routes
	// that proxy only a section of a larger site.
	OffRouteOrigin string `toml:"off_route_origin"`
}

// ReplacementConfig is one literal search/replace pair. Pairs apply in file order.
type ReplacementConfig struct {
	Search  string `toml:"search"`
	Replace string `toml:"replace"`
}

// BypassConfig sends matching requests straight to another origin with a 307.
type BypassConfig struct {
	Contains string `toml:"contains"`
	Target   string `toml:"target"`
}

// Inject positions relative to the marker.
const (
	InjectBefore = "before"
	InjectAfter  = "after"
)

// InjectConfig inserts content next to the first occurrence of Marker in
// rewritten bodies whose content type contains ContentType.
type InjectConfig struct {
	ContentType string `toml:"content_type"`
	Marker      string `toml:"marker"`
	Position    string `toml:"position"`
	Content     string `toml:"content"`
	Navigation  bool   `toml:"navigation"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/shi-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Development {
		c.Server.Development = true
	}
	if cli.NavigationToken != "" {
		c.Navigation.Token = cli.NavigationToken
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if strings.ContainsAny(c.Server.CanonicalHost, "/:?#") {
		return fmt.Errorf("server.canonical_host must be a bare hostname; got %q", c.Server.CanonicalHost)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	if c.Navigation.Enabled {
		if err := validateOrigin("navigation.base_url", c.Navigation.BaseURL); err != nil {
			return err
		}
		if c.Navigation.CacheSeconds < 0 {
			return fmt.Errorf("navigation.cache_seconds must be non-negative; got %d", c.Navigation.CacheSeconds)
		}
	}

	for from, to := range c.Redirects {
		if !strings.HasPrefix(from, "/") {
			return fmt.Errorf("redirects: source %q must start with '/'", from)
		}
		if to == "" {
			return fmt.Errorf("redirects: target for %q is empty", from)
		}
	}

	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one [[routes]] entry is required")
	}
	names := make(map[string]bool, len(c.Routes))
	for i := range c.Routes {
		if err := c.Routes[i].validate(c.Navigation.Enabled); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
		if names[c.Routes[i].Name] {
			return fmt.Errorf("routes[%d]: duplicate name %q", i, c.Routes[i].Name)
		}
		names[c.Routes[i].Name] = true
	}

	return nil
}

func (r *RouteConfig) validate(navigation bool) error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.Prefixes) == 0 {
		return fmt.Errorf("route %q: at least one prefix is required", r.Name)
	}
	for _, p := range r.Prefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("route %q: prefix %q must start with '/'", r.Name, p)
		}
	}
	if err := validateOrigin("route "+r.Name+" origin", r.Origin); err != nil {
		return err
	}
	for _, b := range r.Bypass {
		if b.Contains == "" {
			return fmt.Errorf("route %q: bypass.contains is required", r.Name)
		}
		if err := validateOrigin("route "+r.Name+" bypass.target", b.Target); err != nil {
			return err
		}
	}
	if r.OffRouteOrigin != "" {
		if err := validateOrigin("route "+r.Name+" off_route_origin", r.OffRouteOrigin); err != nil {
			return err
		}
	}
	for _, in := range r.Inject {
		if in.Marker == "" {
			return fmt.Errorf("route %q: inject.marker is required", r.Name)
		}
		switch strings.ToLower(in.Position) {
		case InjectBefore, InjectAfter, "":
			// valid
		default:
			return fmt.Errorf("route %q: inject.position must be one of: before, after; got %q", r.Name, in.Position)
		}
		if in.Navigation && !navigation {
			return fmt.Errorf("route %q: inject.navigation requires [navigation] enabled = true", r.Name)
		}
	}
	return nil
}

// validateOrigin checks that raw is an absolute http(s) URL whose path, if any,
// does not end with a slash.
func validateOrigin(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https; got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host; got %q", field, raw)
	}
	if u.Path != "" && u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		return fmt.Errorf("%s must not end with a slash; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Navigation.CacheSeconds == 0 {
		c.Navigation.CacheSeconds = 60
	}
	if len(c.Navigation.Menus) == 0 {
		c.Navigation.Menus = map[string]int{
			"primary":         2,
			"secondary_right": 3,
			"secondary_left":  4,
			"menu":            5,
		}
	}
	for i := range c.Routes {
		for j := range c.Routes[i].Inject {
			in := &c.Routes[i].Inject[j]
			if in.ContentType == "" {
				in.ContentType = "text/html"
			}
			if in.Position == "" {
				in.Position = InjectAfter
			}
			in.Position = strings.ToLower(in.Position)
		}
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file may hold the navigation API token.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
