package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Backend kinds understood by the provider factory.
const (
	KindOllama = "ollama"
	KindGemini = "gemini"
	KindOpenAI = "openai"
)

const envPrefix = "UNIGATE_"

// Config represents the application configuration parsed from TOML or YAML.
type Config struct {
	Server    ServerConfig              `yaml:"server" toml:"server"`
	Logging   LoggingConfig             `yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig           `yaml:"rate_limit" toml:"rate_limit"`
	Metrics   MetricsConfig             `yaml:"metrics" toml:"metrics"`
	Providers map[string]ProviderConfig `yaml:"providers" toml:"providers"`
	Tools     ToolsConfig               `yaml:"tools" toml:"tools"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Host           string `yaml:"host" toml:"host"`
	Port           int    `yaml:"port" toml:"port"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
	MaxConnections int    `yaml:"max_connections" toml:"max_connections"`
}

// Address returns the host:port listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Timeout returns the per-request write timeout.
func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level         string `yaml:"level" toml:"level"`
	Format        string `yaml:"format" toml:"format"`
	FilePath      string `yaml:"file_path" toml:"file_path"`
	EnableConsole *bool  `yaml:"enable_console" toml:"enable_console"`
}

// ConsoleEnabled reports whether log records go to stderr. Defaults to true.
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.EnableConsole == nil || *l.EnableConsole
}

// RateLimitConfig configures per-client inbound rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" toml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" toml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size" toml:"burst_size"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// ProviderConfig captures routing, credentials and retry policy for one backend.
type ProviderConfig struct {
	Kind           string   `yaml:"kind" toml:"kind"`
	URL            string   `yaml:"url" toml:"url"`
	APIKey         string   `yaml:"api_key" toml:"api_key"`
	Models         []string `yaml:"models" toml:"models"`
	MaxRetries     int      `yaml:"max_retries" toml:"max_retries"`
	RetryDelayMS   int      `yaml:"retry_delay_ms" toml:"retry_delay_ms"`
	TimeoutSeconds int      `yaml:"timeout_seconds" toml:"timeout_seconds"`
	HealthCheck    *bool    `yaml:"health_check" toml:"health_check"`
	Headers        Headers  `yaml:"headers" toml:"headers"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// RetryDelay returns the pause between retry attempts.
func (p ProviderConfig) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMS) * time.Millisecond
}

// Timeout returns the HTTP client timeout for the backend.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// HealthCheckEnabled reports whether startup should probe the backend. Defaults to true.
func (p ProviderConfig) HealthCheckEnabled() bool {
	return p.HealthCheck == nil || *p.HealthCheck
}

// ToolsConfig selects the tools the gateway can dispatch.
type ToolsConfig struct {
	Builtin []string          `yaml:"builtin" toml:"builtin"`
	MCP     []MCPServerConfig `yaml:"mcp" toml:"mcp"`
}

// MCPServerConfig describes a remote MCP server whose tools are exposed to models.
type MCPServerConfig struct {
	Name           string `yaml:"name" toml:"name"`
	Transport      string `yaml:"transport" toml:"transport"`
	URL            string `yaml:"url" toml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references with their environment values.
// Bare $ characters are left untouched so secrets like "pa$$word" survive.
func expandEnv(data string, lookup func(string) (string, bool)) string {
	return envRef.ReplaceAllStringFunc(data, func(ref string) string {
		value, _ := lookup(envRef.FindStringSubmatch(ref)[1])
		return value
	})
}

// Load reads configuration from disk, expands ${VAR} references, applies
// defaults and UNIGATE_* environment overrides, and validates the result.
// Files ending in .yaml or .yml are parsed as YAML, everything else as TOML.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(filepath.Ext(absPath), []byte(expandEnv(string(data), os.LookupEnv)))
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.ApplyDefaults()
	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes according to the file extension.
func Parse(ext string, data []byte) (Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	default:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("unknown configuration keys: %v", undecoded)
		}
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.TimeoutSeconds == 0 {
		c.Server.TimeoutSeconds = 120
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.RateLimit.Enabled && c.RateLimit.BurstSize == 0 {
		c.RateLimit.BurstSize = c.RateLimit.RequestsPerMinute
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	for name, p := range c.Providers {
		if p.Kind == "" {
			p.Kind = name
		}
		p.Kind = strings.ToLower(p.Kind)
		p.URL = strings.TrimRight(p.URL, "/")
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = 60
		}
		c.Providers[name] = p
	}
	for i, srv := range c.Tools.MCP {
		if srv.Transport == "" {
			c.Tools.MCP[i].Transport = "streamable"
		}
		if srv.TimeoutSeconds == 0 {
			c.Tools.MCP[i].TimeoutSeconds = 30
		}
	}
}

// applyEnv overrides selected settings from the environment. Provider
// credentials use UNIGATE_<NAME>_API_KEY and UNIGATE_<NAME>_URL.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(envPrefix + "HOST"); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup(envPrefix + "PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v, ok := lookup(envPrefix + "LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}

	for name, p := range c.Providers {
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if v, ok := lookup(key + "_API_KEY"); ok && v != "" {
			p.APIKey = v
		}
		if v, ok := lookup(key + "_URL"); ok && v != "" {
			p.URL = strings.TrimRight(v, "/")
		}
		c.Providers[name] = p
	}
}

// ProviderNames returns configured backend names in sorted order.
func (c Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.TimeoutSeconds < 0 {
		return fmt.Errorf("server.timeout_seconds must not be negative, got %d", c.Server.TimeoutSeconds)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative, got %d", c.Server.MaxConnections)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive when rate limiting is enabled")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}

	for _, name := range c.ProviderNames() {
		if err := validateProvider(name, c.Providers[name]); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{}, len(c.Tools.MCP))
	for i, srv := range c.Tools.MCP {
		if strings.TrimSpace(srv.Name) == "" {
			return fmt.Errorf("tools.mcp[%d]: name must be provided", i)
		}
		if _, dup := seen[srv.Name]; dup {
			return fmt.Errorf("tools.mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		seen[srv.Name] = struct{}{}
		if srv.Transport != "streamable" && srv.Transport != "sse" {
			return fmt.Errorf("tools.mcp %s: transport %q must be streamable or sse", srv.Name, srv.Transport)
		}
		if err := validateURL(srv.URL); err != nil {
			return fmt.Errorf("tools.mcp %s: %w", srv.Name, err)
		}
	}

	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	if name != strings.ToLower(name) {
		return fmt.Errorf("provider %s: name must be lowercase", name)
	}
	if strings.Contains(name, ":") {
		return fmt.Errorf("provider %s: name must not contain ':'", name)
	}

	switch provider.Kind {
	case KindOllama:
	case KindGemini, KindOpenAI:
		if strings.TrimSpace(provider.APIKey) == "" {
			return fmt.Errorf("provider %s: api_key must be provided", name)
		}
	default:
		return fmt.Errorf("provider %s: kind %q must be one of %q, %q or %q", name, provider.Kind, KindOllama, KindGemini, KindOpenAI)
	}

	if err := validateURL(provider.URL); err != nil {
		return fmt.Errorf("provider %s: %w", name, err)
	}
	if provider.MaxRetries < 0 {
		return fmt.Errorf("provider %s: max_retries must not be negative", name)
	}
	if provider.RetryDelayMS < 0 {
		return fmt.Errorf("provider %s: retry_delay_ms must not be negative", name)
	}

	for _, model := range provider.Models {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("provider %s: model name must not be empty", name)
		}
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	return nil
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("url must be provided")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url %q is invalid: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q must include a host", raw)
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
