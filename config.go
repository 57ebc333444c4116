package shadowguard

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete on-device blocker configuration.
type Config struct {
	Proxy ProxyConfig `mapstructure:"proxy"`

	CA CAConfig `mapstructure:"ca"`

	Filter FilterConfig `mapstructure:"filter"`

	DNS DNSConfig `mapstructure:"dns"`

	BlockPage BlockPageConfig `mapstructure:"block_page"`

	Admin AdminConfig `mapstructure:"admin"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// ProxyConfig contains interception proxy settings.
type ProxyConfig struct {
	// Addr is the loopback listen address.
	Addr string `mapstructure:"addr"`

	// MaxConns caps concurrent proxied connections.
	MaxConns int `mapstructure:"max_conns"`

	// BypassPatterns lists hostnames (exact or "*.suffix") that are
	// relayed without interception.
	BypassPatterns []string `mapstructure:"bypass_patterns"`

	// VerifyOrigin controls hostname matching of origin certificates.
	// When false the chain must still validate against the system
	// trust store; invalid certificates are never accepted.
	VerifyOrigin bool `mapstructure:"verify_origin"`
}

// CAConfig contains certificate authority settings.
type CAConfig struct {
	// StateDir is where the root key material lives.
	StateDir string `mapstructure:"state_dir"`

	// KeyType is "rsa" or "ecdsa".
	KeyType string `mapstructure:"key_type"`

	// LeafTTLSecs is how long minted leaves are reused.
	LeafTTLSecs int `mapstructure:"leaf_ttl_secs"`

	// LeafCacheMax caps the number of cached leaves.
	LeafCacheMax int `mapstructure:"leaf_cache_max"`
}

// FilterConfig contains rule list settings.
type FilterConfig struct {
	// Sources defines where rule lists come from.
	Sources []SourceConfig `mapstructure:"sources"`

	// ReloadInterval for refetching sources (0 = no auto-reload).
	ReloadInterval time.Duration `mapstructure:"reload_interval"`

	// CacheDir holds compressed copies of fetched lists for offline
	// starts.
	CacheDir string `mapstructure:"cache_dir"`
}

// SourceConfig defines one rule list source.
type SourceConfig struct {
	// ID names the source in logs and stats.
	ID string `mapstructure:"id"`

	// Type of source: "static", "file", "url".
	Type string `mapstructure:"type"`

	// Enabled toggles the source without removing it.
	Enabled bool `mapstructure:"enabled"`

	// Text holds inline rules for static sources.
	Text string `mapstructure:"text"`

	// Path for file sources.
	Path string `mapstructure:"path"`

	// URL for remote sources.
	URL string `mapstructure:"url"`
}

// DNSConfig controls synthesized answers for blocked queries.
type DNSConfig struct {
	// BlockedAnswer is "nxdomain" or "null_ip".
	BlockedAnswer string `mapstructure:"blocked_answer"`
}

// BlockPageConfig contains block page settings.
type BlockPageConfig struct {
	// TemplatePath points at a custom block page template.
	TemplatePath string `mapstructure:"template_path"`

	// TemplateInline is inline template content. Takes precedence
	// over TemplatePath.
	TemplateInline string `mapstructure:"template_inline"`
}

// AdminConfig contains the local admin API settings.
type AdminConfig struct {
	// Enabled toggles the admin listener.
	Enabled bool `mapstructure:"enabled"`

	// Addr must stay on loopback; anything else is rejected.
	Addr string `mapstructure:"addr"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is the log format: text, json.
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or a file path.
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with the shipped defaults.
func DefaultConfig() Config {
	return Config{
		Proxy: ProxyConfig{
			Addr:         DefaultProxyAddr,
			MaxConns:     DefaultMaxConns,
			VerifyOrigin: true,
		},
		CA: CAConfig{
			StateDir:     "shadowguard-state",
			KeyType:      string(KeyTypeRSA),
			LeafTTLSecs:  int(DefaultLeafTTL / time.Second),
			LeafCacheMax: DefaultLeafCacheMax,
		},
		Filter: FilterConfig{
			ReloadInterval: 0,
			CacheDir:       "shadowguard-state/lists",
		},
		DNS: DNSConfig{
			BlockedAnswer: "nxdomain",
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8990",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./shadowguard.yaml
// 3. $HOME/.shadowguard/shadowguard.yaml
// 4. /etc/shadowguard/shadowguard.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("shadowguard")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.shadowguard")
	v.AddConfigPath("/etc/shadowguard")

	v.SetEnvPrefix("SHADOWGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("%w: read config: %v", ErrConfig, err)
		}
		// No config file is fine; defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFromReader loads configuration from raw bytes. Useful for
// testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("%w: read config: %v", ErrConfig, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("proxy.addr", defaults.Proxy.Addr)
	v.SetDefault("proxy.max_conns", defaults.Proxy.MaxConns)
	v.SetDefault("proxy.verify_origin", defaults.Proxy.VerifyOrigin)

	v.SetDefault("ca.state_dir", defaults.CA.StateDir)
	v.SetDefault("ca.key_type", defaults.CA.KeyType)
	v.SetDefault("ca.leaf_ttl_secs", defaults.CA.LeafTTLSecs)
	v.SetDefault("ca.leaf_cache_max", defaults.CA.LeafCacheMax)

	v.SetDefault("filter.reload_interval", defaults.Filter.ReloadInterval)
	v.SetDefault("filter.cache_dir", defaults.Filter.CacheDir)

	v.SetDefault("dns.blocked_answer", defaults.DNS.BlockedAnswer)

	v.SetDefault("admin.enabled", defaults.Admin.Enabled)
	v.SetDefault("admin.addr", defaults.Admin.Addr)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
}

// Validate rejects configurations that must never half-apply.
func (c *Config) Validate() error {
	switch c.CA.KeyType {
	case string(KeyTypeRSA), string(KeyTypeECDSA):
	default:
		return fmt.Errorf("%w: unknown ca.key_type %q", ErrConfig, c.CA.KeyType)
	}
	switch c.DNS.BlockedAnswer {
	case "nxdomain", "null_ip":
	default:
		return fmt.Errorf("%w: unknown dns.blocked_answer %q", ErrConfig, c.DNS.BlockedAnswer)
	}
	if c.Admin.Enabled {
		host, _, err := net.SplitHostPort(c.Admin.Addr)
		if err != nil {
			return fmt.Errorf("%w: admin.addr %q: %v", ErrConfig, c.Admin.Addr, err)
		}
		if host != "127.0.0.1" && host != "localhost" && host != "::1" {
			return fmt.Errorf("%w: admin.addr %q is not loopback", ErrConfig, c.Admin.Addr)
		}
	}
	for _, s := range c.Filter.Sources {
		switch s.Type {
		case "static", "file", "url":
		default:
			return fmt.Errorf("%w: unknown source type %q", ErrConfig, s.Type)
		}
	}
	return nil
}

// BlockedAnswerMode maps dns.blocked_answer to the synthesizer mode.
func (c *Config) BlockedAnswerMode() BlockedAnswerMode {
	if c.DNS.BlockedAnswer == "null_ip" {
		return AnswerNullIP
	}
	return AnswerNXDomain
}

// BuildBypassList compiles proxy.bypass_patterns.
func (c *Config) BuildBypassList() (*BypassList, error) {
	return NewBypassList(c.Proxy.BypassPatterns)
}

// BuildBlockPage creates the configured block page.
func (c *Config) BuildBlockPage() (*BlockPage, error) {
	if c.BlockPage.TemplateInline != "" {
		return NewBlockPageFromTemplate(c.BlockPage.TemplateInline)
	}
	if c.BlockPage.TemplatePath != "" {
		data, err := os.ReadFile(c.BlockPage.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("%w: block page template: %v", ErrConfig, err)
		}
		return NewBlockPageFromTemplate(string(data))
	}
	return NewBlockPage(), nil
}

// BuildRuleSources creates the configured rule sources, in order.
// Disabled sources are skipped and not constructed.
func (c *Config) BuildRuleSources(logger *slog.Logger) []RuleSource {
	var sources []RuleSource
	for _, s := range c.Filter.Sources {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "static":
			sources = append(sources, &StaticRuleSource{Name: s.ID, Text: s.Text})
		case "file":
			sources = append(sources, &FileRuleSource{Name: s.ID, Path: s.Path})
		case "url":
			sources = append(sources, &HTTPRuleSource{
				Name:     s.ID,
				URL:      s.URL,
				CacheDir: c.Filter.CacheDir,
				Logger:   logger,
			})
		}
	}
	return sources
}

// BuildCAOptions maps the CA section to CAOptions.
func (c *Config) BuildCAOptions() CAOptions {
	return CAOptions{
		KeyType:      KeyType(c.CA.KeyType),
		LeafTTL:      time.Duration(c.CA.LeafTTLSecs) * time.Second,
		LeafCacheMax: c.CA.LeafCacheMax,
	}
}

// BuildLogger creates the configured slog logger and returns a closer
// for file outputs.
func (c *Config) BuildLogger() (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("%w: unknown log level %q", ErrConfig, c.Logging.Level)
	}

	var w io.Writer
	var closer io.Closer
	switch c.Logging.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(c.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: open log output: %v", ErrConfig, err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(c.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closer, nil
}

// WriteExampleConfig writes a commented example configuration file.
func WriteExampleConfig(path string) error {
	example := `# ShadowGuard configuration

proxy:
  # Loopback listen address for the interception proxy.
  addr: "127.0.0.1:8899"

  # Concurrent connection cap.
  max_conns: 1024

  # Hosts relayed without TLS inspection. Certificate-pinned apps
  # belong here.
  bypass_patterns:
    - "bank.example.com"
    - "*.pinned.example.org"

  # Match origin certificates against the dialed hostname. Even when
  # false, certificate chains are still verified against the system
  # trust store.
  verify_origin: true

ca:
  # Directory holding the root certificate and key.
  state_dir: "shadowguard-state"

  # Root key algorithm: rsa or ecdsa.
  key_type: "rsa"

  # Minted leaf reuse window, in seconds.
  leaf_ttl_secs: 86400

  # Leaf cache capacity.
  leaf_cache_max: 1000

filter:
  # Rule list sources, evaluated together.
  sources:
    - id: "easylist"
      type: "url"
      enabled: true
      url: "https://easylist.to/easylist/easylist.txt"

    - id: "local-rules"
      type: "file"
      enabled: true
      path: "/etc/shadowguard/local.txt"

    - id: "inline"
      type: "static"
      enabled: true
      text: |
        ||ads.example.com^
        @@||cdn.example.com^

  # Refetch interval for sources (0 disables auto-reload).
  reload_interval: 0

  # Compressed list cache for offline starts.
  cache_dir: "shadowguard-state/lists"

dns:
  # Answer for blocked queries: nxdomain or null_ip.
  blocked_answer: "nxdomain"

block_page:
  # Custom template file (optional).
  # template_path: "/etc/shadowguard/block.html"

admin:
  # Local admin API. Loopback only.
  enabled: true
  addr: "127.0.0.1:8990"

logging:
  # Level: debug, info, warn, error.
  level: "info"

  # Format: text, json.
  format: "text"

  # Output: stdout, stderr, or a file path.
  output: "stderr"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(example), 0o644)
}
