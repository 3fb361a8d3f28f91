package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/normanking/cortexstream/internal/data"
	"github.com/normanking/cortexstream/internal/llm"
	"github.com/normanking/cortexstream/internal/modelrouter"
	"github.com/normanking/cortexstream/internal/persist"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	LLM         LLMConfig         `mapstructure:"llm" yaml:"llm"`
	Models      []ModelConfig     `mapstructure:"models" yaml:"models"`
	Generation  GenerationConfig  `mapstructure:"generation" yaml:"generation"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	Router      RouterConfig      `mapstructure:"router" yaml:"router"`
	Plugins     PluginsConfig     `mapstructure:"plugins" yaml:"plugins"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP and websocket listener.
type ServerConfig struct {
	// Addr is the listen address (e.g. ":8080").
	Addr string `mapstructure:"addr" yaml:"addr"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// AllowedOrigins for websocket upgrades. Empty allows same-origin only; "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	// UserHeader names the request header carrying the caller's user id.
	UserHeader string `mapstructure:"user_header" yaml:"user_header"`
}

// StorageConfig selects the message store.
type StorageConfig struct {
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Path is the database file.
	Path string `mapstructure:"path" yaml:"path"`
	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// LLMConfig contains configuration for model backends.
type LLMConfig struct {
	// DefaultBackend names the backend used when a model does not pick one.
	DefaultBackend string `mapstructure:"default_backend" yaml:"default_backend"`
	// Backends maps backend names to their configuration.
	Backends map[string]BackendConfig `mapstructure:"backends" yaml:"backends"`
}

// BackendConfig configures one backend.
type BackendConfig struct {
	// Kind is "ollama" or "openai". Empty infers from the backend name.
	Kind     string `mapstructure:"kind" yaml:"kind,omitempty"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model    string `mapstructure:"model" yaml:"model,omitempty"`
	// Timeout bounds connection setup and time to first byte.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// ModelConfig is one entry of the model catalog.
type ModelConfig struct {
	ID    string `mapstructure:"id" yaml:"id"`
	Name  string `mapstructure:"name" yaml:"name"`
	Label string `mapstructure:"label" yaml:"label,omitempty"`
	// Backend serving this model. Empty uses llm.default_backend.
	Backend string `mapstructure:"backend" yaml:"backend,omitempty"`
	// ContextSize in tokens. Zero disables budgeting for this model.
	ContextSize int `mapstructure:"context_size" yaml:"context_size,omitempty"`
	// MaxTokens reserved for the response.
	MaxTokens int  `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	AutoTrim  bool `mapstructure:"auto_trim" yaml:"auto_trim"`
}

// GenerationConfig tunes the orchestrator.
type GenerationConfig struct {
	// DefaultModel is used when a request names no model and routing is off.
	DefaultModel string `mapstructure:"default_model" yaml:"default_model"`
	// ReservedOverhead tokens kept free for the system prompt and framing.
	ReservedOverhead int `mapstructure:"reserved_overhead" yaml:"reserved_overhead"`
	// DefaultMaxTokens for models without their own max_tokens.
	DefaultMaxTokens int `mapstructure:"default_max_tokens" yaml:"default_max_tokens"`
	// SystemPrompt sent with every generation, before plugins run.
	SystemPrompt string `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
	// ForceCleanupGrace is how long a stream may linger before forced cleanup.
	ForceCleanupGrace time.Duration `mapstructure:"force_cleanup_grace" yaml:"force_cleanup_grace"`
	// MaxStreamAge marks a stream as abandoned for the sweeper.
	MaxStreamAge time.Duration `mapstructure:"max_stream_age" yaml:"max_stream_age"`
	// SweepSchedule is a cron spec (e.g. "@every 30s").
	SweepSchedule string `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
}

// PersistenceConfig tunes the write buffer.
type PersistenceConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	WarmupTokens    int           `mapstructure:"warmup_tokens" yaml:"warmup_tokens"`
	MaxLockRetries  int           `mapstructure:"max_lock_retries" yaml:"max_lock_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	NotFoundRetries int           `mapstructure:"not_found_retries" yaml:"not_found_retries"`
}

// RouterConfig controls automatic model selection.
type RouterConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// TierPatterns overrides the built-in name patterns per tier.
	TierPatterns map[string][]string `mapstructure:"tier_patterns" yaml:"tier_patterns,omitempty"`
}

// PluginsConfig enables the bundled hook plugins.
type PluginsConfig struct {
	Context   ContextPluginConfig   `mapstructure:"context" yaml:"context"`
	Quota     QuotaPluginConfig     `mapstructure:"quota" yaml:"quota"`
	RateLimit RateLimitPluginConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	Usage     UsagePluginConfig     `mapstructure:"usage" yaml:"usage"`
}

// ContextPluginConfig configures the system prompt injector.
type ContextPluginConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	SystemPrompt string `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
}

// QuotaPluginConfig configures daily per-user limits.
type QuotaPluginConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Path of the badger directory. Empty keeps counters in memory.
	Path          string `mapstructure:"path" yaml:"path,omitempty"`
	DailyRequests int    `mapstructure:"daily_requests" yaml:"daily_requests"`
	DailyTokens   int    `mapstructure:"daily_tokens" yaml:"daily_tokens"`
}

// RateLimitPluginConfig configures the per-user token bucket.
type RateLimitPluginConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int  `mapstructure:"burst" yaml:"burst"`
}

// UsagePluginConfig configures usage recording.
type UsagePluginConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// RedisAddr enables the redis stream sink when set.
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr,omitempty"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password,omitempty"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	Stream        string `mapstructure:"stream" yaml:"stream"`
	MaxLen        int64  `mapstructure:"max_len" yaml:"max_len"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `mapstructure:"level" yaml:"level"`
	// File is an optional JSON log file.
	File string `mapstructure:"file" yaml:"file,omitempty"`
	// Console selects human-readable output on stderr instead of JSON.
	Console bool `mapstructure:"console" yaml:"console"`
}

// Default returns a Config with sensible defaults for a local setup.
func Default() *Config {
	buf := persist.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
			UserHeader:      "X-User-ID",
		},
		Storage: StorageConfig{
			Driver:      data.DriverModernc,
			Path:        "~/.cortexstream/" + data.DefaultFileName,
			BusyTimeout: 5 * time.Second,
		},
		LLM: LLMConfig{
			DefaultBackend: llm.KindOllama,
			Backends: map[string]BackendConfig{
				llm.KindOllama: {
					Kind:     llm.KindOllama,
					Endpoint: "http://127.0.0.1:11434",
					Model:    "llama3",
					Timeout:  2 * time.Minute,
				},
				llm.KindOpenAI: {
					Kind:     llm.KindOpenAI,
					Endpoint: "https://api.openai.com/v1",
					Model:    "gpt-4o-mini",
					Timeout:  2 * time.Minute,
				},
			},
		},
		Models: []ModelConfig{
			{ID: "llama3", Name: "llama3", Label: "Llama 3", Backend: llm.KindOllama, ContextSize: 8192, MaxTokens: 1024, AutoTrim: true},
			{ID: "gpt-4o-mini", Name: "gpt-4o-mini", Label: "GPT-4o mini", Backend: llm.KindOpenAI, ContextSize: 128000, MaxTokens: 4096, AutoTrim: true},
			{ID: "gpt-4o", Name: "gpt-4o", Label: "GPT-4o", Backend: llm.KindOpenAI, ContextSize: 128000, MaxTokens: 4096, AutoTrim: true},
		},
		Generation: GenerationConfig{
			DefaultModel:      "llama3",
			ReservedOverhead:  256,
			DefaultMaxTokens:  1024,
			ForceCleanupGrace: 30 * time.Second,
			MaxStreamAge:      10 * time.Minute,
			SweepSchedule:     "@every 30s",
		},
		Persistence: PersistenceConfig{
			Interval:        buf.Interval,
			WarmupTokens:    buf.WarmupTokens,
			MaxLockRetries:  buf.MaxLockRetries,
			BaseDelay:       buf.BaseDelay,
			MaxDelay:        buf.MaxDelay,
			NotFoundRetries: buf.NotFoundRetries,
		},
		Router: RouterConfig{Enabled: true},
		Plugins: PluginsConfig{
			Context: ContextPluginConfig{Enabled: true, SystemPrompt: "You are a helpful assistant."},
			Quota:   QuotaPluginConfig{DailyRequests: 500, DailyTokens: 200000},
			RateLimit: RateLimitPluginConfig{
				Enabled:           true,
				RequestsPerMinute: 30,
				Burst:             5,
			},
			Usage: UsagePluginConfig{Stream: "cortexstream:usage", MaxLen: 100000},
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "~/.cortexstream/logs/cortexstream.log",
			Console: true,
		},
	}
}

// Load reads configuration from ~/.cortexstream/config.yaml.
func Load() (*Config, error) {
	return LoadFromPath(DefaultPath())
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cortexstream", "config.yaml")
	}
	return filepath.Join(homeDir, ".cortexstream", "config.yaml")
}

// LoadFromPath reads configuration from path and merges environment
// overrides. If the file doesn't exist, it is created with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: CORTEXSTREAM_LLM_BACKENDS_OPENAI_API_KEY
	v.SetEnvPrefix("CORTEXSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.Path = expandPath(cfg.Storage.Path)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.Plugins.Quota.Path = expandPath(cfg.Plugins.Quota.Path)
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills zero values a partial file leaves behind.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Server.UserHeader == "" {
		c.Server.UserHeader = d.Server.UserHeader
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	if c.Storage.Path == "" {
		c.Storage.Path = expandPath(d.Storage.Path)
	}
	if c.Generation.ForceCleanupGrace == 0 {
		c.Generation.ForceCleanupGrace = d.Generation.ForceCleanupGrace
	}
	if c.Generation.MaxStreamAge == 0 {
		c.Generation.MaxStreamAge = d.Generation.MaxStreamAge
	}
	if c.Generation.SweepSchedule == "" {
		c.Generation.SweepSchedule = d.Generation.SweepSchedule
	}
	if c.Generation.DefaultMaxTokens == 0 {
		c.Generation.DefaultMaxTokens = d.Generation.DefaultMaxTokens
	}
	if c.Plugins.Usage.Stream == "" {
		c.Plugins.Usage.Stream = d.Plugins.Usage.Stream
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// Save writes the configuration to the default location.
func (c *Config) Save() error {
	return c.SaveToPath(DefaultPath())
}

// SaveToPath writes the configuration to path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// YAML renders the configuration as it would be saved.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.LLM.DefaultBackend == "" {
		return fmt.Errorf("llm.default_backend cannot be empty")
	}
	if _, ok := c.LLM.Backends[c.LLM.DefaultBackend]; !ok {
		return fmt.Errorf("default backend '%s' not found in backends map", c.LLM.DefaultBackend)
	}

	if c.Storage.Driver != data.DriverModernc && c.Storage.Driver != data.DriverMattn {
		return fmt.Errorf("invalid storage driver '%s', must be one of: %s, %s", c.Storage.Driver, data.DriverModernc, data.DriverMattn)
	}

	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("models[%d].id cannot be empty", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id '%s'", m.ID)
		}
		seen[m.ID] = true
		if m.Backend != "" {
			if _, ok := c.LLM.Backends[m.Backend]; !ok {
				return fmt.Errorf("model '%s' references unknown backend '%s'", m.ID, m.Backend)
			}
		}
		if m.ContextSize < 0 || m.MaxTokens < 0 {
			return fmt.Errorf("model '%s': context_size and max_tokens cannot be negative", m.ID)
		}
	}

	if c.Generation.ReservedOverhead < 0 {
		return fmt.Errorf("generation.reserved_overhead cannot be negative")
	}

	if c.Persistence.Interval < 0 || c.Persistence.BaseDelay < 0 || c.Persistence.MaxDelay < 0 {
		return fmt.Errorf("persistence delays cannot be negative")
	}

	for tier := range c.Router.TierPatterns {
		if !modelrouter.Tier(tier).Valid() {
			return fmt.Errorf("router.tier_patterns: unknown tier '%s'", tier)
		}
	}

	if c.Plugins.RateLimit.Enabled && c.Plugins.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("plugins.ratelimit.requests_per_minute must be positive")
	}
	if c.Plugins.Usage.Enabled && c.Plugins.Usage.Stream == "" {
		return fmt.Errorf("plugins.usage.stream cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONVERSIONS
// ═══════════════════════════════════════════════════════════════════════════════

// StoreOptions converts the storage section for data.Open.
func (c StorageConfig) StoreOptions() data.Options {
	return data.Options{Driver: c.Driver, Path: c.Path, BusyTimeout: c.BusyTimeout}
}

// ToBufferConfig converts the persistence section for persist.New.
func (c PersistenceConfig) ToBufferConfig() persist.Config {
	cfg := persist.DefaultConfig()
	if c.Interval > 0 {
		cfg.Interval = c.Interval
	}
	if c.WarmupTokens > 0 {
		cfg.WarmupTokens = c.WarmupTokens
	}
	if c.MaxLockRetries > 0 {
		cfg.MaxLockRetries = c.MaxLockRetries
	}
	if c.BaseDelay > 0 {
		cfg.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		cfg.MaxDelay = c.MaxDelay
	}
	if c.NotFoundRetries > 0 {
		cfg.NotFoundRetries = c.NotFoundRetries
	}
	return cfg
}

// ProviderConfigs converts the backends for llm.NewRegistry. The default
// backend comes first so the registry picks it as its default.
func (c LLMConfig) ProviderConfigs() []*llm.ProviderConfig {
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		if name != c.DefaultBackend {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := c.Backends[c.DefaultBackend]; ok {
		names = append([]string{c.DefaultBackend}, names...)
	}

	out := make([]*llm.ProviderConfig, 0, len(names))
	for _, name := range names {
		b := c.Backends[name]
		kind := b.Kind
		if kind == "" {
			kind = inferKind(name)
		}
		pc := llm.DefaultConfig(kind)
		pc.Name = name
		if b.Endpoint != "" {
			pc.Endpoint = b.Endpoint
		}
		if b.Model != "" {
			pc.Model = b.Model
		}
		if b.Timeout > 0 {
			pc.Timeout = b.Timeout
		}
		pc.APIKey = b.APIKey
		out = append(out, pc)
	}
	return out
}

func inferKind(name string) string {
	if strings.Contains(strings.ToLower(name), llm.KindOllama) {
		return llm.KindOllama
	}
	return llm.KindOpenAI
}

// Catalog converts the model list for the router.
func (c *Config) Catalog() []modelrouter.Model {
	out := make([]modelrouter.Model, 0, len(c.Models))
	for _, m := range c.Models {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		out = append(out, modelrouter.Model{ID: m.ID, Name: name, Label: m.Label})
	}
	return out
}

// RouterSettings converts the router section.
func (c *Config) RouterSettings() modelrouter.Config {
	rc := modelrouter.Config{DefaultModel: c.Generation.DefaultModel}
	if len(c.Router.TierPatterns) > 0 {
		rc.TierPatterns = make(map[modelrouter.Tier][]string, len(c.Router.TierPatterns))
		for tier, pats := range c.Router.TierPatterns {
			rc.TierPatterns[modelrouter.Tier(tier)] = pats
		}
	}
	return rc
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
