package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for MIA.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	API      APIConfig      `json:"api" yaml:"api"`
	Chat     ChatConfig     `json:"chat" yaml:"chat"`
	Memory   MemoryConfig   `json:"memory" yaml:"memory"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	HTTP     HTTPConfig     `json:"http" yaml:"http"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Cache    CacheConfig    `json:"cache" yaml:"cache"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel" yaml:"logLevel"`
	LogFile               string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	LogFormat             string `json:"logFormat,omitempty" yaml:"logFormat,omitempty"` // "text" | "json"
	MaxConcurrentMessages int    `json:"maxConcurrentMessages" yaml:"maxConcurrentMessages"`
}

// APIConfig points at the chat backend.
type APIConfig struct {
	Endpoint          string   `json:"endpoint" yaml:"endpoint"` // full URL of chat-messages
	FallbackEndpoints []string `json:"fallbackEndpoints,omitempty" yaml:"fallbackEndpoints,omitempty"`
	APIKey            string   `json:"apiKey" yaml:"apiKey"`
	User              string   `json:"user" yaml:"user"`
	TimeoutSeconds    int      `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxRetries        int      `json:"maxRetries" yaml:"maxRetries"`
}

type ChatConfig struct {
	TransactionToolLabel string   `json:"transactionToolLabel" yaml:"transactionToolLabel"`
	WelcomeMessage       string   `json:"welcomeMessage" yaml:"welcomeMessage"`
	WelcomeSuggestions   []string `json:"welcomeSuggestions" yaml:"welcomeSuggestions"`
	RatePerMinute        float64  `json:"ratePerMinute" yaml:"ratePerMinute"` // per chat, gateway only
	RateBurst            int      `json:"rateBurst" yaml:"rateBurst"`
}

type MemoryConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	DBPath       string `json:"dbPath" yaml:"dbPath"`
	HistoryLimit int    `json:"historyLimit" yaml:"historyLimit"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	Token     string         `json:"token" yaml:"token"`
	AllowFrom FlexStringList `json:"allowFrom" yaml:"allowFrom"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// UnmarshalYAML accepts scalars of any type; YAML ids are often unquoted ints.
func (f *FlexStringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("allowFrom: expected a list, got %s", node.Tag)
	}
	result := make([]string, 0, len(node.Content))
	for _, item := range node.Content {
		result = append(result, item.Value)
	}
	*f = result
	return nil
}

// HTTPConfig serves chats to web and mobile clients over SSE.
type HTTPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	APIKey  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// CacheConfig selects the suggested-questions cache.
type CacheConfig struct {
	Backend    string `json:"backend" yaml:"backend"` // "memory" | "redis" | "none"
	TTLSeconds int    `json:"ttlSeconds" yaml:"ttlSeconds"`
	MaxEntries int    `json:"maxEntries" yaml:"maxEntries"`
	RedisAddr  string `json:"redisAddr,omitempty" yaml:"redisAddr,omitempty"`
	RedisUser  string `json:"redisUsername,omitempty" yaml:"redisUsername,omitempty"`
	RedisPass  string `json:"redisPassword,omitempty" yaml:"redisPassword,omitempty"`
	RedisDB    int    `json:"redisDB,omitempty" yaml:"redisDB,omitempty"`
	RedisTLS   bool   `json:"redisTLS,omitempty" yaml:"redisTLS,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.mia).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mia"
	}
	return filepath.Join(home, ".mia")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset VAR
// without default is left as is.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file holds the API key.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values and reports every problem.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}

	if err := validateEndpoint(cfg.API.Endpoint); err != nil {
		errs = append(errs, "api.endpoint "+err.Error())
	}
	for i, ep := range cfg.API.FallbackEndpoints {
		if err := validateEndpoint(ep); err != nil {
			errs = append(errs, fmt.Sprintf("api.fallbackEndpoints[%d] %s", i, err))
		}
	}
	if strings.TrimSpace(cfg.API.User) == "" {
		errs = append(errs, "api.user must not be empty")
	}
	if cfg.API.TimeoutSeconds < 1 || cfg.API.TimeoutSeconds > 600 {
		errs = append(errs, "api.timeoutSeconds must be between 1 and 600")
	}
	if cfg.API.MaxRetries < 0 || cfg.API.MaxRetries > 10 {
		errs = append(errs, "api.maxRetries must be between 0 and 10")
	}

	if strings.TrimSpace(cfg.Chat.TransactionToolLabel) == "" {
		errs = append(errs, "chat.transactionToolLabel must not be empty")
	}
	if cfg.Chat.RatePerMinute < 0 {
		errs = append(errs, "chat.ratePerMinute must be >= 0")
	}
	if cfg.Chat.RateBurst < 0 {
		errs = append(errs, "chat.rateBurst must be >= 0")
	}

	if cfg.Memory.Enabled && cfg.Memory.DBPath == "" {
		errs = append(errs, "memory.dbPath is required when memory is enabled")
	}
	if cfg.Memory.HistoryLimit < 1 {
		errs = append(errs, "memory.historyLimit must be >= 1")
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required when telegram is enabled")
	}
	if cfg.HTTP.Enabled && cfg.HTTP.Addr == "" {
		errs = append(errs, "http.addr is required when http is enabled")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	switch cfg.Cache.Backend {
	case "none", "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			errs = append(errs, "cache.redisAddr is required for the redis backend")
		}
	default:
		errs = append(errs, "cache.backend must be one of: none, memory, redis")
	}
	if cfg.Cache.TTLSeconds < 0 {
		errs = append(errs, "cache.ttlSeconds must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
