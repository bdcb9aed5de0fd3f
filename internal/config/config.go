package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig   BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Auth          AuthConfig                `json:"auth" yaml:"auth"`
	Transcription TranscriptionConfig       `json:"transcription" yaml:"transcription"`
	LLM           LLMConfig                 `json:"llm" yaml:"llm"`
	Providers     map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Redis         RedisConfig               `json:"redis" yaml:"redis"`
	Logging       LoggingConfig             `json:"logging" yaml:"logging"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type BasicConfig struct {
	ServerAddress          string   `json:"server_address" yaml:"server_address"`
	ScratchDir             string   `json:"scratch_dir" yaml:"scratch_dir"`
	MaxUploadMB            int      `json:"max_upload_mb" yaml:"max_upload_mb"`
	SweepIntervalSeconds   int      `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
	StaleAfterSeconds      int      `json:"stale_after_seconds" yaml:"stale_after_seconds"`
	MaxConcurrentPipelines int      `json:"max_concurrent_pipelines" yaml:"max_concurrent_pipelines"`
	QueueWaitSeconds       int      `json:"queue_wait_seconds" yaml:"queue_wait_seconds"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	AllowedOrigins         []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type AuthConfig struct {
	Password           string `json:"password" yaml:"password"`
	Secret             string `json:"secret" yaml:"secret"`
	TokenTTLHours      int    `json:"token_ttl_hours" yaml:"token_ttl_hours"`
	MaxFailedLogins    int    `json:"max_failed_logins" yaml:"max_failed_logins"`
	LoginWindowMinutes int    `json:"login_window_minutes" yaml:"login_window_minutes"`
}

type TranscriptionConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	Model          string `json:"model" yaml:"model"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	MaxAttempts    int    `json:"max_attempts" yaml:"max_attempts"`
	BaseDelayMS    int    `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMS     int    `json:"max_delay_ms" yaml:"max_delay_ms"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

type LLMConfig struct {
	Provider        string  `json:"provider" yaml:"provider"`
	Temperature     float32 `json:"temperature" yaml:"temperature"`
	IntakeMaxTokens int     `json:"intake_max_tokens" yaml:"intake_max_tokens"`
	AnswerMaxTokens int     `json:"answer_max_tokens" yaml:"answer_max_tokens"`
	TimeoutSeconds  int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

var supportedProviders = map[string]string{
	"openai": "gpt-4o",
	"claude": "claude-sonnet-4-20250514",
	"gemini": "gemini-2.5-flash",
}

// Load reads configuration from the provided path (defaults to config.json), applies
// environment overrides and validates the result. A missing default file is not an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		if err := decode(absPath, data, &cfg); err != nil {
			return nil, err
		}
		if cfg.BasicConfig.ScratchDir != "" && !filepath.IsAbs(cfg.BasicConfig.ScratchDir) {
			cfg.BasicConfig.ScratchDir = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.ScratchDir)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables on top of file values.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Transcription.APIKey, "OPENAI_API_KEY")
	set(&c.Transcription.BaseURL, "OPENAI_BASE_URL")
	set(&c.Auth.Password, "APP_PASSWORD")
	set(&c.Auth.Secret, "AUTH_SECRET")
	set(&c.LLM.Provider, "LLM_PROVIDER")
	set(&c.BasicConfig.ScratchDir, "SCRATCH_DIR")
	set(&c.Logging.Level, "LOG_LEVEL")

	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.BasicConfig.ServerAddress = ":" + port
	}
	if origins := strings.TrimSpace(getenv("ALLOWED_ORIGINS")); origins != "" {
		c.BasicConfig.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.BasicConfig.AllowedOrigins = append(c.BasicConfig.AllowedOrigins, o)
			}
		}
	}
	if addr := strings.TrimSpace(getenv("REDIS_ADDR")); addr != "" {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			c.Redis.Host = host
			if p, err := strconv.Atoi(port); err == nil {
				c.Redis.Port = p
			}
		} else {
			c.Redis.Host = addr
		}
	}
	set(&c.Redis.Password, "REDIS_PASSWORD")

	providerKeys := map[string]string{
		"openai": "OPENAI_API_KEY",
		"claude": "ANTHROPIC_API_KEY",
		"gemini": "GEMINI_API_KEY",
	}
	for name, key := range providerKeys {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			continue
		}
		if c.Providers == nil {
			c.Providers = make(map[string]ProviderConfig)
		}
		p := c.Providers[name]
		if p.APIKey == "" {
			p.APIKey = v
		}
		c.Providers[name] = p
	}
}

// Validate fills defaults and rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Transcription.APIKey == "" {
		return fmt.Errorf("transcription api key is required (set OPENAI_API_KEY)")
	}

	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":3001"
	}
	if c.BasicConfig.ScratchDir == "" {
		c.BasicConfig.ScratchDir = filepath.Join(os.TempDir(), "transcription-uploads")
	}
	if c.BasicConfig.MaxUploadMB <= 0 {
		c.BasicConfig.MaxUploadMB = 25
	}
	if c.BasicConfig.SweepIntervalSeconds <= 0 {
		c.BasicConfig.SweepIntervalSeconds = 60
	}
	if c.BasicConfig.StaleAfterSeconds <= 0 {
		c.BasicConfig.StaleAfterSeconds = 300
	}
	if c.BasicConfig.MaxConcurrentPipelines <= 0 {
		c.BasicConfig.MaxConcurrentPipelines = 4
	}
	if c.BasicConfig.QueueWaitSeconds <= 0 {
		c.BasicConfig.QueueWaitSeconds = 30
	}
	if c.BasicConfig.ShutdownTimeoutSeconds <= 0 {
		c.BasicConfig.ShutdownTimeoutSeconds = 10
	}

	if c.Auth.TokenTTLHours <= 0 {
		c.Auth.TokenTTLHours = 24
	}
	if c.Auth.Secret == "" {
		c.Auth.Secret = c.Transcription.APIKey
	}
	if c.Auth.MaxFailedLogins <= 0 {
		c.Auth.MaxFailedLogins = 10
	}
	if c.Auth.LoginWindowMinutes <= 0 {
		c.Auth.LoginWindowMinutes = 15
	}

	if c.Transcription.Model == "" {
		c.Transcription.Model = "whisper-1"
	}
	if c.Transcription.MaxAttempts <= 0 {
		c.Transcription.MaxAttempts = 3
	}
	if c.Transcription.BaseDelayMS <= 0 {
		c.Transcription.BaseDelayMS = 1000
	}
	if c.Transcription.MaxDelayMS <= 0 {
		c.Transcription.MaxDelayMS = 10000
	}
	if c.Transcription.TimeoutSeconds <= 0 {
		c.Transcription.TimeoutSeconds = 300
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	defaultModel, ok := supportedProviders[c.LLM.Provider]
	if !ok {
		return fmt.Errorf("unsupported llm provider: %s", c.LLM.Provider)
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	prov := c.Providers[c.LLM.Provider]
	if prov.Model == "" {
		prov.Model = defaultModel
	}
	if prov.APIKey == "" && c.LLM.Provider == "openai" {
		prov.APIKey = c.Transcription.APIKey
	}
	if prov.APIKey == "" {
		return fmt.Errorf("api key for llm provider %s is required", c.LLM.Provider)
	}
	c.Providers[c.LLM.Provider] = prov
	if c.LLM.Temperature <= 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.IntakeMaxTokens <= 0 {
		c.LLM.IntakeMaxTokens = 2000
	}
	if c.LLM.AnswerMaxTokens <= 0 {
		c.LLM.AnswerMaxTokens = 1000
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 120
	}

	if c.Redis.Host != "" && c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if len(c.BasicConfig.AllowedOrigins) == 0 {
		c.BasicConfig.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// ActiveProvider returns the settings of the selected text-generation provider.
func (c *Config) ActiveProvider() ProviderConfig {
	return c.Providers[c.LLM.Provider]
}

// RedisEnabled reports whether a redis endpoint is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (b BasicConfig) MaxUploadBytes() int64 {
	return int64(b.MaxUploadMB) << 20
}

func (b BasicConfig) SweepInterval() time.Duration {
	return time.Duration(b.SweepIntervalSeconds) * time.Second
}

func (b BasicConfig) StaleAfter() time.Duration {
	return time.Duration(b.StaleAfterSeconds) * time.Second
}

func (b BasicConfig) QueueWait() time.Duration {
	return time.Duration(b.QueueWaitSeconds) * time.Second
}

func (b BasicConfig) ShutdownTimeout() time.Duration {
	return time.Duration(b.ShutdownTimeoutSeconds) * time.Second
}

func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLHours) * time.Hour
}

func (a AuthConfig) LoginWindow() time.Duration {
	return time.Duration(a.LoginWindowMinutes) * time.Minute
}

func (t TranscriptionConfig) BaseDelay() time.Duration {
	return time.Duration(t.BaseDelayMS) * time.Millisecond
}

func (t TranscriptionConfig) MaxDelay() time.Duration {
	return time.Duration(t.MaxDelayMS) * time.Millisecond
}

func (t TranscriptionConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}
