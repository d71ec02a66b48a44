package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Blob        BlobConfig                `json:"blob"`
	TTS         TTSConfig                 `json:"tts"`
	Insight     InsightConfig             `json:"insight"`
	RateLimit   RateLimitConfig           `json:"rate_limit"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress     string   `json:"server_address"`
	MinWorkers        int      `json:"min_workers"`
	MaxWorkers        int      `json:"max_workers"`
	QueueSize         int      `json:"queue_size"`
	WorkerIdleTimeout int      `json:"worker_idle_timeout"` // minutes
	MaxUploadMB       int      `json:"max_upload_mb"`
	TokenTTLHours     int      `json:"token_ttl_hours"`
	LogLevel          string   `json:"log_level"`
	LogFormat         string   `json:"log_format"`
	AllowedOrigins    []string `json:"allowed_origins"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// BlobConfig selects the object storage backend ("local" or "minio").
type BlobConfig struct {
	Backend   string `json:"backend"`
	BaseDir   string `json:"base_dir"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"use_ssl"`
}

type TTSConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Voice    string `json:"voice"`
	// Endpoint, when set, makes reader sessions call a remote render service
	// over HTTP instead of the in-process one.
	Endpoint         string `json:"endpoint"`
	MinTextLength    int    `json:"min_text_length"`
	MaxTextLength    int    `json:"max_text_length"`
	OrphanTTLMinutes int    `json:"orphan_ttl_minutes"`
	SweepSchedule    string `json:"sweep_schedule"`
}

type InsightConfig struct {
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	MaxInputChars   int    `json:"max_input_chars"`
	DefaultQuestion int    `json:"default_questions"`
}

type RateLimitConfig struct {
	Auth    string `json:"auth"`
	Render  string `json:"render"`
	Insight string `json:"insight"`
}

// envOverrides maps environment variables onto provider api keys.
var envOverrides = map[string]string{
	"openai": "OPENAI_API_KEY",
	"gemini": "GEMINI_API_KEY",
	"claude": "ANTHROPIC_API_KEY",
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseDir := filepath.Dir(absPath)
	if cfg.Blob.Backend == "local" && !filepath.IsAbs(cfg.Blob.BaseDir) {
		cfg.Blob.BaseDir = filepath.Join(baseDir, cfg.Blob.BaseDir)
	}
	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) && !strings.HasPrefix(db.DSN, "file:") {
		db.DSN = filepath.Join(baseDir, db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, env := range envOverrides {
		key := strings.TrimSpace(os.Getenv(env))
		if key == "" {
			continue
		}
		prov := c.Providers[name]
		prov.APIKey = key
		c.Providers[name] = prov
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.Blob.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.Blob.SecretKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = 2
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers * 4
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = 64
	}
	if c.BasicConfig.MaxUploadMB <= 0 {
		c.BasicConfig.MaxUploadMB = 25
	}
	if c.BasicConfig.TokenTTLHours <= 0 {
		c.BasicConfig.TokenTTLHours = 24
	}
	if c.Blob.Backend == "" {
		c.Blob.Backend = "local"
	}
	if c.Blob.Backend == "local" && c.Blob.BaseDir == "" {
		c.Blob.BaseDir = "./data/blobs"
	}
	if c.TTS.Provider == "" {
		c.TTS.Provider = "openai"
	}
	if c.TTS.MinTextLength <= 0 {
		c.TTS.MinTextLength = 20
	}
	if c.TTS.MaxTextLength <= 0 {
		c.TTS.MaxTextLength = 4096
	}
	if c.TTS.OrphanTTLMinutes <= 0 {
		c.TTS.OrphanTTLMinutes = 60
	}
	if c.TTS.SweepSchedule == "" {
		c.TTS.SweepSchedule = "@every 15m"
	}
	if c.Insight.Provider == "" {
		c.Insight.Provider = "openai"
	}
	if c.Insight.MaxInputChars <= 0 {
		c.Insight.MaxInputChars = 30000
	}
	if c.Insight.DefaultQuestion <= 0 {
		c.Insight.DefaultQuestion = 5
	}
	if c.RateLimit.Auth == "" {
		c.RateLimit.Auth = "20-M"
	}
	if c.RateLimit.Render == "" {
		c.RateLimit.Render = "10-M"
	}
	if c.RateLimit.Insight == "" {
		c.RateLimit.Insight = "30-M"
	}
}

// Validate reports configuration problems that make the service unusable.
func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("at least one database must be configured")
	}
	switch c.Blob.Backend {
	case "local":
	case "minio":
		if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
			return fmt.Errorf("minio blob backend requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("unsupported blob backend: %s", c.Blob.Backend)
	}
	return nil
}

// Provider returns the provider config by name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	if c == nil {
		return ProviderConfig{}, false
	}
	p, ok := c.Providers[name]
	return p, ok
}
