package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Model     ModelConfig      `json:"model"`
	Agent     AgentConfig      `json:"agent"`
	Database  DatabaseConfig   `json:"database"`
	Gateway   GatewayConfig    `json:"gateway"`
	Redis     RedisConfig      `json:"redis"`
	Session   SessionConfig    `json:"session"`
}

type ServerConfig struct {
	Port            int      `json:"port"`
	LogLevel        string   `json:"log_level"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	Timeout  Duration          `json:"timeout,omitempty"`
}

// ModelConfig holds the model settings new sessions start with.
type ModelConfig struct {
	Provider            string  `json:"provider"`
	Model               string  `json:"model"`
	FallbackModel       string  `json:"fallback_model"`
	Temperature         float64 `json:"temperature"`
	MaxIterations       int     `json:"max_iterations"`
	HandleParsingErrors *bool   `json:"handle_parsing_errors,omitempty"`
}

type AgentConfig struct {
	MaxRows      int      `json:"max_rows"`
	ToolTimeout  Duration `json:"tool_timeout"`
	ModelTimeout Duration `json:"model_timeout"`
}

// DatabaseConfig is the connection new sessions start with.
type DatabaseConfig struct {
	Kind     string `json:"kind"`
	Path     string `json:"path,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Database string `json:"database,omitempty"`
}

type GatewayConfig struct {
	CacheTTL        Duration `json:"cache_ttl"`
	DialTimeout     Duration `json:"dial_timeout"`
	QueryTimeout    Duration `json:"query_timeout"`
	BusyTimeout     Duration `json:"busy_timeout"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	MaxLen int64  `json:"max_len"`
}

type SessionConfig struct {
	QueryHistoryLimit int    `json:"query_history_limit"`
	Greeting          string `json:"greeting"`
}

// Duration is a time.Duration that reads "2h"-style strings or seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

const (
	DefaultPath     = "configs/querydesk.json"
	DefaultGreeting = "How can I help you?"
	defaultModel    = "llama3-70b-8192"
)

// Default returns the built-in configuration: a Groq provider keyed from the
// environment and the bundled student.db.
func Default() *Config {
	handle := true
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info", ShutdownTimeout: Duration(10 * time.Second)},
		Providers: []ProviderConfig{{
			ID:       "groq",
			Type:     "openai",
			Name:     "Groq",
			Endpoint: "https://api.groq.com/openai/v1",
			APIKey:   os.Getenv("GROQ_API_KEY"),
		}},
		Model: ModelConfig{
			Provider:            "groq",
			Model:               envOr("GROQ_MODEL", defaultModel),
			FallbackModel:       os.Getenv("GROQ_FALLBACK_MODEL"),
			Temperature:         0.1,
			MaxIterations:       15,
			HandleParsingErrors: &handle,
		},
		Agent: AgentConfig{
			MaxRows:      100,
			ToolTimeout:  Duration(30 * time.Second),
			ModelTimeout: Duration(120 * time.Second),
		},
		Database: DatabaseConfig{Kind: "sqlite", Path: "student.db"},
		Gateway: GatewayConfig{
			CacheTTL:        Duration(2 * time.Hour),
			DialTimeout:     Duration(10 * time.Second),
			QueryTimeout:    Duration(30 * time.Second),
			BusyTimeout:     Duration(10 * time.Second),
			MaxOpenConns:    5,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(30 * time.Minute),
		},
		Redis:   RedisConfig{MaxLen: 1000},
		Session: SessionConfig{QueryHistoryLimit: 10, Greeting: DefaultGreeting},
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills unset fields from Default. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	// providers in the file replace the default list instead of merging into it
	defaults := cfg.Providers
	cfg.Providers = nil
	cfg.Model.Provider = ""
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = defaults
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate fills zero values with defaults, clamps ranged settings and
// rejects settings that cannot work.
func (c *Config) Validate() error {
	def := Default()
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = def.Server.LogLevel
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}

	if len(c.Providers) == 0 {
		return errors.New("no providers configured")
	}
	seen := make(map[string]bool)
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("provider %d: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
		switch p.Type {
		case "openai", "anthropic":
		case "":
			p.Type = "openai"
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
		}
	}

	if c.Model.Provider == "" {
		c.Model.Provider = c.Providers[0].ID
	}
	if !seen[c.Model.Provider] {
		return fmt.Errorf("model provider %q is not configured", c.Model.Provider)
	}
	if c.Model.Model == "" {
		c.Model.Model = def.Model.Model
	}
	c.Model.Temperature = clampFloat(c.Model.Temperature, 0, 1)
	c.Model.MaxIterations = clampIterations(c.Model.MaxIterations)
	if c.Model.HandleParsingErrors == nil {
		c.Model.HandleParsingErrors = def.Model.HandleParsingErrors
	}

	if c.Agent.MaxRows <= 0 {
		c.Agent.MaxRows = def.Agent.MaxRows
	}
	if c.Agent.ToolTimeout <= 0 {
		c.Agent.ToolTimeout = def.Agent.ToolTimeout
	}
	if c.Agent.ModelTimeout <= 0 {
		c.Agent.ModelTimeout = def.Agent.ModelTimeout
	}

	c.Database.Kind = strings.ToLower(c.Database.Kind)
	switch c.Database.Kind {
	case "":
		c.Database = def.Database
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("database: unknown kind %q", c.Database.Kind)
	}

	if c.Gateway.CacheTTL <= 0 {
		c.Gateway.CacheTTL = def.Gateway.CacheTTL
	}
	if c.Redis.MaxLen <= 0 {
		c.Redis.MaxLen = def.Redis.MaxLen
	}
	if c.Session.QueryHistoryLimit <= 0 {
		c.Session.QueryHistoryLimit = def.Session.QueryHistoryLimit
	}
	if c.Session.Greeting == "" {
		c.Session.Greeting = DefaultGreeting
	}
	return nil
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampIterations(n int) int {
	switch {
	case n == 0:
		return 15
	case n < 5:
		return 5
	case n > 20:
		return 20
	}
	return n
}
