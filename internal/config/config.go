// Package config manages chatrelay configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"chatrelay/internal/budget"
	"chatrelay/internal/retrieval"
)

// Config is the complete chatrelay configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Server holds the HTTP listener settings.
	Server ServerConfig `yaml:"server"`

	// Conversation controls history retention.
	Conversation ConversationConfig `yaml:"conversation"`

	// Cache controls response memoization.
	Cache CacheConfig `yaml:"cache"`

	// Limiter controls per-user admission.
	Limiter LimiterConfig `yaml:"limiter"`

	// Retrieval points at the external retrieval engine.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Providers is the ordered fallback chain; first entry is primary.
	Providers []ProviderConfig `yaml:"providers"`

	// Budget configures complexity tiers and the phase split.
	Budget BudgetConfig `yaml:"budget"`

	// Logging configures the zap logger.
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP surface settings.
type ServerConfig struct {
	Listen            string `yaml:"listen"`
	SlowTurnThreshold string `yaml:"slow_turn_threshold"`
}

// ConversationConfig holds history store settings.
type ConversationConfig struct {
	TTL                string `yaml:"ttl"`
	MaxHistoryMessages int    `yaml:"max_history_messages"`
	SweepInterval      string `yaml:"sweep_interval"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	TTL           string `yaml:"ttl"`
	SweepInterval string `yaml:"sweep_interval"`
	MaxEntries    int    `yaml:"max_entries"`
}

// LimiterConfig holds sliding-window settings.
type LimiterConfig struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"`
}

// RetrievalConfig points at the retrieval engine.
type RetrievalConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ProviderConfig describes one backend in the fallback chain.
type ProviderConfig struct {
	Name           string `yaml:"name"`
	Kind           string `yaml:"kind"` // openai, gemini, static
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	AttemptTimeout string `yaml:"attempt_timeout"`
}

// BudgetConfig holds the tier table and phase split ratios.
type BudgetConfig struct {
	Overhead       string       `yaml:"overhead"`
	HistoryFloor   string       `yaml:"history_floor"`
	PhaseMinimum   string       `yaml:"phase_minimum"`
	RetrievalShare float64      `yaml:"retrieval_share"`
	Tiers          []TierConfig `yaml:"tiers"`
}

// TierConfig is one row of the complexity tier table. MaxWords 0 means
// unbounded and must be the last row.
type TierConfig struct {
	Name     string `yaml:"name"`
	MaxWords int    `yaml:"max_words"`
	Deadline string `yaml:"deadline"`
	Mode     string `yaml:"mode"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "chatrelay",
		Version: "1.0.0",

		Server: ServerConfig{
			Listen:            ":8080",
			SlowTurnThreshold: "15s",
		},

		Conversation: ConversationConfig{
			TTL:                "1h",
			MaxHistoryMessages: 10,
			SweepInterval:      "5m",
		},

		Cache: CacheConfig{
			TTL:           "5m",
			SweepInterval: "10m",
			MaxEntries:    2000,
		},

		Limiter: LimiterConfig{
			Limit:  10,
			Window: "1h",
		},

		Retrieval: RetrievalConfig{
			BaseURL: "http://localhost:9621",
		},

		Providers: []ProviderConfig{
			{
				Name:           "primary",
				Kind:           "openai",
				Model:          "gpt-4o-mini",
				AttemptTimeout: "30s",
			},
			{
				Name:           "gemini-fallback",
				Kind:           "gemini",
				Model:          "gemini-2.0-flash",
				AttemptTimeout: "30s",
			},
		},

		Budget: BudgetConfig{
			Overhead:       "250ms",
			HistoryFloor:   "250ms",
			PhaseMinimum:   "500ms",
			RetrievalShare: 0.4,
			Tiers: []TierConfig{
				{Name: "simple", MaxWords: 3, Deadline: "10s", Mode: "naive"},
				{Name: "moderate", MaxWords: 7, Deadline: "20s", Mode: "local"},
				{Name: "standard", MaxWords: 15, Deadline: "30s", Mode: "hybrid"},
				{Name: "deep", MaxWords: 0, Deadline: "45s", Mode: "global"},
			},
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. API keys land
// on every provider of the matching kind that has none, so a chain can be
// configured without writing secrets to disk.
func (c *Config) applyEnvOverrides() {
	openaiKey := os.Getenv("OPENAI_API_KEY")
	geminiKey := os.Getenv("GEMINI_API_KEY")
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKey != "" {
			continue
		}
		switch p.Kind {
		case "openai":
			p.APIKey = openaiKey
		case "gemini":
			p.APIKey = geminiKey
		}
	}

	if listen := os.Getenv("CHATRELAY_LISTEN"); listen != "" {
		c.Server.Listen = listen
	}
	if base := os.Getenv("CHATRELAY_RETRIEVAL_URL"); base != "" {
		c.Retrieval.BaseURL = base
	}
	if level := os.Getenv("CHATRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// duration parses a duration string, falling back when empty or invalid.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetConversationTTL returns conversation retention as a duration.
func (c *Config) GetConversationTTL() time.Duration {
	return duration(c.Conversation.TTL, time.Hour)
}

// GetConversationSweepInterval returns the store sweep interval.
func (c *Config) GetConversationSweepInterval() time.Duration {
	return duration(c.Conversation.SweepInterval, 5*time.Minute)
}

// GetCacheTTL returns response cache retention as a duration.
func (c *Config) GetCacheTTL() time.Duration {
	return duration(c.Cache.TTL, 5*time.Minute)
}

// GetCacheSweepInterval returns the cache sweep interval.
func (c *Config) GetCacheSweepInterval() time.Duration {
	return duration(c.Cache.SweepInterval, 10*time.Minute)
}

// GetLimiterWindow returns the sliding window width.
func (c *Config) GetLimiterWindow() time.Duration {
	return duration(c.Limiter.Window, time.Hour)
}

// GetSlowTurnThreshold returns the latency above which a turn is logged
// as slow.
func (c *Config) GetSlowTurnThreshold() time.Duration {
	return duration(c.Server.SlowTurnThreshold, 15*time.Second)
}

// GetOverhead returns the fixed per-turn overhead added on top of the
// phase budgets when computing the overall deadline.
func (c *Config) GetOverhead() time.Duration {
	return duration(c.Budget.Overhead, 250*time.Millisecond)
}

// GetAttemptTimeout returns one provider's attempt slice.
func (p *ProviderConfig) GetAttemptTimeout() time.Duration {
	return duration(p.AttemptTimeout, 30*time.Second)
}

// BudgetOptions converts the split settings for the scheduler.
func (c *Config) BudgetOptions() budget.Options {
	return budget.Options{
		HistoryFloor:   duration(c.Budget.HistoryFloor, 250*time.Millisecond),
		RetrievalShare: c.Budget.RetrievalShare,
		PhaseMinimum:   duration(c.Budget.PhaseMinimum, 500*time.Millisecond),
	}
}

// BudgetTiers converts the tier table for the scheduler.
func (c *Config) BudgetTiers() []budget.Tier {
	tiers := make([]budget.Tier, 0, len(c.Budget.Tiers))
	for _, t := range c.Budget.Tiers {
		tiers = append(tiers, budget.Tier{
			Name:     t.Name,
			MaxWords: t.MaxWords,
			Deadline: duration(t.Deadline, 30*time.Second),
			Mode:     retrieval.Mode(t.Mode),
		})
	}
	return tiers
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Limiter.Limit <= 0 {
		return fmt.Errorf("limiter.limit must be positive, got %d", c.Limiter.Limit)
	}
	if _, err := time.ParseDuration(c.Limiter.Window); err != nil {
		return fmt.Errorf("limiter.window: %w", err)
	}
	if c.Conversation.MaxHistoryMessages <= 0 {
		return fmt.Errorf("conversation.max_history_messages must be positive, got %d",
			c.Conversation.MaxHistoryMessages)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Retrieval.BaseURL == "" {
		return fmt.Errorf("retrieval.base_url is required")
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]int, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if first, dup := seen[p.Name]; dup {
			return fmt.Errorf("providers[%d] %q: duplicate name (first defined at providers[%d])",
				i, p.Name, first)
		}
		seen[p.Name] = i
		switch p.Kind {
		case "openai", "gemini", "static":
		default:
			return fmt.Errorf("providers[%d] %q: unknown kind %q (want openai, gemini or static)",
				i, p.Name, p.Kind)
		}
	}

	if c.Budget.RetrievalShare < 0 || c.Budget.RetrievalShare >= 1 {
		return fmt.Errorf("budget.retrieval_share must be in (0, 1), got %v",
			c.Budget.RetrievalShare)
	}
	for i, t := range c.Budget.Tiers {
		if _, err := retrieval.ParseMode(t.Mode); err != nil {
			return fmt.Errorf("budget.tiers[%d] %q: %w", i, t.Name, err)
		}
		if _, err := time.ParseDuration(t.Deadline); err != nil {
			return fmt.Errorf("budget.tiers[%d] %q: deadline: %w", i, t.Name, err)
		}
	}

	return nil
}
