package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"agentmarket/internal/money"
	"agentmarket/internal/scoring"
)

// Config models market.yml.
type Config struct {
	Search     SearchConfig              `yaml:"search"`
	Reputation ReputationConfig          `yaml:"reputation"`
	Wallets    WalletsConfig             `yaml:"wallets"`
	Strategies map[string]StrategyConfig `yaml:"strategies"`
	Webhooks   []WebhookConfig           `yaml:"webhooks"`
}

type SearchConfig struct {
	DefaultLimit int             `yaml:"default_limit"`
	MaxLimit     int             `yaml:"max_limit"`
	Weights      scoring.Weights `yaml:"weights"`
}

type ReputationConfig struct {
	InitialRating       float64 `yaml:"initial_rating"`
	FailurePenalty      float64 `yaml:"failure_penalty"`
	RatingFloor         float64 `yaml:"rating_floor"`
	SuccessThreshold    float64 `yaml:"success_threshold"`
	InitialResponseTime float64 `yaml:"initial_response_time"`
}

type WalletsConfig struct {
	// Seed maps agent id to an opening balance such as "10.00".
	Seed map[string]string `yaml:"seed"`
}

// StrategyConfig is a broker preset. Zero MaxPrice or MinRating means no filter.
type StrategyConfig struct {
	Weights     scoring.Weights `yaml:"weights"`
	Temperature float64         `yaml:"temperature"`
	MaxPrice    float64         `yaml:"max_price"`
	MinRating   float64         `yaml:"min_rating"`
	Fallback    *bool           `yaml:"fallback"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsEnabled treats a missing enabled flag as true.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mkt config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the built-in defaults when the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Search.DefaultLimit < 1 {
		return fmt.Errorf("config.search.default_limit must be >= 1")
	}
	if c.Search.MaxLimit < c.Search.DefaultLimit {
		return fmt.Errorf("config.search.max_limit must be >= default_limit")
	}
	if _, err := c.Search.Weights.Normalize(); err != nil {
		return fmt.Errorf("config.search.weights: %w", err)
	}
	r := c.Reputation
	if r.InitialRating < 1 || r.InitialRating > 5 {
		return fmt.Errorf("config.reputation.initial_rating must be within [1,5]")
	}
	if r.FailurePenalty < 0 {
		return fmt.Errorf("config.reputation.failure_penalty must not be negative")
	}
	if r.RatingFloor < 0 || r.RatingFloor > r.InitialRating {
		return fmt.Errorf("config.reputation.rating_floor must be within [0,initial_rating]")
	}
	if r.SuccessThreshold < 1 || r.SuccessThreshold > 5 {
		return fmt.Errorf("config.reputation.success_threshold must be within [1,5]")
	}
	if r.InitialResponseTime < 0 || math.IsNaN(r.InitialResponseTime) {
		return fmt.Errorf("config.reputation.initial_response_time must not be negative")
	}
	for agent, amount := range c.Wallets.Seed {
		if agent == "" {
			return fmt.Errorf("config.wallets.seed contains empty agent id")
		}
		d, err := money.Parse(amount)
		if err != nil {
			return fmt.Errorf("config.wallets.seed.%s: %w", agent, err)
		}
		if err := money.Positive(d); err != nil {
			return fmt.Errorf("config.wallets.seed.%s: %w", agent, err)
		}
	}
	for name, s := range c.Strategies {
		if name == "" {
			return fmt.Errorf("config.strategies contains empty name")
		}
		if _, err := s.Weights.Normalize(); err != nil {
			return fmt.Errorf("strategy %s: %w", name, err)
		}
		if !(s.Temperature > 0) {
			return fmt.Errorf("strategy %s: temperature must be > 0", name)
		}
		if s.MaxPrice < 0 || s.MinRating < 0 {
			return fmt.Errorf("strategy %s: filters must not be negative", name)
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// StrategyNames lists configured strategies in name order.
func (c *Config) StrategyNames() []string {
	names := make([]string, 0, len(c.Strategies))
	for name := range c.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "market.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections left
// out of data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `search:
  default_limit: 5
  max_limit: 20
  weights:
    price: 0.3
    quality: 0.4
    speed: 0.2
    reliability: 0.1

reputation:
  initial_rating: 5.0
  failure_penalty: 0.1
  rating_floor: 1.0
  success_threshold: 3.0
  initial_response_time: 0.5

wallets:
  seed:
    PM_Budget: "10.00"
    PM_Quality: "10.00"
    PM_Balanced: "10.00"

strategies:
  budget:
    weights: {price: 0.8, quality: 0.1, speed: 0.1, reliability: 0}
    temperature: 0.5
    max_price: 0.04
  quality:
    weights: {price: 0.1, quality: 0.8, speed: 0.1, reliability: 0}
    temperature: 0.5
    min_rating: 4.0
  balanced:
    weights: {price: 0.4, quality: 0.4, speed: 0.2, reliability: 0}
    temperature: 1.0

webhooks: []
`
