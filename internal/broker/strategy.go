package broker

import (
	"fmt"
	"sort"

	"agentmarket/internal/config"
	"agentmarket/internal/scoring"
)

// Strategy is a buyer's standing preference: how to weigh sellers, how much
// randomness to allow, and which sellers to rule out up front.
type Strategy struct {
	Name        string
	Weights     scoring.Weights
	Temperature float64
	// Zero means no filter.
	MaxPrice  float64
	MinRating float64
	// Fallback retries the search without filters when nothing qualifies.
	Fallback bool
}

var presets = map[string]Strategy{
	"budget": {
		Name:        "budget",
		Weights:     scoring.Weights{Price: 0.8, Quality: 0.1, Speed: 0.1},
		Temperature: 0.5,
		MaxPrice:    0.04,
		Fallback:    true,
	},
	"quality": {
		Name:        "quality",
		Weights:     scoring.Weights{Price: 0.1, Quality: 0.8, Speed: 0.1},
		Temperature: 0.5,
		MinRating:   4.0,
		Fallback:    true,
	},
	"balanced": {
		Name:        "balanced",
		Weights:     scoring.Weights{Price: 0.4, Quality: 0.4, Speed: 0.2},
		Temperature: 1.0,
		Fallback:    true,
	},
}

// FromConfig converts a configured preset. A missing fallback flag means true.
func FromConfig(name string, sc config.StrategyConfig) (Strategy, error) {
	s := Strategy{
		Name:        name,
		Weights:     sc.Weights,
		Temperature: sc.Temperature,
		MaxPrice:    sc.MaxPrice,
		MinRating:   sc.MinRating,
		Fallback:    sc.Fallback == nil || *sc.Fallback,
	}
	return s, s.Validate()
}

// Lookup resolves name against cfg first and the built-in presets second.
func Lookup(cfg *config.Config, name string) (Strategy, error) {
	if cfg != nil {
		if sc, ok := cfg.Strategies[name]; ok {
			return FromConfig(name, sc)
		}
	}
	if s, ok := presets[name]; ok {
		return s, nil
	}
	return Strategy{}, fmt.Errorf("unknown strategy %q (known: %v)", name, Names(cfg))
}

// Names lists every strategy Lookup can resolve.
func Names(cfg *config.Config) []string {
	seen := map[string]bool{}
	for name := range presets {
		seen[name] = true
	}
	if cfg != nil {
		for name := range cfg.Strategies {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Strategy) Validate() error {
	if _, err := s.Weights.Normalize(); err != nil {
		return fmt.Errorf("strategy %s: %w", s.Name, err)
	}
	if !(s.Temperature > 0) {
		return fmt.Errorf("strategy %s: temperature must be > 0", s.Name)
	}
	if s.MaxPrice < 0 || s.MinRating < 0 {
		return fmt.Errorf("strategy %s: filters must not be negative", s.Name)
	}
	return nil
}
