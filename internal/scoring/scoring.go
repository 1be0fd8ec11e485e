// Package scoring turns an agent's reputation metrics and a buyer's
// preferences into a single comparable number. The same function ranks
// directory search results and feeds the selection lottery.
package scoring

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidWeights = errors.New("invalid weights")

// Weights are buyer preferences, each in [0,1]. They are renormalized to sum
// to 1 before use.
type Weights struct {
	Price       float64 `yaml:"price" json:"price"`
	Quality     float64 `yaml:"quality" json:"quality"`
	Speed       float64 `yaml:"speed" json:"speed"`
	Reliability float64 `yaml:"reliability" json:"reliability"`
}

// DefaultWeights match the registry's historical query defaults.
var DefaultWeights = Weights{Price: 0.3, Quality: 0.4, Speed: 0.2, Reliability: 0.1}

// Sum returns the raw total of the four weights.
func (w Weights) Sum() float64 {
	return w.Price + w.Quality + w.Speed + w.Reliability
}

// Normalize validates w and scales it to sum to 1.
func (w Weights) Normalize() (Weights, error) {
	for name, v := range map[string]float64{
		"price":       w.Price,
		"quality":     w.Quality,
		"speed":       w.Speed,
		"reliability": w.Reliability,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return Weights{}, fmt.Errorf("%w: %s weight %v outside [0,1]", ErrInvalidWeights, name, v)
		}
	}
	total := w.Sum()
	if total <= 0 {
		return Weights{}, fmt.Errorf("%w: at least one weight must be > 0", ErrInvalidWeights)
	}
	return Weights{
		Price:       w.Price / total,
		Quality:     w.Quality / total,
		Speed:       w.Speed / total,
		Reliability: w.Reliability / total,
	}, nil
}

// Metrics is the scoring view of an agent. SuccessRate is a percentage.
type Metrics struct {
	Price           float64
	Rating          float64
	AvgResponseTime float64
	SuccessRate     float64
}

// Bounds are the normalization ceilings taken across a candidate set.
type Bounds struct {
	MaxPrice   float64
	MaxLatency float64
}

// BoundsOf returns the max price and max latency of the given candidates.
func BoundsOf(candidates []Metrics) Bounds {
	var b Bounds
	for _, c := range candidates {
		if c.Price > b.MaxPrice {
			b.MaxPrice = c.Price
		}
		if c.AvgResponseTime > b.MaxLatency {
			b.MaxLatency = c.AvgResponseTime
		}
	}
	return b
}

// Breakdown holds the four clamped sub-scores.
type Breakdown struct {
	Price       float64 `json:"price"`
	Quality     float64 `json:"quality"`
	Speed       float64 `json:"speed"`
	Reliability float64 `json:"reliability"`
}

// Components computes the sub-scores of m within b.
func Components(m Metrics, b Bounds) Breakdown {
	price := 1.0
	if b.MaxPrice > 0 {
		price = (b.MaxPrice - m.Price) / b.MaxPrice
	}
	speed := 1.0
	if b.MaxLatency > 0 {
		speed = (b.MaxLatency - m.AvgResponseTime) / b.MaxLatency
	}
	return Breakdown{
		Price:       clamp01(price),
		Quality:     clamp01(m.Rating / 5.0),
		Speed:       clamp01(speed),
		Reliability: clamp01(m.SuccessRate / 100.0),
	}
}

// Score is the weighted sum of the sub-scores. Callers pass weights that
// went through Normalize; the result then lies in [0,1].
func Score(m Metrics, b Bounds, w Weights) float64 {
	c := Components(m, b)
	return c.Price*w.Price +
		c.Quality*w.Quality +
		c.Speed*w.Speed +
		c.Reliability*w.Reliability
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
