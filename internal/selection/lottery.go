// Package selection implements the softmax lottery buyers use to pick a
// seller among scored candidates. Low temperatures approach a greedy pick of
// the top scorer; high temperatures approach a uniform draw.
package selection

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var (
	ErrNoCandidates       = errors.New("no candidates")
	ErrInvalidTemperature = errors.New("temperature must be a finite value > 0")
)

type Candidate struct {
	ID    string
	Score float64
}

// Result reports the full distribution alongside the winner.
type Result struct {
	Index         int
	Chosen        Candidate
	Probabilities []float64
}

// Distribution converts scores into softmax probabilities at temperature t.
// The maximum score is subtracted before exponentiating so large scores or
// tiny temperatures cannot overflow.
func Distribution(candidates []Candidate, t float64) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidTemperature, t)
	}
	maxScore := math.Inf(-1)
	for _, c := range candidates {
		if math.IsNaN(c.Score) || math.IsInf(c.Score, 0) {
			return nil, fmt.Errorf("candidate %s has non-finite score", c.ID)
		}
		if c.Score > maxScore {
			maxScore = c.Score
		}
	}
	probs := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		probs[i] = math.Exp((c.Score - maxScore) / t)
		total += probs[i]
	}
	// total >= 1 because the top scorer contributes exp(0).
	for i := range probs {
		probs[i] /= total
	}
	return probs, nil
}

// Draw samples one candidate using exactly one value from rng. A single
// candidate is returned directly without touching rng.
func Draw(rng *rand.Rand, candidates []Candidate, t float64) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, ErrNoCandidates
	}
	if len(candidates) == 1 {
		if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
			return Result{}, fmt.Errorf("%w: got %v", ErrInvalidTemperature, t)
		}
		return Result{Index: 0, Chosen: candidates[0], Probabilities: []float64{1}}, nil
	}
	if rng == nil {
		return Result{}, errors.New("nil random source")
	}
	probs, err := Distribution(candidates, t)
	if err != nil {
		return Result{}, err
	}
	u := rng.Float64()
	idx := len(candidates) - 1
	var cum float64
	for i, p := range probs {
		cum += p
		if u < cum {
			idx = i
			break
		}
	}
	return Result{Index: idx, Chosen: candidates[idx], Probabilities: probs}, nil
}
