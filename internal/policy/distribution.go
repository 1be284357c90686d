package policy

import (
	"fmt"
	"math"
	"math/rand"
)

// Action is the paddle move. The numeric values are persisted and sent over the wire.
type Action int

const (
	Up Action = iota
	Down
	Stay
)

const numActions = 3

func (a Action) String() string {
	switch a {
	case Up:
		return "up"
	case Down:
		return "down"
	case Stay:
		return "stay"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

func (a Action) Valid() bool {
	return a >= Up && a <= Stay
}

// Distribution is a categorical distribution over the three actions.
type Distribution struct {
	Up   float64 `json:"up"`
	Down float64 `json:"down"`
	Stay float64 `json:"stay"`
}

func (d Distribution) Probs() [numActions]float64 {
	return [numActions]float64{d.Up, d.Down, d.Stay}
}

func (d Distribution) Prob(a Action) float64 {
	switch a {
	case Up:
		return d.Up
	case Down:
		return d.Down
	case Stay:
		return d.Stay
	default:
		return 0
	}
}

func (d Distribution) Sum() float64 {
	return d.Up + d.Down + d.Stay
}

// Sample draws an action; used during play to keep exploring.
func (d Distribution) Sample(rng *rand.Rand) Action {
	threshold := rng.Float64()
	if threshold < d.Up {
		return Up
	}
	if threshold < d.Up+d.Down {
		return Down
	}
	return Stay
}

// Choice returns the most probable action. Ties go to Up, then Down.
func (d Distribution) Choice() Action {
	best := Up
	bestProb := d.Up
	if d.Down > bestProb {
		best, bestProb = Down, d.Down
	}
	if d.Stay > bestProb {
		best = Stay
	}
	return best
}

func (d Distribution) finite() bool {
	for _, p := range d.Probs() {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return false
		}
	}
	return true
}

func softmax(logits []float64) (Distribution, error) {
	if len(logits) != numActions {
		return Distribution{}, fmt.Errorf("%w: %d logits, want %d", ErrShape, len(logits), numActions)
	}
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	values := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		values[i] = math.Exp(v - maxLogit)
		sum += values[i]
	}
	for i := range values {
		values[i] /= sum
	}
	return Distribution{Up: values[0], Down: values[1], Stay: values[2]}, nil
}
