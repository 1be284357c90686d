package policy

import "pong-rl/internal/features"

// Inference is the result of one forward pass. Hidden is kept so training
// can reuse the first-layer activation without recomputing it.
type Inference struct {
	Distribution Distribution `json:"distribution"`
	Choice       Action       `json:"choice"`
	Hidden       []float64    `json:"hidden"`
}

// Neutral is returned when a forward pass cannot be completed.
func Neutral() Inference {
	return Inference{Hidden: []float64{}}
}

// Frame is one observation and the network's inference for it.
type Frame struct {
	Image     features.Image `json:"image"`
	Inference Inference      `json:"inference"`
}
