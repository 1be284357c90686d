package policy

import (
	"fmt"
	"log"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"pong-rl/internal/features"
)

const (
	// Discount is applied once to the terminal reward and shared by every frame.
	Discount = 0.99

	DefaultLearningRate = 1.0
)

// Network is a two-layer policy: hidden = relu(x·W1), probs = softmax(hidden·W2).
// It owns a private copy of the model and is not safe for concurrent use.
type Network struct {
	model        *Model
	learningRate float64
	rng          *rand.Rand
}

func NewNetwork(model *Model, learningRate float64, rng *rand.Rand) (*Network, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Network{
		model:        model.Clone(),
		learningRate: learningRate,
		rng:          rng,
	}, nil
}

// Model returns a copy of the current weights for persisting.
func (n *Network) Model() *Model {
	return n.model.Clone()
}

func (n *Network) Shape() (features, hidden int) {
	return n.model.Shape()
}

// Infer runs the forward pass and samples an action. Failures are logged
// and yield the Neutral inference.
func (n *Network) Infer(img features.Image) (inf Inference) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("inference failed: %v", r)
			inf = Neutral()
		}
	}()

	dist, hidden, err := n.forward(img)
	if err != nil {
		log.Printf("inference failed: %v", err)
		return Neutral()
	}
	return Inference{
		Distribution: dist,
		Choice:       dist.Sample(n.rng),
		Hidden:       hidden,
	}
}

func (n *Network) forward(img features.Image) (Distribution, []float64, error) {
	numFeatures, hiddenWidth := n.model.Shape()
	if len(img) != numFeatures {
		return Distribution{}, nil, fmt.Errorf("%w: image has %d features, want %d", ErrShape, len(img), numFeatures)
	}

	var hidden mat.Dense
	hidden.Mul(imageRow(img), n.model.W1)
	hidden.Apply(relu, &hidden)

	var logits mat.Dense
	logits.Mul(&hidden, n.model.W2)

	dist, err := softmax(logits.RawRowView(0))
	if err != nil {
		return Distribution{}, nil, err
	}
	if !dist.finite() {
		return Distribution{}, nil, fmt.Errorf("non-finite distribution %+v", dist)
	}

	activation := make([]float64, hiddenWidth)
	copy(activation, hidden.RawRowView(0))
	return dist, activation, nil
}

// Rewards assigns every frame the same discounted terminal reward.
func Rewards(frames int, outcome bool) []float64 {
	terminal := 0.0
	if outcome {
		terminal = 1.0
	}
	rewards := make([]float64, frames)
	for i := frames - 1; i >= 0; i-- {
		rewards[i] = Discount * terminal
	}
	return rewards
}

// Train applies one policy-gradient step per frame, in order. The cached
// hidden activation stands in for the forward pass. A failing frame stops
// the pass; updates from earlier frames are kept.
func (n *Network) Train(frames []Frame, outcome bool) error {
	rewards := Rewards(len(frames), outcome)
	for i, frame := range frames {
		if err := n.step(frame, rewards[i]); err != nil {
			return fmt.Errorf("train frame %d: %w", i, err)
		}
	}
	return nil
}

func (n *Network) step(frame Frame, reward float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrShape, r)
		}
	}()

	numFeatures, hiddenWidth := n.model.Shape()
	if len(frame.Image) != numFeatures {
		return fmt.Errorf("%w: image has %d features, want %d", ErrShape, len(frame.Image), numFeatures)
	}
	if len(frame.Inference.Hidden) != hiddenWidth {
		return fmt.Errorf("%w: got %d, want %d", ErrHiddenWidth, len(frame.Inference.Hidden), hiddenWidth)
	}
	if !frame.Inference.Choice.Valid() {
		return fmt.Errorf("invalid action %d", frame.Inference.Choice)
	}

	probs := frame.Inference.Distribution.Probs()
	grad := make([]float64, numActions)
	for a := range grad {
		target := 0.0
		if Action(a) == frame.Inference.Choice {
			target = 1.0
		}
		grad[a] = (probs[a] - target) * reward
	}
	dLogits := mat.NewDense(1, numActions, grad)
	hidden := mat.NewDense(1, hiddenWidth, append([]float64(nil), frame.Inference.Hidden...))

	var dW2 mat.Dense
	dW2.Mul(hidden.T(), dLogits)

	// No relu mask: inactive units receive gradient too.
	var dHidden mat.Dense
	dHidden.Mul(dLogits, n.model.W2.T())

	var dW1 mat.Dense
	dW1.Mul(imageRow(frame.Image).T(), &dHidden)

	dW1.Scale(n.learningRate, &dW1)
	dW2.Scale(n.learningRate, &dW2)
	n.model.W1.Sub(n.model.W1, &dW1)
	n.model.W2.Sub(n.model.W2, &dW2)
	return nil
}

func imageRow(img features.Image) *mat.Dense {
	data := make([]float64, len(img))
	for i, v := range img {
		data[i] = float64(v)
	}
	return mat.NewDense(1, len(data), data)
}

func relu(_, _ int, v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
