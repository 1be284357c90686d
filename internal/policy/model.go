package policy

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ModelKey addresses the single persisted model record.
const ModelKey = "model"

var (
	ErrShape       = errors.New("shape mismatch")
	ErrHiddenWidth = errors.New("hidden width mismatch")
)

// Model is the full trainable state: W1 is features×hidden, W2 is hidden×3.
type Model struct {
	Key string
	W1  *mat.Dense
	W2  *mat.Dense
}

// NewRandomModel draws every weight from a standard normal distribution.
func NewRandomModel(features, hidden int, rng *rand.Rand) *Model {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Model{
		Key: ModelKey,
		W1:  randn(features, hidden, rng),
		W2:  randn(hidden, numActions, rng),
	}
}

func randn(rows, cols int, rng *rand.Rand) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(rows, cols, data)
}

// Shape returns the feature count and hidden width.
func (m *Model) Shape() (features, hidden int) {
	return m.W1.Dims()
}

func (m *Model) Validate() error {
	if m == nil || m.W1 == nil || m.W2 == nil {
		return fmt.Errorf("%w: missing weights", ErrShape)
	}
	_, hidden := m.W1.Dims()
	rows, cols := m.W2.Dims()
	if rows != hidden || cols != numActions {
		return fmt.Errorf("%w: W2 is %dx%d, want %dx%d", ErrShape, rows, cols, hidden, numActions)
	}
	return nil
}

func (m *Model) Clone() *Model {
	return &Model{
		Key: m.Key,
		W1:  mat.DenseCopyOf(m.W1),
		W2:  mat.DenseCopyOf(m.W2),
	}
}

// MarshalWeights encodes both matrices in gonum's binary format.
func (m *Model) MarshalWeights() (w1, w2 []byte, err error) {
	if err := m.Validate(); err != nil {
		return nil, nil, err
	}
	if w1, err = m.W1.MarshalBinary(); err != nil {
		return nil, nil, fmt.Errorf("marshal W1: %w", err)
	}
	if w2, err = m.W2.MarshalBinary(); err != nil {
		return nil, nil, fmt.Errorf("marshal W2: %w", err)
	}
	return w1, w2, nil
}

func UnmarshalModel(key string, w1, w2 []byte) (*Model, error) {
	m := &Model{Key: key, W1: &mat.Dense{}, W2: &mat.Dense{}}
	if err := m.W1.UnmarshalBinary(w1); err != nil {
		return nil, fmt.Errorf("unmarshal W1: %w", err)
	}
	if err := m.W2.UnmarshalBinary(w2); err != nil {
		return nil, fmt.Errorf("unmarshal W2: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
