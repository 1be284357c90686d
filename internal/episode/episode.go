package episode

import (
	"context"
	"errors"
	"fmt"

	"pong-rl/internal/policy"
)

// DatabaseName is the default name of the persisted store.
const DatabaseName = "pong-rl"

var (
	// ErrCorruptLifecycle is raised, as a panic, when a stored lifecycle tag
	// cannot be decoded. Continuing would risk two Current episodes.
	ErrCorruptLifecycle = errors.New("corrupt lifecycle tag")
	ErrClosed           = errors.New("store is closed")
)

// Lifecycle tracks an episode's training status.
type Lifecycle int

const (
	Current Lifecycle = iota
	Unprocessed
	Processed
)

func (l Lifecycle) String() string {
	switch l {
	case Current:
		return "Current"
	case Unprocessed:
		return "Unprocessed"
	case Processed:
		return "Processed"
	default:
		return fmt.Sprintf("Lifecycle(%d)", int(l))
	}
}

func ParseLifecycle(s string) (Lifecycle, error) {
	switch s {
	case "Current":
		return Current, nil
	case "Unprocessed":
		return Unprocessed, nil
	case "Processed":
		return Processed, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrCorruptLifecycle, s)
	}
}

func mustParseLifecycle(s string) Lifecycle {
	l, err := ParseLifecycle(s)
	if err != nil {
		panic(err)
	}
	return l
}

func (l Lifecycle) MarshalText() ([]byte, error) {
	if l < Current || l > Processed {
		return nil, fmt.Errorf("%w: %d", ErrCorruptLifecycle, int(l))
	}
	return []byte(l.String()), nil
}

func (l *Lifecycle) UnmarshalText(text []byte) error {
	parsed, err := ParseLifecycle(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Episode is one game. Frames are in the order they were observed.
type Episode struct {
	ID        int64          `json:"id"`
	Frames    []policy.Frame `json:"frames"`
	Outcome   *bool          `json:"outcome,omitempty"`
	Lifecycle Lifecycle      `json:"lifecycle"`
}

func newCurrent(id int64) Episode {
	return Episode{ID: id, Frames: []policy.Frame{}, Lifecycle: Current}
}

// Won reports the outcome; an episode without one counts as lost.
func (e Episode) Won() bool {
	return e.Outcome != nil && *e.Outcome
}

func (e Episode) clone() Episode {
	out := e
	out.Frames = append([]policy.Frame(nil), e.Frames...)
	if e.Outcome != nil {
		won := *e.Outcome
		out.Outcome = &won
	}
	return out
}

// Summary describes an episode without its frames.
type Summary struct {
	ID        int64     `json:"id"`
	Lifecycle Lifecycle `json:"lifecycle"`
	Outcome   *bool     `json:"outcome,omitempty"`
	Frames    int       `json:"frames"`
}

type Stats struct {
	CurrentID     int64 `json:"current_id"`
	Unprocessed   int   `json:"unprocessed"`
	Processed     int   `json:"processed"`
	CurrentFrames int   `json:"current_frames"`
}

// ModelFactory builds the model persisted when none is stored yet.
type ModelFactory func() *policy.Model

// Store holds the singleton model and the episode collection.
type Store interface {
	LoadModel(ctx context.Context) (*policy.Model, error)
	SaveModel(ctx context.Context, model *policy.Model) error

	// Current returns the in-progress episode, or a fresh empty one with id 0.
	Current(ctx context.Context) (Episode, error)
	AppendFrame(ctx context.Context, frame policy.Frame) error
	// EndEpisode closes the current episode as Unprocessed and opens the next one.
	EndEpisode(ctx context.Context, outcome bool) (Episode, error)
	Unprocessed(ctx context.Context) ([]Episode, error)
	MarkProcessed(ctx context.Context, ids ...int64) error

	Stats(ctx context.Context) (Stats, error)
	Summaries(ctx context.Context) ([]Summary, error)
	Close() error
}
