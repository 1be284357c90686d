package trainer

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"

	"pong-rl/internal/episode"
	"pong-rl/internal/features"
	"pong-rl/internal/policy"
)

var ErrInvalidFrame = errors.New("invalid frame")

type Config struct {
	GridSize      int
	Resolution    int
	Hidden        int
	LearningRate  float64
	ReplayHistory bool
	Seed          int64
}

func DefaultConfig() Config {
	return Config{
		GridSize:     112,
		Resolution:   4,
		Hidden:       100,
		LearningRate: policy.DefaultLearningRate,
	}
}

func (c Config) Encoder() features.Encoder {
	return features.NewEncoder(c.Resolution)
}

func (c Config) Features() int {
	return c.Encoder().Features(c.GridSize)
}

// ModelFactory returns a factory for randomly initialized models of the
// configured shape. The factory is safe for concurrent use.
func (c Config) ModelFactory() episode.ModelFactory {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(c.Seed))
	return func() *policy.Model {
		mu.Lock()
		defer mu.Unlock()
		return policy.NewRandomModel(c.Features(), c.Hidden, rng)
	}
}

// Result summarizes one training pass.
type Result struct {
	EpisodeID int64 `json:"episode_id"`
	Frames    int   `json:"frames"`
	Trained   int   `json:"trained"`
	Failed    int   `json:"failed"`
	Skipped   bool  `json:"skipped,omitempty"`
}

// Trainer plays frames through the policy network and trains it from
// stored episodes. All calls are serialized, so it is the store's only writer.
type Trainer struct {
	store    episode.Store
	cfg      Config
	encoder  features.Encoder
	newModel episode.ModelFactory
	rng      *rand.Rand

	mu  sync.Mutex
	net *policy.Network
}

func New(store episode.Store, cfg Config, newModel episode.ModelFactory) *Trainer {
	if newModel == nil {
		newModel = cfg.ModelFactory()
	}
	return &Trainer{
		store:    store,
		cfg:      cfg,
		encoder:  cfg.Encoder(),
		newModel: newModel,
		rng:      rand.New(rand.NewSource(cfg.Seed + 1)),
	}
}

func (t *Trainer) Config() Config {
	return t.cfg
}

// storedNetwork builds a network from the stored model. A model of the
// wrong shape is replaced by an untrained one; a failed read is returned.
func (t *Trainer) storedNetwork(ctx context.Context) (*policy.Network, error) {
	model, err := t.store.LoadModel(ctx)
	if err != nil {
		return nil, err
	}
	if f, h := model.Shape(); f != t.cfg.Features() || h != t.cfg.Hidden {
		log.Printf("stored model is %dx%d, want %dx%d; using untrained model", f, h, t.cfg.Features(), t.cfg.Hidden)
		model = t.newModel()
	}
	net, err := policy.NewNetwork(model, t.cfg.LearningRate, t.rng)
	if err != nil {
		log.Printf("invalid model, using untrained model: %v", err)
		return policy.NewNetwork(t.newModel(), t.cfg.LearningRate, t.rng)
	}
	return net, nil
}

// loadNetwork is storedNetwork with an untrained, unpersisted fallback for play.
func (t *Trainer) loadNetwork(ctx context.Context) *policy.Network {
	net, err := t.storedNetwork(ctx)
	if err != nil {
		log.Printf("load model failed, using untrained model: %v", err)
		net, _ = policy.NewNetwork(t.newModel(), t.cfg.LearningRate, t.rng)
	}
	return net
}

func (t *Trainer) network(ctx context.Context) *policy.Network {
	if t.net == nil {
		t.net = t.loadNetwork(ctx)
	}
	return t.net
}

// OnSamples encodes a raw dimension×dimension pixel grid and plays it.
func (t *Trainer) OnSamples(ctx context.Context, samples []float64, dimension int, persist bool) policy.Inference {
	return t.OnFrame(ctx, t.encoder.Encode(samples, dimension), persist)
}

// OnFrame infers an action for img and, if persist is set, appends the
// frame to the current episode. Storage failures are logged, never returned.
func (t *Trainer) OnFrame(ctx context.Context, img features.Image, persist bool) policy.Inference {
	t.mu.Lock()
	defer t.mu.Unlock()

	inf := t.network(ctx).Infer(img)
	if persist {
		frame := policy.Frame{Image: img, Inference: inf}
		if err := t.store.AppendFrame(ctx, frame); err != nil {
			log.Printf("append frame failed: %v", err)
		}
	}
	return inf
}

// OnEpisodeEnd closes the current episode, trains on every unprocessed
// episode and persists the updated model.
func (t *Trainer) OnEpisodeEnd(ctx context.Context, outcome bool) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	closed, err := t.store.EndEpisode(ctx, outcome)
	if err != nil {
		log.Printf("end episode failed: %v", err)
		return Result{}, err
	}
	res := Result{EpisodeID: closed.ID, Frames: len(closed.Frames)}

	// Without the stored weights there is nothing safe to train or save;
	// pending episodes stay Unprocessed for the next pass.
	net, err := t.storedNetwork(ctx)
	if err != nil {
		log.Printf("load model failed, skipping training: %v", err)
		res.Skipped = true
		return res, nil
	}
	pending, err := t.store.Unprocessed(ctx)
	if err != nil {
		log.Printf("list unprocessed failed: %v", err)
		pending = nil
	}

	ids := make([]int64, 0, len(pending))
	for _, ep := range pending {
		ids = append(ids, ep.ID)
		if err := net.Train(ep.Frames, ep.Won()); err != nil {
			log.Printf("train episode %d failed: %v", ep.ID, err)
			res.Failed++
			continue
		}
		res.Trained++
	}

	if err := t.store.SaveModel(ctx, net.Model()); err != nil {
		log.Printf("save model failed: %v", err)
		t.net = net
		return res, err
	}
	t.net = net

	if !t.cfg.ReplayHistory && len(ids) > 0 {
		if err := t.store.MarkProcessed(ctx, ids...); err != nil {
			log.Printf("mark processed failed: %v", err)
		}
	}
	log.Printf("episode %d ended (won=%v frames=%d): trained=%d failed=%d",
		res.EpisodeID, outcome, res.Frames, res.Trained, res.Failed)
	return res, nil
}

// ValidateSamples checks that samples hold a full dimension×dimension grid.
func ValidateSamples(samples []float64, dimension int) error {
	if dimension <= 0 || dimension > len(samples) || len(samples) < dimension*dimension {
		return ErrInvalidFrame
	}
	return nil
}
