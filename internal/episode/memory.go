package episode

import (
	"context"
	"sort"
	"sync"

	"pong-rl/internal/policy"
)

// MemoryStore keeps everything in process memory. Each call holds the
// lock for its whole read-modify-write.
type MemoryStore struct {
	mu       sync.Mutex
	newModel ModelFactory
	model    *policy.Model
	episodes map[int64]Episode
	closed   bool
}

func NewMemoryStore(newModel ModelFactory) *MemoryStore {
	return &MemoryStore{
		newModel: newModel,
		episodes: make(map[int64]Episode),
	}
}

func (m *MemoryStore) LoadModel(ctx context.Context) (*policy.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.model == nil {
		m.model = m.newModel()
	}
	return m.model.Clone(), nil
}

func (m *MemoryStore) SaveModel(ctx context.Context, model *policy.Model) error {
	if err := model.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.model = model.Clone()
	m.model.Key = policy.ModelKey
	return nil
}

func (m *MemoryStore) Current(ctx context.Context) (Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Episode{}, ErrClosed
	}
	return m.current().clone(), nil
}

func (m *MemoryStore) current() Episode {
	found := false
	var ep Episode
	for _, candidate := range m.episodes {
		if candidate.Lifecycle == Current && (!found || candidate.ID > ep.ID) {
			ep, found = candidate, true
		}
	}
	if !found {
		return newCurrent(0)
	}
	return ep
}

func (m *MemoryStore) AppendFrame(ctx context.Context, frame policy.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	ep := m.current().clone()
	ep.Frames = append(ep.Frames, frame)
	m.episodes[ep.ID] = ep
	return nil
}

func (m *MemoryStore) EndEpisode(ctx context.Context, outcome bool) (Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Episode{}, ErrClosed
	}
	ep := m.current().clone()
	ep.Outcome = &outcome
	ep.Lifecycle = Unprocessed
	m.episodes[ep.ID] = ep
	m.episodes[ep.ID+1] = newCurrent(ep.ID + 1)
	return ep.clone(), nil
}

func (m *MemoryStore) Unprocessed(ctx context.Context) ([]Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	var out []Episode
	for _, ep := range m.episodes {
		if ep.Lifecycle == Unprocessed {
			out = append(out, ep.clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, ids ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for _, id := range ids {
		ep, ok := m.episodes[id]
		if !ok || ep.Lifecycle != Unprocessed {
			continue
		}
		ep.Lifecycle = Processed
		m.episodes[id] = ep
	}
	return nil
}

func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Stats{}, ErrClosed
	}
	cur := m.current()
	stats := Stats{CurrentID: cur.ID, CurrentFrames: len(cur.Frames)}
	for _, ep := range m.episodes {
		switch ep.Lifecycle {
		case Unprocessed:
			stats.Unprocessed++
		case Processed:
			stats.Processed++
		}
	}
	return stats, nil
}

func (m *MemoryStore) Summaries(ctx context.Context) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Summary, 0, len(m.episodes))
	for _, ep := range m.episodes {
		c := ep.clone()
		out = append(out, Summary{ID: c.ID, Lifecycle: c.Lifecycle, Outcome: c.Outcome, Frames: len(c.Frames)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
