package episode

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"

	"pong-rl/internal/features"
	"pong-rl/internal/policy"
)

func testModelFactory() ModelFactory {
	rng := rand.New(rand.NewSource(1))
	return func() *policy.Model {
		return policy.NewRandomModel(4, 3, rng)
	}
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"), testModelFactory())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore(testModelFactory()) },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
	}
}

func testFrame(marker uint8) policy.Frame {
	return policy.Frame{
		Image: features.Image{marker, 0, 1, 0},
		Inference: policy.Inference{
			Distribution: policy.Distribution{Up: 0.5, Down: 0.25, Stay: 0.25},
			Choice:       policy.Action(marker % 3),
			Hidden:       []float64{0.5, 0, float64(marker)},
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestCurrentOnEmptyStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ep, err := store.Current(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if ep.ID != 0 || ep.Lifecycle != Current || len(ep.Frames) != 0 || ep.Outcome != nil {
			t.Fatalf("unexpected fresh episode %+v", ep)
		}
		stats, err := store.Stats(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if stats != (Stats{}) {
			t.Fatalf("fresh episode must not be persisted, stats %+v", stats)
		}
	})
}

func TestAppendFrameKeepsOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		const k = 5
		for i := 0; i < k; i++ {
			if err := store.AppendFrame(ctx, testFrame(uint8(i))); err != nil {
				t.Fatal(err)
			}
		}
		ep, err := store.Current(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(ep.Frames) != k {
			t.Fatalf("expected %d frames, got %d", k, len(ep.Frames))
		}
		for i, frame := range ep.Frames {
			if frame.Image[0] != uint8(i) {
				t.Fatalf("frame %d out of order: %v", i, frame.Image)
			}
			if frame.Inference.Hidden[2] != float64(i) {
				t.Fatalf("frame %d hidden not preserved: %v", i, frame.Inference.Hidden)
			}
			if frame.Inference.Choice != policy.Action(i%3) {
				t.Fatalf("frame %d choice not preserved", i)
			}
		}
	})
}

func TestEndEpisode(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if err := store.AppendFrame(ctx, testFrame(uint8(i))); err != nil {
				t.Fatal(err)
			}
		}
		closed, err := store.EndEpisode(ctx, true)
		if err != nil {
			t.Fatal(err)
		}
		if closed.ID != 0 || closed.Lifecycle != Unprocessed || !closed.Won() || len(closed.Frames) != 3 {
			t.Fatalf("unexpected closed episode %+v", closed)
		}

		cur, err := store.Current(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if cur.ID != 1 || cur.Lifecycle != Current || len(cur.Frames) != 0 {
			t.Fatalf("unexpected new current episode %+v", cur)
		}

		pending, err := store.Unprocessed(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 1 || pending[0].ID != 0 || pending[0].Outcome == nil || !*pending[0].Outcome {
			t.Fatalf("unexpected unprocessed list %+v", pending)
		}
	})
}

func TestEndEpisodeSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		outcomes := []bool{false, true, false}
		for i, outcome := range outcomes {
			if err := store.AppendFrame(ctx, testFrame(uint8(i))); err != nil {
				t.Fatal(err)
			}
			if _, err := store.EndEpisode(ctx, outcome); err != nil {
				t.Fatal(err)
			}
		}

		pending, err := store.Unprocessed(ctx)
		if err != nil {
			t.Fatal(err)
		}
		sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
		if len(pending) != len(outcomes) {
			t.Fatalf("expected %d unprocessed, got %d", len(outcomes), len(pending))
		}
		for i, ep := range pending {
			if ep.ID != int64(i) || ep.Won() != outcomes[i] || len(ep.Frames) != 1 {
				t.Fatalf("episode %d: %+v", i, ep)
			}
		}

		if err := store.MarkProcessed(ctx, 0, 2); err != nil {
			t.Fatal(err)
		}
		pending, err = store.Unprocessed(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 1 || pending[0].ID != 1 {
			t.Fatalf("expected only episode 1 left, got %+v", pending)
		}

		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		want := Stats{CurrentID: 3, Unprocessed: 1, Processed: 2}
		if stats != want {
			t.Fatalf("stats = %+v, want %+v", stats, want)
		}

		summaries, err := store.Summaries(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(summaries) != 4 {
			t.Fatalf("expected 4 summaries, got %d", len(summaries))
		}
		for i, sum := range summaries {
			if sum.ID != int64(i) {
				t.Fatalf("summaries not ordered by id: %+v", summaries)
			}
		}
		if summaries[1].Lifecycle != Unprocessed || summaries[1].Frames != 1 || summaries[3].Lifecycle != Current {
			t.Fatalf("unexpected summaries %+v", summaries)
		}
	})
}

func TestMarkProcessedIgnoresCurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if err := store.AppendFrame(ctx, testFrame(1)); err != nil {
			t.Fatal(err)
		}
		if err := store.MarkProcessed(ctx, 0); err != nil {
			t.Fatal(err)
		}
		cur, err := store.Current(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if cur.ID != 0 || len(cur.Frames) != 1 {
			t.Fatalf("current episode was touched: %+v", cur)
		}
	})
}

func TestModelLoadCreatesAndSaveRoundTrips(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		first, err := store.LoadModel(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if f, h := first.Shape(); f != 4 || h != 3 {
			t.Fatalf("unexpected shape %dx%d", f, h)
		}
		again, err := store.LoadModel(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !mat.Equal(first.W1, again.W1) {
			t.Fatal("second load must return the persisted model")
		}

		saved := policy.NewRandomModel(4, 3, rand.New(rand.NewSource(42)))
		if err := store.SaveModel(ctx, saved); err != nil {
			t.Fatal(err)
		}
		loaded, err := store.LoadModel(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if loaded.Key != policy.ModelKey {
			t.Fatalf("unexpected key %q", loaded.Key)
		}
		if !mat.EqualApprox(saved.W1, loaded.W1, 1e-12) || !mat.EqualApprox(saved.W2, loaded.W2, 1e-12) {
			t.Fatal("loaded weights differ from saved weights")
		}
	})
}

func TestClosedStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		if err := store.Close(); err != nil {
			t.Fatal(err)
		}
		if err := store.AppendFrame(context.Background(), testFrame(1)); err == nil {
			t.Fatal("expected error from closed store")
		}
	})
}

func TestMemoryStoreClosedError(t *testing.T) {
	store := NewMemoryStore(testModelFactory())
	store.Close()
	if _, err := store.LoadModel(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSQLiteSchemaInitIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	first, err := OpenSQLite(path, testModelFactory())
	if err != nil {
		t.Fatal(err)
	}
	if err := first.AppendFrame(ctx, testFrame(7)); err != nil {
		t.Fatal(err)
	}
	if err := first.ensureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := OpenSQLite(path, testModelFactory())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	cur, err := second.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cur.Frames) != 1 || cur.Frames[0].Image[0] != 7 {
		t.Fatalf("data lost across reopen: %+v", cur)
	}
}

func TestSQLiteCorruptLifecyclePanics(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	if err := store.ensureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.db.ExecContext(ctx,
		`INSERT INTO episodes (id, lifecycle, outcome, frames) VALUES (5, 'Bogus', NULL, '[]')`); err != nil {
		t.Fatal(err)
	}

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrCorruptLifecycle) {
			t.Fatalf("expected ErrCorruptLifecycle panic, got %v", r)
		}
	}()
	store.Summaries(ctx)
}

func TestSQLiteCorruptFramesFallBackToEmpty(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	if err := store.ensureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.db.ExecContext(ctx,
		`INSERT INTO episodes (id, lifecycle, outcome, frames) VALUES (3, 'Current', NULL, 'not json')`); err != nil {
		t.Fatal(err)
	}
	cur, err := store.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cur.ID != 3 || len(cur.Frames) != 0 {
		t.Fatalf("unexpected episode %+v", cur)
	}
	if err := store.AppendFrame(ctx, testFrame(1)); err != nil {
		t.Fatal(err)
	}
	cur, err = store.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cur.Frames) != 1 {
		t.Fatalf("expected the rewritten episode to hold one frame, got %d", len(cur.Frames))
	}
}

func TestSQLiteCorruptModelIsReplaced(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	if err := store.ensureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.db.ExecContext(ctx,
		`INSERT INTO model (model_key, w1, w2) VALUES (?, x'00', x'00')`, policy.ModelKey); err != nil {
		t.Fatal(err)
	}
	model, err := store.LoadModel(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := model.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLifecycleText(t *testing.T) {
	for _, l := range []Lifecycle{Current, Unprocessed, Processed} {
		text, err := l.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var back Lifecycle
		if err := back.UnmarshalText(text); err != nil || back != l {
			t.Fatalf("%v did not survive text encoding", l)
		}
	}
	if _, err := ParseLifecycle("current"); !errors.Is(err, ErrCorruptLifecycle) {
		t.Fatalf("expected ErrCorruptLifecycle, got %v", err)
	}
}

func TestConcurrentWritesKeepEpisodesWhole(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		const (
			writers = 8
			frames  = 10
			ends    = 4
		)

		var wg sync.WaitGroup
		errs := make(chan error, writers*frames+ends)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < frames; i++ {
					errs <- store.AppendFrame(ctx, testFrame(uint8(w*frames+i)))
				}
			}(w)
		}
		for e := 0; e < ends; e++ {
			wg.Add(1)
			go func(e int) {
				defer wg.Done()
				_, err := store.EndEpisode(ctx, e%2 == 0)
				errs <- err
			}(e)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatal(err)
			}
		}

		summaries, err := store.Summaries(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var total, current int
		for i, sum := range summaries {
			if sum.ID != int64(i) {
				t.Fatalf("episode ids are not contiguous: %+v", summaries)
			}
			total += sum.Frames
			if sum.Lifecycle == Current {
				current++
				if sum.ID != ends {
					t.Fatalf("current episode has id %d, want %d", sum.ID, ends)
				}
			}
		}
		if current != 1 {
			t.Fatalf("expected exactly one current episode, got %d", current)
		}
		if total != writers*frames {
			t.Fatalf("expected %d frames across episodes, got %d", writers*frames, total)
		}

		seen := make(map[uint8]bool)
		pending, err := store.Unprocessed(ctx)
		if err != nil {
			t.Fatal(err)
		}
		cur, err := store.Current(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, ep := range append(pending, cur) {
			for _, frame := range ep.Frames {
				if seen[frame.Image[0]] {
					t.Fatalf("frame %d stored twice", frame.Image[0])
				}
				seen[frame.Image[0]] = true
			}
		}
		if len(seen) != writers*frames {
			t.Fatalf("expected %d distinct frames, got %d", writers*frames, len(seen))
		}
	})
}
