package episode

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"pong-rl/internal/policy"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS model (
		model_key TEXT PRIMARY KEY,
		w1  BLOB NOT NULL,
		w2  BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS episodes (
		id        INTEGER PRIMARY KEY,
		lifecycle TEXT NOT NULL,
		outcome   INTEGER,
		frames    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_episodes_lifecycle ON episodes(lifecycle)`,
}

// SQLiteStore persists the model and episodes in one SQLite database.
// The pool is limited to one connection so transactions never contend.
type SQLiteStore struct {
	db       *sql.DB
	newModel ModelFactory

	schemaMu    sync.Mutex
	schemaReady bool
}

func OpenSQLite(path string, newModel ModelFactory) (*SQLiteStore, error) {
	if path == "" {
		path = DatabaseName + ".db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, newModel: newModel}, nil
}

// ensureSchema creates the tables on first use; later calls return immediately.
func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	if s.schemaReady {
		return nil
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	s.schemaReady = true
	return nil
}

func (s *SQLiteStore) LoadModel(ctx context.Context) (*policy.Model, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	var w1, w2 []byte
	err := s.db.QueryRowContext(ctx, `SELECT w1, w2 FROM model WHERE model_key = ?`, policy.ModelKey).Scan(&w1, &w2)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load model: %w", err)
	default:
		model, err := policy.UnmarshalModel(policy.ModelKey, w1, w2)
		if err == nil {
			return model, nil
		}
		log.Printf("stored model unreadable, replacing: %v", err)
	}

	model := s.newModel()
	if err := s.SaveModel(ctx, model); err != nil {
		return nil, err
	}
	return model, nil
}

func (s *SQLiteStore) SaveModel(ctx context.Context, model *policy.Model) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	w1, w2, err := model.MarshalWeights()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model (model_key, w1, w2) VALUES (?, ?, ?)
		 ON CONFLICT(model_key) DO UPDATE SET w1 = excluded.w1, w2 = excluded.w2`,
		policy.ModelKey, w1, w2)
	if err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const episodeColumns = `id, lifecycle, outcome, frames`

func scanEpisode(rows *sql.Rows) (Episode, error) {
	var (
		ep        Episode
		lifecycle string
		outcome   sql.NullBool
		frames    string
	)
	if err := rows.Scan(&ep.ID, &lifecycle, &outcome, &frames); err != nil {
		return Episode{}, err
	}
	ep.Lifecycle = mustParseLifecycle(lifecycle)
	if outcome.Valid {
		won := outcome.Bool
		ep.Outcome = &won
	}
	if err := json.Unmarshal([]byte(frames), &ep.Frames); err != nil {
		log.Printf("episode %d frames unreadable, using empty list: %v", ep.ID, err)
		ep.Frames = []policy.Frame{}
	}
	if ep.Frames == nil {
		ep.Frames = []policy.Frame{}
	}
	return ep, nil
}

func queryEpisodes(ctx context.Context, q queryer, where string, args ...any) ([]Episode, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+episodeColumns+` FROM episodes `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func currentEpisode(ctx context.Context, q queryer) (Episode, error) {
	eps, err := queryEpisodes(ctx, q, `WHERE lifecycle = ? ORDER BY id DESC LIMIT 1`, Current.String())
	if err != nil {
		return Episode{}, fmt.Errorf("read current episode: %w", err)
	}
	if len(eps) == 0 {
		return newCurrent(0), nil
	}
	return eps[0], nil
}

func putEpisode(ctx context.Context, tx *sql.Tx, ep Episode) error {
	frames, err := json.Marshal(ep.Frames)
	if err != nil {
		return fmt.Errorf("encode episode %d: %w", ep.ID, err)
	}
	var outcome sql.NullBool
	if ep.Outcome != nil {
		outcome = sql.NullBool{Bool: *ep.Outcome, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO episodes (id, lifecycle, outcome, frames) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET lifecycle = excluded.lifecycle, outcome = excluded.outcome, frames = excluded.frames`,
		ep.ID, ep.Lifecycle.String(), outcome, string(frames))
	if err != nil {
		return fmt.Errorf("write episode %d: %w", ep.ID, err)
	}
	return nil
}

// update runs fn inside one transaction so the read and the write of an
// episode cannot interleave with another caller.
func (s *SQLiteStore) update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Current(ctx context.Context) (Episode, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return Episode{}, err
	}
	return currentEpisode(ctx, s.db)
}

func (s *SQLiteStore) AppendFrame(ctx context.Context, frame policy.Frame) error {
	return s.update(ctx, func(tx *sql.Tx) error {
		ep, err := currentEpisode(ctx, tx)
		if err != nil {
			return err
		}
		ep.Frames = append(ep.Frames, frame)
		return putEpisode(ctx, tx, ep)
	})
}

func (s *SQLiteStore) EndEpisode(ctx context.Context, outcome bool) (Episode, error) {
	var closed Episode
	err := s.update(ctx, func(tx *sql.Tx) error {
		ep, err := currentEpisode(ctx, tx)
		if err != nil {
			return err
		}
		ep.Outcome = &outcome
		ep.Lifecycle = Unprocessed
		if err := putEpisode(ctx, tx, ep); err != nil {
			return err
		}
		closed = ep
		return putEpisode(ctx, tx, newCurrent(ep.ID+1))
	})
	if err != nil {
		return Episode{}, err
	}
	return closed, nil
}

func (s *SQLiteStore) Unprocessed(ctx context.Context) ([]Episode, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	eps, err := queryEpisodes(ctx, s.db, `WHERE lifecycle = ?`, Unprocessed.String())
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	return eps, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, Processed.String(), Unprocessed.String())
	for _, id := range ids {
		args = append(args, id)
	}
	return s.update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE episodes SET lifecycle = ? WHERE lifecycle = ? AND id IN (`+placeholders+`)`, args...)
		if err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	summaries, err := s.Summaries(ctx)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, sum := range summaries {
		switch sum.Lifecycle {
		case Current:
			stats.CurrentID = sum.ID
			stats.CurrentFrames = sum.Frames
		case Unprocessed:
			stats.Unprocessed++
		case Processed:
			stats.Processed++
		}
	}
	return stats, nil
}

func (s *SQLiteStore) Summaries(ctx context.Context) ([]Summary, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lifecycle, outcome,
		        CASE WHEN json_valid(frames) THEN json_array_length(frames) ELSE 0 END
		 FROM episodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum       Summary
			lifecycle string
			outcome   sql.NullBool
			frames    sql.NullInt64
		)
		if err := rows.Scan(&sum.ID, &lifecycle, &outcome, &frames); err != nil {
			return nil, err
		}
		sum.Lifecycle = mustParseLifecycle(lifecycle)
		if outcome.Valid {
			won := outcome.Bool
			sum.Outcome = &won
		}
		sum.Frames = int(frames.Int64)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
