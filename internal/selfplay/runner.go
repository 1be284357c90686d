package selfplay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/logrusorgru/aurora"

	"pong-rl/internal/episode"
	"pong-rl/internal/policy"
	"pong-rl/internal/pong"
	"pong-rl/internal/server"
	"pong-rl/internal/trainer"
)

// EpisodeResult is the outcome of one rally played against the agent.
type EpisodeResult struct {
	Episode int            `json:"episode"`
	Steps   int            `json:"steps"`
	Won     bool           `json:"won"`
	Trained trainer.Result `json:"trained"`
}

// Runner plays headless pong rallies, asking the agent for every move.
type Runner struct {
	WorkerID string
	AgentURL string
	Episodes int
	GridSize int
	MaxSteps int
	Seed     int64
	Backoff  time.Duration
	Persist  bool
	Client   *http.Client
	Out      io.Writer
}

func (r *Runner) Run(ctx context.Context) ([]EpisodeResult, error) {
	if r.Episodes <= 0 {
		return nil, errors.New("episodes must be > 0")
	}
	if r.GridSize <= 0 {
		return nil, errors.New("grid size must be > 0")
	}
	if r.Backoff <= 0 {
		r.Backoff = 500 * time.Millisecond
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	out := r.Out
	if out == nil {
		out = io.Discard
	}

	env := pong.NewEnv(rand.New(rand.NewSource(r.Seed)))
	if r.MaxSteps > 0 {
		env.MaxSteps = r.MaxSteps
	}
	results := make([]EpisodeResult, 0, r.Episodes)
	var wins int

	for i := 0; i < r.Episodes; i++ {
		env.Reset()
		var won bool
		for {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			default:
			}

			req := server.FrameRequest{Samples: env.Render(r.GridSize), Dimension: r.GridSize, Persist: r.Persist}
			var resp server.FrameResponse
			if err := r.postJSON(ctx, client, "/frame", req, &resp); err != nil {
				log.Printf("frame request failed: %v", err)
				time.Sleep(r.Backoff)
				continue
			}
			action := resp.Action
			if !action.Valid() {
				action = policy.Stay
			}
			var done bool
			if _, won, done = env.Step(action); done {
				break
			}
		}

		var trained trainer.Result
		for {
			err := r.postJSON(ctx, client, "/episode/end", server.EndRequest{Outcome: won}, &trained)
			if err == nil {
				break
			}
			log.Printf("episode end failed: %v", err)
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			time.Sleep(r.Backoff)
		}

		res := EpisodeResult{Episode: i + 1, Steps: env.Steps, Won: won, Trained: trained}
		results = append(results, res)
		if won {
			wins++
		}
		printResult(out, res, wins)
	}
	return results, nil
}

func printResult(w io.Writer, res EpisodeResult, wins int) {
	outcome := aurora.Red("lost")
	if res.Won {
		outcome = aurora.Green("won ")
	}
	rate := float64(wins) / float64(res.Episode)
	fmt.Fprintf(w, "episode %4d %s steps=%-5d trained=%d win rate=%s\n",
		res.Episode, outcome, res.Steps, res.Trained.Trained, aurora.Bold(fmt.Sprintf("%.2f", rate)))
}

// Summaries converts results into episode summaries for charting.
func Summaries(results []EpisodeResult) []episode.Summary {
	out := make([]episode.Summary, 0, len(results))
	for _, res := range results {
		won := res.Won
		out = append(out, episode.Summary{
			ID:        int64(res.Episode),
			Lifecycle: episode.Processed,
			Outcome:   &won,
			Frames:    res.Steps,
		})
	}
	return out
}

func (r *Runner) postJSON(ctx context.Context, client *http.Client, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.AgentURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.WorkerID != "" {
		req.Header.Set(server.WorkerIDHeader, r.WorkerID)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
