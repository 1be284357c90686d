package server

import (
	"pong-rl/internal/episode"
	"pong-rl/internal/policy"
	"pong-rl/internal/trainer"
)

// FrameRequest carries either a raw pixel grid (Samples + Dimension) or a
// pre-encoded Image.
type FrameRequest struct {
	Samples   []float64 `json:"samples,omitempty"`
	Dimension int       `json:"dimension,omitempty"`
	Image     []int     `json:"image,omitempty"`
	Persist   bool      `json:"persist"`
}

type FrameResponse struct {
	Action       policy.Action       `json:"action"`
	Distribution policy.Distribution `json:"distribution"`
}

type EndRequest struct {
	Outcome bool `json:"outcome"`
}

type StatsResponse struct {
	Episodes   episode.Stats `json:"episodes"`
	RSSBytes   uint64        `json:"rss_bytes,omitempty"`
	CPUPercent float64       `json:"cpu_percent,omitempty"`
}

type ConfigResponse struct {
	GridSize      int     `json:"grid_size"`
	Resolution    int     `json:"resolution"`
	Features      int     `json:"features"`
	Hidden        int     `json:"hidden"`
	LearningRate  float64 `json:"learning_rate"`
	ReplayHistory bool    `json:"replay_history"`
}

// Message is the websocket envelope. Requests use Type "frame" or "end";
// replies use "action", "trained" or "error".
type Message struct {
	Type string `json:"type"`

	FrameRequest
	Outcome bool `json:"outcome,omitempty"`

	Action       *policy.Action       `json:"action,omitempty"`
	Distribution *policy.Distribution `json:"distribution,omitempty"`
	Result       *trainer.Result      `json:"result,omitempty"`
	Error        string               `json:"error,omitempty"`
}
