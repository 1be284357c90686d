package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/google/uuid"

	"pong-rl/internal/report"
	"pong-rl/internal/selfplay"
)

const (
	defaultAgentURL   = "http://localhost:9010"
	defaultReportPath = "selfplay.html"
)

func main() {
	runner := &selfplay.Runner{
		WorkerID: getenv("WORKER_ID", "selfplay-"+uuid.NewString()),
		AgentURL: getenv("AGENT_URL", defaultAgentURL),
		Episodes: getenvInt("EPISODES", 50),
		GridSize: getenvInt("GRID_SIZE", 112),
		MaxSteps: getenvInt("MAX_STEPS", 2000),
		Seed:     getenvInt64("SEED", time.Now().UnixNano()),
		Backoff:  time.Duration(getenvInt("BACKOFF_MS", 500)) * time.Millisecond,
		Persist:  getenvBool("PERSIST", true),
		Out:      os.Stdout,
	}
	reportPath := getenv("REPORT_PATH", defaultReportPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	results, err := runner.Run(ctx)
	if err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
	if len(results) == 0 {
		return
	}

	f, err := os.Create(reportPath)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := report.Render(f, runner.WorkerID, selfplay.Summaries(results)); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %s (%d episodes)", reportPath, len(results))
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
