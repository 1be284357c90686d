package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"pong-rl/internal/episode"
	"pong-rl/internal/server"
	"pong-rl/internal/trainer"
)

const (
	defaultPort   = "9010"
	defaultDBPath = episode.DatabaseName + ".db"
)

func main() {
	flag.Parse()
	gin.SetMode(gin.ReleaseMode)

	defaults := trainer.DefaultConfig()
	cfg := trainer.Config{
		GridSize:      getenvInt("GRID_SIZE", defaults.GridSize),
		Resolution:    getenvInt("RESOLUTION", defaults.Resolution),
		Hidden:        getenvInt("HIDDEN", defaults.Hidden),
		LearningRate:  getenvFloat("LEARNING_RATE", defaults.LearningRate),
		ReplayHistory: getenvBool("REPLAY_HISTORY", false),
		Seed:          getenvInt64("SEED", time.Now().UnixNano()),
	}
	port := getenv("PORT", defaultPort)
	dbPath := getenv("DB_PATH", defaultDBPath)

	newModel := cfg.ModelFactory()
	var store episode.Store
	if dbPath == ":memory:" {
		store = episode.NewMemoryStore(newModel)
	} else {
		sqlite, err := episode.OpenSQLite(dbPath, newModel)
		if err != nil {
			log.Fatal(err)
		}
		store = sqlite
	}
	defer store.Close()

	tr := trainer.New(store, cfg, newModel)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           server.New(tr, store).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("pong agent listening on :%s (db=%s features=%d hidden=%d replay=%v)",
		port, dbPath, cfg.Features(), cfg.Hidden, cfg.ReplayHistory)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
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

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
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
