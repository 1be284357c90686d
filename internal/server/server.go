package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/net/websocket"

	"pong-rl/internal/episode"
	"pong-rl/internal/features"
	"pong-rl/internal/policy"
	"pong-rl/internal/report"
	"pong-rl/internal/trainer"
)

const (
	RequestIDHeader = "X-Request-ID"
	WorkerIDHeader  = "X-Worker-ID"
)

var errInvalidImage = errors.New("image values must be in 0..255")

type Server struct {
	trainer *trainer.Trainer
	store   episode.Store
}

func New(tr *trainer.Trainer, store episode.Store) *Server {
	return &Server{trainer: tr, store: store}
}

func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/config", s.handleConfig)
	r.GET("/stats", s.handleStats)
	r.GET("/report", s.handleReport)
	r.POST("/frame", s.handleFrame)
	r.POST("/episode/end", s.handleEnd)
	r.GET("/ws", gin.WrapH(websocket.Handler(s.serveWS)))
	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Set("request_id", id)
		c.Next()
	}
}

// play runs one frame through the trainer after checking its shape.
func (s *Server) play(ctx context.Context, req FrameRequest) (policy.Inference, error) {
	if len(req.Image) > 0 {
		if want := s.trainer.Config().Features(); len(req.Image) != want {
			return policy.Inference{}, fmt.Errorf("%w: image has %d cells, want %d", trainer.ErrInvalidFrame, len(req.Image), want)
		}
		img := make(features.Image, len(req.Image))
		for i, v := range req.Image {
			if v < 0 || v > 255 {
				return policy.Inference{}, errInvalidImage
			}
			img[i] = uint8(v)
		}
		return s.trainer.OnFrame(ctx, img, req.Persist), nil
	}
	if err := trainer.ValidateSamples(req.Samples, req.Dimension); err != nil {
		return policy.Inference{}, fmt.Errorf("%w: need %d×%d samples", err, req.Dimension, req.Dimension)
	}
	return s.trainer.OnSamples(ctx, req.Samples, req.Dimension, req.Persist), nil
}

func (s *Server) handleFrame(c *gin.Context) {
	var req FrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inf, err := s.play(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, FrameResponse{Action: inf.Choice, Distribution: inf.Distribution})
}

func (s *Server) handleEnd(c *gin.Context) {
	var req EndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.trainer.OnEpisodeEnd(c.Request.Context(), req.Outcome)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if worker := c.GetHeader(WorkerIDHeader); worker != "" {
		log.Printf("episode %d closed by %s", res.EpisodeID, worker)
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleConfig(c *gin.Context) {
	cfg := s.trainer.Config()
	c.JSON(http.StatusOK, ConfigResponse{
		GridSize:      cfg.GridSize,
		Resolution:    cfg.Resolution,
		Features:      cfg.Features(),
		Hidden:        cfg.Hidden,
		LearningRate:  cfg.LearningRate,
		ReplayHistory: cfg.ReplayHistory,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := StatsResponse{Episodes: stats}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			resp.RSSBytes = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReport(c *gin.Context) {
	summaries, err := s.store.Summaries(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := report.Render(c.Writer, "pong-rl", summaries); err != nil {
		log.Printf("render report: %v", err)
	}
}

// serveWS handles a long-lived channel from a UI worker: one reply per message.
func (s *Server) serveWS(ws *websocket.Conn) {
	defer ws.Close()
	ctx := ws.Request().Context()

	for {
		var msg Message
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("websocket receive: %v", err)
			}
			return
		}
		reply := s.handleMessage(ctx, msg)
		if err := websocket.JSON.Send(ws, reply); err != nil {
			log.Printf("websocket send: %v", err)
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, msg Message) Message {
	switch msg.Type {
	case "frame":
		inf, err := s.play(ctx, msg.FrameRequest)
		if err != nil {
			return Message{Type: "error", Error: err.Error()}
		}
		return Message{Type: "action", Action: &inf.Choice, Distribution: &inf.Distribution}
	case "end":
		res, err := s.trainer.OnEpisodeEnd(ctx, msg.Outcome)
		if err != nil {
			return Message{Type: "error", Error: err.Error()}
		}
		return Message{Type: "trained", Result: &res}
	default:
		return Message{Type: "error", Error: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
}
