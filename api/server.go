// Package api exposes a thin gin HTTP surface over the segment store.
// It is a demonstration client of internal/gorilla, not part of the
// core codec.
package api

import (
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"tsseg/internal/arena"
	"tsseg/internal/collector"
	"tsseg/internal/gorilla"
)

// Response is the envelope every handler returns, mirroring the
// teacher's Code/Msg/Data shape.
type Response struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

const (
	codeOK         = 0
	codeBadRequest = 400
	codeNotFound   = 404
	codeInternal   = 500
)

// Server holds the open-encoder cache and the collaborators every
// handler needs. Encoders are cached by address between requests
// because a single HTTP request is too short-lived to hold a write
// session open otherwise.
type Server struct {
	arena   *arena.Arena
	factory *gorilla.Factory
	queue   *collector.Queue
	log     zerolog.Logger

	mu       sync.Mutex
	encoders map[uint64]*gorilla.Encoder
	lossy    map[uint64]bool
}

// NewServer wires a Server to an already-constructed arena/factory/queue
// triple.
func NewServer(a *arena.Arena, factory *gorilla.Factory, queue *collector.Queue, log zerolog.Logger) *Server {
	return &Server{
		arena:    a,
		factory:  factory,
		queue:    queue,
		log:      log,
		encoders: make(map[uint64]*gorilla.Encoder),
		lossy:    make(map[uint64]bool),
	}
}

// Router builds the gin engine with CORS enabled, matching the
// teacher's main.go CORS setup.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST"},
		AllowHeaders:    []string{"Origin", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	g := r.Group("/api")
	g.POST("/segments", s.createSegment)
	g.POST("/segments/:addr/points", s.addPoint)
	g.GET("/segments/:addr", s.readSegment)
	g.POST("/segments/:addr/flush", s.flushSegment)
	g.GET("/stats", s.stats)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
