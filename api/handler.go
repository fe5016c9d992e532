package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tsseg/internal/gorilla"
)

// CreateSegmentRequest is the body of POST /api/segments.
type CreateSegmentRequest struct {
	SegmentTime int32 `json:"segmentTime" binding:"required"`
	Lossy       bool  `json:"lossy"`
}

// CreateSegmentResult is returned on success.
type CreateSegmentResult struct {
	Addr uint64 `json:"addr"`
}

// AddPointRequest is the body of POST /api/segments/:addr/points.
type AddPointRequest struct {
	Timestamp int32   `json:"timestamp" binding:"required"`
	Value     float64 `json:"value"`
}

// Point is one decoded (timestamp, value) pair.
type Point struct {
	Timestamp int32   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// SegmentResult is returned by GET /api/segments/:addr.
type SegmentResult struct {
	Points     []Point `json:"points"`
	Dirty      bool    `json:"dirty"`
	OutOfOrder bool    `json:"outOfOrder"`
	NumPoints  int     `json:"numPoints"`
}

// StatsResult is returned by GET /api/stats.
type StatsResult struct {
	BlocksInUse    int `json:"blocksInUse"`
	CollectorDepth int `json:"collectorDepth"`
	OpenEncoders   int `json:"openEncoders"`
}

func parseAddr(c *gin.Context) (uint64, bool) {
	addr, err := strconv.ParseUint(c.Param("addr"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: codeBadRequest, Msg: "invalid segment address"})
		return 0, false
	}
	return addr, true
}

func (s *Server) createSegment(c *gin.Context) {
	var req CreateSegmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: codeBadRequest, Msg: err.Error()})
		return
	}

	enc, err := s.factory.New(req.SegmentTime, req.Lossy)
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{Code: codeInternal, Msg: err.Error()})
		return
	}

	addr := enc.Segment().Addr()
	s.mu.Lock()
	s.encoders[addr] = enc
	s.lossy[addr] = req.Lossy
	s.mu.Unlock()

	c.JSON(http.StatusOK, Response{Code: codeOK, Msg: "created", Data: CreateSegmentResult{Addr: addr}})
}

func (s *Server) encoderFor(addr uint64) *gorilla.Encoder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enc, ok := s.encoders[addr]; ok {
		return enc
	}
	lossy := s.lossy[addr]
	enc := s.factory.Open(addr, lossy)
	s.encoders[addr] = enc
	return enc
}

func (s *Server) addPoint(c *gin.Context) {
	addr, ok := parseAddr(c)
	if !ok {
		return
	}

	var req AddPointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: codeBadRequest, Msg: err.Error()})
		return
	}

	enc := s.encoderFor(addr)
	if err := enc.AddDataPoint(req.Timestamp, req.Value); err != nil {
		s.log.Error().Err(err).Uint64("addr", addr).Msg("add data point failed")
		c.JSON(http.StatusInternalServerError, Response{Code: codeInternal, Msg: err.Error()})
		return
	}
	enc.Segment().UpdateHeader()
	s.factory.RecordPointWritten()

	c.JSON(http.StatusOK, Response{Code: codeOK, Msg: "ok"})
}

func (s *Server) readSegment(c *gin.Context) {
	addr, ok := parseAddr(c)
	if !ok {
		return
	}

	s.mu.Lock()
	lossy := s.lossy[addr]
	s.mu.Unlock()

	reader := s.factory.Open(addr, lossy)
	var points []Point
	if err := reader.Read(func(ts int32, v float64) {
		points = append(points, Point{Timestamp: ts, Value: v})
	}); err != nil {
		c.JSON(http.StatusNotFound, Response{Code: codeNotFound, Msg: err.Error()})
		return
	}

	seg := reader.Segment()
	c.JSON(http.StatusOK, Response{Code: codeOK, Msg: "ok", Data: SegmentResult{
		Points:     points,
		Dirty:      seg.IsDirty(),
		OutOfOrder: seg.HasDupesOrOutOfOrderData(),
		NumPoints:  int(seg.NumDataPoints()),
	}})
}

func (s *Server) flushSegment(c *gin.Context) {
	addr, ok := parseAddr(c)
	if !ok {
		return
	}

	enc := s.encoderFor(addr)
	enc.Segment().MarkFlushed()
	enc.Segment().UpdateHeader()

	s.queue.Enqueue(addr, time.Now())

	s.mu.Lock()
	delete(s.encoders, addr)
	s.mu.Unlock()

	c.JSON(http.StatusOK, Response{Code: codeOK, Msg: "flushed and queued for collection"})
}

func (s *Server) stats(c *gin.Context) {
	s.mu.Lock()
	open := len(s.encoders)
	s.mu.Unlock()

	c.JSON(http.StatusOK, Response{Code: codeOK, Msg: "ok", Data: StatsResult{
		BlocksInUse:    s.arena.InUse(),
		CollectorDepth: s.queue.Depth(),
		OpenEncoders:   open,
	}})
}
