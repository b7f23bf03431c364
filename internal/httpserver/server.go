// Package httpserver exposes a read-only status API over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/mcwatch/internal/model"
	"github.com/tinytelemetry/mcwatch/internal/monitor"
	"github.com/tinytelemetry/mcwatch/internal/notify"
)

// DefaultAddr is used when NewServer is given an empty address.
const DefaultAddr = "127.0.0.1:7480"

// StatusSource is the monitor-side contract required by the API.
type StatusSource interface {
	Status() monitor.Status
	Notifications() []model.Notification
}

// DeliveryStats reports dispatcher counters.
type DeliveryStats interface {
	Stats() notify.Stats
}

// Server provides the HTTP status API.
type Server struct {
	addr      string
	status    StatusSource
	delivery  DeliveryStats
	records   model.RecordReader // nil when history is disabled
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. records may be nil.
func NewServer(addr string, status StatusSource, delivery DeliveryStats, records model.RecordReader) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		status:    status,
		delivery:  delivery,
		records:   records,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (s *Server) handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/subscribers", s.handleSubscribers)
	r.GET("/api/records", s.handleRecords)
	r.GET("/api/stats", s.handleStats)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()
	s.startTime = time.Now()

	go func() { _ = s.server.Serve(listener) }()
	return nil
}

// Addr returns the listen address, resolved once Start has bound it.
func (s *Server) Addr() string {
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.status.Status()
	stats := s.delivery.Stats()

	var lastTick any
	if !st.LastTick.IsZero() {
		lastTick = st.LastTick.UTC().Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"uptime":        time.Since(s.startTime).Round(time.Second).String(),
		"state":         st.State.String(),
		"ticks":         st.Ticks,
		"last_tick":     lastTick,
		"log_path":      st.LogPath,
		"offset":        st.Offset,
		"records":       st.Records,
		"forwarded":     st.Forwarded,
		"poll_failures": st.PollFails,
		"delivered":     stats.Delivered,
		"failed":        stats.Failed,
	})
}

type subscriberView struct {
	Name         string   `json:"name"`
	IncludeLevel []string `json:"include_level"`
	IncludeClass []string `json:"include_class"`
}

func (s *Server) handleSubscribers(c *gin.Context) {
	subs := s.status.Notifications()
	out := make([]subscriberView, 0, len(subs))
	for _, n := range subs {
		v := subscriberView{
			Name:         n.Name,
			IncludeLevel: []string{},
			IncludeClass: []string{},
		}
		for _, l := range n.IncludeLevel.Sorted() {
			v.IncludeLevel = append(v.IncludeLevel, l.String())
		}
		for _, cl := range n.IncludeClass.Sorted() {
			v.IncludeClass = append(v.IncludeClass, cl.String())
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"subscribers": out})
}

func (s *Server) handleRecords(c *gin.Context) {
	if s.records == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is disabled"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	var filter model.RecordFilter
	if raw := c.Query("level"); raw != "" {
		l, err := model.ParseLogLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Level = &l
	}
	if raw := c.Query("class"); raw != "" {
		cl, err := model.ParseLogClass(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Class = &cl
	}

	records, err := s.records.RecentRecords(limit, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read records"})
		return
	}
	if records == nil {
		records = []model.StoredRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.records == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is disabled"})
		return
	}

	total, err := s.records.TotalRecordCount()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count records"})
		return
	}
	byClass, err := s.records.CountsByClass()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read class counts"})
		return
	}
	byLevel, err := s.records.CountsByLevel()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read level counts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":    total,
		"by_class": byClass,
		"by_level": byLevel,
	})
}
