// Package health serves liveness, readiness and conversation inspection
// endpoints for the running gateway.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dotsetgreg/fishagent/pkg/conversation"
	"github.com/dotsetgreg/fishagent/pkg/logger"
	"github.com/gin-gonic/gin"
)

type Server struct {
	server    *http.Server
	engine    *gin.Engine
	startedAt time.Time

	mu      sync.RWMutex
	ready   func() bool
	store   conversation.Store
	dropped func() map[string]uint64
}

func NewServer(host string, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{startedAt: time.Now()}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/conversations/:user/:item", s.handleConversation)

	s.engine = r
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetReadyCheck installs the readiness probe, typically "session active".
func (s *Server) SetReadyCheck(fn func() bool) {
	s.mu.Lock()
	s.ready = fn
	s.mu.Unlock()
}

func (s *Server) SetStore(store conversation.Store) {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
}

// SetDropCounters exposes event-feed drop counts on /health.
func (s *Server) SetDropCounters(fn func() map[string]uint64) {
	s.mu.Lock()
	s.dropped = fn
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Start() error {
	logger.InfoCF("health", "Status server listening", map[string]any{"addr": s.server.Addr})
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.RLock()
	dropped := s.dropped
	s.mu.RUnlock()

	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}
	if dropped != nil {
		body["dropped_events"] = dropped()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleReady(c *gin.Context) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()

	if ready == nil || !ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleConversation(c *gin.Context) {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "conversation store not attached"})
		return
	}

	key := conversation.Key{UserID: c.Param("user"), ListingID: c.Param("item")}
	ctx := c.Request.Context()
	turns, err := store.History(ctx, key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	count, err := store.BargainCount(ctx, key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":       key.UserID,
		"listing_id":    key.ListingID,
		"bargain_count": count,
		"turns":         turns,
	})
}
