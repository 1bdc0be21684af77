package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	bgm "github.com/AnishMulay/sandmirror/internal/buddy_group_mapper"
	els "github.com/AnishMulay/sandmirror/internal/entry_lock_store"
	"github.com/AnishMulay/sandmirror/internal/log_service"
	ps "github.com/AnishMulay/sandmirror/internal/server"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPServer exposes health, metrics and read-only state of one node.
type HTTPServer struct {
	addr     string
	nodeID   string
	router   *gin.Engine
	mapper   *bgm.BuddyGroupMapper
	states   *tss.TargetStateStore
	locks    *els.EntryLockStore
	ls       log_service.LogService
	appeared time.Time
}

func NewHTTPServer(addr, nodeID string, mapper *bgm.BuddyGroupMapper, states *tss.TargetStateStore, locks *els.EntryLockStore, registry *prometheus.Registry, ls log_service.LogService) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)

	s := &HTTPServer{
		addr:     addr,
		nodeID:   nodeID,
		router:   gin.New(),
		mapper:   mapper,
		states:   states,
		locks:    locks,
		ls:       ls,
		appeared: time.Now(),
	}
	s.router.Use(gin.Recovery(), requestLogger(ls))
	s.registerRoutes(registry)
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) registerRoutes(registry *prometheus.Registry) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"node":        s.nodeID,
			"uptime":      time.Since(s.appeared).String(),
			"initialized": s.mapper.Initialized(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/v1")
	v1.GET("/targets", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"targets": ps.StateEntries(s.states.Snapshot())})
	})
	v1.GET("/groups", func(c *gin.Context) {
		if !s.mapper.Initialized() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": bgm.ErrNotInitialized.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"groups": ps.GroupEntries(s.mapper.Groups())})
	})
	v1.GET("/locks", func(c *gin.Context) {
		st := s.locks.Stats()
		c.JSON(http.StatusOK, gin.H{"held": st.HeldKeys, "waiters": st.Waiters})
	})
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		s.ls.Info(log_service.LogEvent{Message: "HTTP server listening", Metadata: map[string]any{"address": s.addr}})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%w: %v", ps.ErrHTTPServerFailed, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%w: %v", ps.ErrHTTPServerFailed, err)
	}
	return nil
}

func requestLogger(ls log_service.LogService) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		event := log_service.LogEvent{
			Message: "http_request",
			Metadata: map[string]any{
				"method":   c.Request.Method,
				"path":     path,
				"status":   c.Writer.Status(),
				"duration": time.Since(start).String(),
			},
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			ls.Error(event)
		case status >= 400:
			ls.Warn(event)
		default:
			ls.Debug(event)
		}
	}
}

var _ ps.HTTPServer = (*HTTPServer)(nil)
