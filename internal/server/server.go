// Package server exposes the chat hub over HTTP: the WebSocket endpoint, a
// read-only history mirror, stats and a health check.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/christopherjohns/chatroom/internal/message"
	"github.com/christopherjohns/chatroom/internal/metrics"
	"github.com/christopherjohns/chatroom/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// Config holds the HTTP surface settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
	// TrustedProxies may set X-Forwarded-For, which becomes the client's
	// rate limiting key. Empty trusts nobody.
	TrustedProxies []string
	// APIRate limits each client on /api to this many requests per second
	// with bursts of APIBurst. 0 disables the limit.
	APIRate  float64
	APIBurst int
}

// Server is the main HTTP server for the chat room.
type Server struct {
	addr    string
	hub     *ws.Hub
	store   message.Store
	log     logrus.FieldLogger
	origins originPolicy
	limiter *apiLimiter
	router  *gin.Engine
}

// New creates a Server. The hub must be running before clients connect.
func New(cfg Config, hub *ws.Hub, store message.Store, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		addr:    cfg.Addr,
		hub:     hub,
		store:   store,
		log:     log,
		origins: newOriginPolicy(cfg.AllowedOrigins, log),
	}
	if cfg.APIRate > 0 {
		s.limiter = newAPILimiter(cfg.APIRate, cfg.APIBurst)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.GinMiddleware())
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.WithError(err).Warn("ignoring invalid trusted proxies")
		_ = router.SetTrustedProxies(nil)
	}
	s.router = router
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(s.origins.corsMiddleware())

	wsHandler := ws.NewHandler(s.hub, s.origins.acceptOptions(), s.log)
	s.router.GET("/ws", func(c *gin.Context) {
		wsHandler.Serve(c.Writer, c.Request, c.ClientIP())
	})

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	if s.limiter != nil {
		api.Use(s.limiter.middleware())
	}
	{
		api.GET("/messages", s.handleHistory)
		api.GET("/history", s.handleHistory)
		api.GET("/stats", s.handleStats)
	}
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// WebSocket and drains in-flight HTTP requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.limiter != nil {
		go s.limiter.run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down...")
	s.hub.ConnMgr().Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHistory(c *gin.Context) {
	page, err := queryInt(c, "page", 0)
	if err != nil || page < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be a non-negative integer"})
		return
	}
	limit, err := queryInt(c, "limit", ws.DefaultPageSize)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > ws.MaxPageSize {
		limit = ws.MaxPageSize
	}

	result, err := s.store.Page(c.Request.Context(), page, limit)
	if errors.Is(err, message.ErrInvalidPage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page out of range"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("history: failed to load page")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStats(c *gin.Context) {
	resp := gin.H{
		"hub":         s.hub.Stats(),
		"connections": s.hub.ConnMgr().Stats(),
		"clients":     s.hub.ConnMgr().Clients(),
	}
	if n, err := s.store.Count(c.Request.Context()); err == nil {
		resp["messages"] = n
	} else {
		s.log.WithError(err).Warn("stats: failed to count messages")
	}
	c.JSON(http.StatusOK, resp)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
