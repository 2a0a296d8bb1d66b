package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/dgram/internal/auth"
	"github.com/danmuck/dgram/internal/observability"
	"github.com/danmuck/dgram/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Node is the session owner the admin surface inspects.
type Node interface {
	Name() string
	LocalAddr() net.Addr
	Sessions() []*session.Session
	RemoveSlot(slot int) (*session.Session, bool)
}

// Config configures the admin surface.
type Config struct {
	CorsOrigins []string
	// Token guards mutating routes. Nil leaves them open.
	Token auth.Validator
}

// Server is the HTTP admin surface of one node.
type Server struct {
	node     Node
	cfg      Config
	router   *gin.Engine
	appeared time.Time
}

func New(node Node, cfg Config) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(node.Name()))
	r.Use(observability.RequestMetrics(node.Name()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{node: node, cfg: cfg, router: r, appeared: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"node":    s.node.Name(),
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		addr := s.node.LocalAddr()
		if addr == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "node": s.node.Name()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"node":   s.node.Name(),
			"listen": addr.String(),
			"uptime": time.Since(s.appeared).String(),
		})
	})

	s.router.GET("/sessions", func(c *gin.Context) {
		list := s.node.Sessions()
		infos := make([]session.Info, 0, len(list))
		for _, sess := range list {
			infos = append(infos, sess.Info())
		}
		c.JSON(http.StatusOK, gin.H{"sessions": infos})
	})

	guarded := s.router.Group("/")
	if s.cfg.Token != nil {
		guarded.Use(auth.RequireBearer(s.cfg.Token))
	}
	guarded.DELETE("/sessions/:slot", func(c *gin.Context) {
		slot, err := strconv.Atoi(c.Param("slot"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slot"})
			return
		}
		removed, ok := s.node.RemoveSlot(slot)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		log.Info().
			Str("node", s.node.Name()).
			Str("peer", removed.String()).
			Int("slot", slot).
			Msg("session removed by admin")
		c.Status(http.StatusNoContent)
	})
}

// Serve runs the admin surface on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin serving")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
