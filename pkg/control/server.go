// Package control implements the HTTP Control Plane (spec §4.9):
// POST /new-configuration, POST /rollback-configuration, and GET /summary
// on the configured listen port, using github.com/gin-gonic/gin for
// routing, JSON binding, and body-size capping.
package control

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fly-io/nixless-agent/pkg/coordinator"
	"github.com/fly-io/nixless-agent/pkg/directive"
	"github.com/fly-io/nixless-agent/pkg/errors"
	"github.com/fly-io/nixless-agent/pkg/generations"
	"github.com/fly-io/nixless-agent/pkg/metrics"
)

// DefaultMaxBodyBytes is spec §4.9's default request body cap.
const DefaultMaxBodyBytes = 1 << 20

// Server is the request-endpoint listener: /new-configuration,
// /rollback-configuration, /summary.
type Server struct {
	coord        *coordinator.Coordinator
	registry     *generations.Registry
	verifier     *directive.Verifier
	maxBodyBytes int64
	engine       *gin.Engine
}

// New builds a Server. maxBodyBytes <= 0 uses DefaultMaxBodyBytes.
func New(coord *coordinator.Coordinator, registry *generations.Registry, verifier *directive.Verifier, maxBodyBytes int64) *Server {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		coord:        coord,
		registry:     registry,
		verifier:     verifier,
		maxBodyBytes: maxBodyBytes,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), slogMiddleware())
	engine.POST("/new-configuration", s.handleNewConfiguration)
	engine.POST("/rollback-configuration", s.handleRollback)
	engine.GET("/summary", s.handleSummary)
	s.engine = engine

	return s
}

// ListenAndServe blocks serving the control plane on addr.
func (s *Server) ListenAndServe(addr string) error {
	slog.Info("control_listen_start", "addr", addr)
	return (&http.Server{Addr: addr, Handler: s.engine}).ListenAndServe()
}

func slogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		slog.Info("control_request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		metrics.RequestsSummary.WithLabelValues(c.Request.URL.Path, strconv.Itoa(status)).Inc()
	}
}

func (s *Server) handleNewConfiguration(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes)

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		metrics.NewConfigurationTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "body too large or unreadable"})
		return
	}

	d, err := s.verifier.Verify(raw)
	if err != nil {
		s.respondDirectiveError(c, err, metrics.NewConfigurationTotal)
		return
	}

	if err := s.coord.TryAcquire(); err != nil {
		metrics.NewConfigurationTotal.WithLabelValues("busy").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": "update already in flight"})
		return
	}

	metrics.NewConfigurationTotal.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusAccepted, gin.H{"top_level_id": d.TopLevelID})

	go func() {
		defer s.coord.Release()
		ctx := context.Background()
		if _, err := s.coord.StartUpdate(ctx, d.TopLevelID, d.Closure); err != nil {
			slog.Error("control_update_failed", "top_level_id", d.TopLevelID, "error", err)
		}
	}()
}

func (s *Server) handleRollback(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes)

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		metrics.RollbackTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "body too large or unreadable"})
		return
	}

	if err := s.verifier.VerifyRollback(string(raw)); err != nil {
		s.respondDirectiveError(c, err, metrics.RollbackTotal)
		return
	}

	if err := s.coord.TryAcquire(); err != nil {
		metrics.RollbackTotal.WithLabelValues("busy").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": "update already in flight"})
		return
	}

	metrics.RollbackTotal.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusAccepted, gin.H{})

	go func() {
		defer s.coord.Release()
		ctx := context.Background()
		if _, err := s.coord.StartRollback(ctx); err != nil {
			slog.Error("control_rollback_failed", "error", err)
		}
	}()
}

func (s *Server) respondDirectiveError(c *gin.Context, err error, counter *prometheus.CounterVec) {
	switch errors.KindOf(err) {
	case errors.KindUnauthorized:
		counter.WithLabelValues("unauthorized").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
	case errors.KindMalformed:
		counter.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		counter.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handleSummary(c *gin.Context) {
	summary := s.coord.Summary()
	resp := gin.H{"status": summary.Status}

	if current, ok := s.registry.Current(); ok {
		resp["current_config"] = gin.H{
			"version":           current.Version,
			"system_package_id": current.SystemID,
		}
	}

	if summary.Pending != nil {
		pending := gin.H{
			"version":           summary.Pending.Version,
			"system_package_id": summary.Pending.SystemID,
		}
		if summary.Pending.ErrorKind != "" {
			pending["error_kind"] = summary.Pending.ErrorKind
			pending["error_detail"] = summary.Pending.ErrorDetail
		}
		resp["pending_config"] = pending
	}

	c.JSON(http.StatusOK, resp)
}
