// Package server exposes the image service over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Skryldev/imaged"
	"github.com/Skryldev/imaged/config"
)

// Response headers.
const (
	HeaderRequestID = "X-Request-Id"
	HeaderWarnings  = "X-Imaged-Warnings"
	HeaderTiming    = "Server-Timing"
	HeaderDebug     = "X-Image-Debug"
	HeaderCache     = "X-Cache"
	HeaderWidth     = "X-Image-Width"
	HeaderHeight    = "X-Image-Height"
)

const requestIDKey = "request_id"

// Options configures a Server.
type Options struct {
	Config  config.Config
	Service *imaged.Service
	Logger  *logrus.Logger
	// Metrics serves the Prometheus exposition; nil disables the endpoint.
	Metrics http.Handler
}

// Server is the HTTP front end of an imaged.Service.
type Server struct {
	cfg     config.Config
	svc     *imaged.Service
	logger  *logrus.Logger
	metrics http.Handler
	engine  *gin.Engine
}

// New builds the router and its middleware chain.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     opts.Config,
		svc:     opts.Service,
		logger:  logger,
		metrics: opts.Metrics,
		engine:  gin.New(),
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(requestID(), s.access(), serverHeader())
	if c, ok := corsConfig(opts.Config.Server.CORSOrigins); ok {
		s.engine.Use(cors.New(c))
	}
	s.engine.Use(deadline(opts.Config.Server.RequestTimeout), bodyLimit(opts.Config.Server.MaxBodyBytes))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.healthz)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.engine.GET(path, gin.WrapH(s.metrics))
	}

	s.engine.GET("/transform", s.verify, s.getTransform)
	s.engine.POST("/transform", s.postTransform)
	s.engine.GET("/metadata", s.verify, s.getMetadata)
	s.engine.POST("/metadata", s.postMetadata)
	s.engine.POST("/pipeline", s.pipeline)
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on the configured address until ctx is cancelled, then drains
// in-flight requests for at most the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.engine,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": imaged.Version,
		"codec":   s.svc.Engine().Codec().Name(),
	})
}

// ── Middleware ────────────────────────────────────────────────────────────────

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = ulid.Make().String()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func (s *Server) access() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := s.logger.WithFields(logrus.Fields{
			"request_id": c.GetString(requestIDKey),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"bytes":      c.Writer.Size(),
			"duration":   time.Since(start).String(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("error", c.Errors.Last().Error())
		}
		switch {
		case status >= 500:
			entry.Error("http request")
		case status >= 400:
			entry.Warn("http request")
		default:
			entry.Info("http request")
		}
	}
}

func serverHeader() gin.HandlerFunc {
	name := "imaged/" + imaged.Version
	return func(c *gin.Context) {
		c.Header("Server", name)
		c.Next()
	}
}

func deadline(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if n > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func corsConfig(origins []string) (cors.Config, bool) {
	if len(origins) == 0 {
		return cors.Config{}, false
	}
	c := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", HeaderRequestID},
		ExposeHeaders: []string{
			HeaderRequestID, HeaderWarnings, HeaderTiming, HeaderDebug,
			HeaderCache, HeaderWidth, HeaderHeight,
		},
		MaxAge: 12 * time.Hour,
	}
	if slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c, true
}
