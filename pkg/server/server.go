// Package server serves the metrics and the per-user usage over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leptonai/gpu-user-exporter/pkg/config"
	"github.com/leptonai/gpu-user-exporter/pkg/log"
)

const (
	URLPathMetrics = "/metrics"
	urlPathAdmin   = "/admin"
)

const shutdownTimeout = 5 * time.Second

var _ Stopper = &Server{}

// Server is the exporter HTTP server.
type Server struct {
	addr string
	srv  *http.Server

	ln   net.Listener
	errc chan error
}

// New creates the server. The poll loop is not started by the server.
func New(cfg *config.Config, gatherer prometheus.Gatherer, src SnapshotSource) *Server {
	router := newRouter(cfg, gatherer, src)
	return &Server{
		addr: cfg.Address,
		srv: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		errc: make(chan error, 1),
	}
}

func newRouter(cfg *config.Config, gatherer prometheus.Gatherer, src SnapshotSource) *gin.Engine {
	router := gin.New()
	installGinMiddlewares(router, log.Logger.Desugar())

	promHandler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	router.GET(URLPathMetrics, func(ctx *gin.Context) {
		promHandler.ServeHTTP(ctx.Writer, ctx.Request)
	})
	router.GET(URLPathHealthz, createHealthzHandler())

	v1 := router.Group(urlPathV1)
	v1.Use(gzip.Gzip(gzip.DefaultCompression))
	v1.GET(urlPathUsers, createUsersHandler(src))

	if cfg.Pprof {
		log.Logger.Debugw("registering pprof handlers")
		admin := router.Group(urlPathAdmin)
		admin.GET("/pprof/profile", gin.WrapH(http.HandlerFunc(pprof.Profile)))
		admin.GET("/pprof/heap", gin.WrapH(pprof.Handler("heap")))
		admin.GET("/pprof/goroutine", gin.WrapH(pprof.Handler("goroutine")))
		admin.GET("/pprof/trace", gin.WrapH(http.HandlerFunc(pprof.Trace)))
	}

	return router
}

// Start listens on the configured address and serves in the background.
// A listen failure is returned, a later serve failure is sent to Err.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	log.Logger.Infow("serving", "address", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Logger.Errorw("serve failure", "address", s.addr, "error", err)
			s.errc <- err
		}
		close(s.errc)
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Err receives the serve failure, and is closed when the server stops.
func (s *Server) Err() <-chan error {
	return s.errc
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		log.Logger.Warnw("failed to shutdown server", "error", err)
	} else {
		log.Logger.Debugw("successfully shut down server")
	}
}
