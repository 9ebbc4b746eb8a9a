// Package api is HTTP interface to power controller.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/labpsu/internal/power"
	"github.com/temoto/labpsu/log2"
)

const (
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultMetricsPath  = "/metrics"
)

// Controller is implemented by *power.Controller.
type Controller interface {
	SetChannel(ctx context.Context, id int, voltage, current float64) error
	DisableChannel(ctx context.Context, id int) error
	Snapshot(ctx context.Context) (power.Snapshot, error)
	Channels() []power.Channel
}

type Options struct {
	Log          *log2.Log
	JWTSecret    string       // empty disables auth
	Metrics      http.Handler // nil disables metrics route
	MetricsPath  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	Log *log2.Log

	ctl         Controller
	auth        *authMiddleware
	metrics     http.Handler
	metricsPath string
	opt         Options
	httpServer  *http.Server
}

func NewServer(ctl Controller, opt Options) *Server {
	self := &Server{
		Log:         opt.Log,
		ctl:         ctl,
		metrics:     opt.Metrics,
		metricsPath: opt.MetricsPath,
		opt:         opt,
	}
	if opt.JWTSecret != "" {
		self.auth = newAuthMiddleware([]byte(opt.JWTSecret))
	}
	if self.metricsPath == "" {
		self.metricsPath = DefaultMetricsPath
	}
	if self.opt.ReadTimeout <= 0 {
		self.opt.ReadTimeout = DefaultReadTimeout
	}
	if self.opt.WriteTimeout <= 0 {
		self.opt.WriteTimeout = DefaultWriteTimeout
	}
	self.httpServer = &http.Server{
		Handler:      self.Handler(),
		ReadTimeout:  self.opt.ReadTimeout,
		WriteTimeout: self.opt.WriteTimeout,
	}
	return self
}

func (self *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	self.RegisterRoutes(mux)
	return mux
}

// Serve blocks until Shutdown. Returns nil after graceful Shutdown.
func (self *Server) Serve(ln net.Listener) error {
	self.Log.Infof("api listen=%s", ln.Addr())
	if err := self.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Annotate(err, "api serve")
	}
	return nil
}

func (self *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "api listen=%s", addr)
	}
	return self.Serve(ln)
}

func (self *Server) Shutdown(ctx context.Context) error {
	return errors.Annotate(self.httpServer.Shutdown(ctx), "api shutdown")
}
