// Package api serves the station status and control API. HTTP and the gRPC
// health service share one listener.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/soheilhy/cmux"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/chrissnell/wmii/internal/interfaces"
	"github.com/chrissnell/wmii/internal/log"
	"github.com/chrissnell/wmii/internal/sinks"
	"github.com/chrissnell/wmii/pkg/config"
	"github.com/chrissnell/wmii/pkg/responseformat"
)

const healthInterval = time.Second

// Deps are the parts of the application the API reports on and controls
type Deps struct {
	Stations interfaces.WeatherStationManager
	Latest   *sinks.LatestSink
	Gatherer prometheus.Gatherer
	Reloader interfaces.AppReloader
}

// Controller represents the API controller
type Controller struct {
	ctx       context.Context
	wg        *sync.WaitGroup
	apiConfig config.APIData
	deps      Deps
	logger    *zap.SugaredLogger
	formatter *responseformat.Formatter

	router     *mux.Router
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	reported   map[string]bool // stations with a health entry

	listener net.Listener
}

// NewController creates a new API controller
func NewController(ctx context.Context, wg *sync.WaitGroup, ac config.APIData, deps Deps, logger *zap.SugaredLogger) (*Controller, error) {
	if deps.Stations == nil {
		return nil, fmt.Errorf("the API needs a weather station manager")
	}
	if deps.Latest == nil {
		deps.Latest = sinks.NewLatestSink()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = log.GetSugaredLogger()
	}

	if ac.ListenAddr == "" {
		logger.Info("api listen-addr not provided; defaulting to 0.0.0.0 (all interfaces)")
		ac.ListenAddr = "0.0.0.0"
	}
	if ac.Port == 0 {
		logger.Infof("api port not provided; defaulting to %d", config.DefaultAPIPort)
		ac.Port = config.DefaultAPIPort
	}
	if (ac.Cert == "") != (ac.Key == "") {
		return nil, fmt.Errorf("api TLS needs both a certificate and a key")
	}

	c := &Controller{
		ctx:       ctx,
		wg:        wg,
		apiConfig: ac,
		deps:      deps,
		logger:    logger,
		formatter: responseformat.NewFormatter(),
		health:    health.NewServer(),
		reported:  make(map[string]bool),
	}

	c.router = c.setupRouter()
	c.httpServer = &http.Server{
		Handler:           c.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	c.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(c.grpcServer, c.health)
	reflection.Register(c.grpcServer)

	return c, nil
}

// Handler returns the HTTP router
func (c *Controller) Handler() http.Handler {
	return c.router
}

// Addr returns the listener's address once the controller has started
func (c *Controller) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// StartController opens the listener and serves HTTP and gRPC on it until
// the context is cancelled
func (c *Controller) StartController() error {
	log.Info("Starting API controller...")

	addr := net.JoinHostPort(c.apiConfig.ListenAddr, fmt.Sprint(c.apiConfig.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("API could not listen on %s: %w", addr, err)
	}

	if c.apiConfig.Cert != "" {
		cert, err := tls.LoadX509KeyPair(c.apiConfig.Cert, c.apiConfig.Key)
		if err != nil {
			l.Close()
			return fmt.Errorf("could not load API keypair: %w", err)
		}
		l = tls.NewListener(l, &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
		})
	}
	c.listener = l

	m := cmux.New(l)
	grpcListener := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpListener := m.Match(cmux.Any())

	c.logger.Infof("API listening on %s", l.Addr())

	c.wg.Add(4)
	go func() {
		defer c.wg.Done()
		if err := c.grpcServer.Serve(grpcListener); err != nil && !isClosed(err) {
			log.Errorf("gRPC health server error: %v", err)
		}
	}()
	go func() {
		defer c.wg.Done()
		if err := c.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) && !isClosed(err) {
			log.Errorf("API server error: %v", err)
		}
	}()
	go func() {
		defer c.wg.Done()
		if err := m.Serve(); err != nil && !isClosed(err) {
			log.Errorf("API listener error: %v", err)
		}
	}()
	go func() {
		defer c.wg.Done()
		c.watchHealth()

		log.Info("Shutting down the API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.httpServer.Shutdown(shutdownCtx)
		c.grpcServer.Stop()
		m.Close()
	}()

	return nil
}

// watchHealth publishes the connection state of every console to the gRPC
// health service until the context is done. The overall service is SERVING
// only while every console is connected.
func (c *Controller) watchHealth() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		c.updateHealth()
		select {
		case <-ticker.C:
		case <-c.ctx.Done():
			c.health.Shutdown()
			return
		}
	}
}

func (c *Controller) updateHealth() {
	overall := healthpb.HealthCheckResponse_SERVING
	current := make(map[string]bool)
	for _, name := range c.deps.Stations.StationNames() {
		current[name] = true
		station := c.deps.Stations.GetStation(name)
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if station != nil && station.Connected() {
			status = healthpb.HealthCheckResponse_SERVING
		} else {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		c.health.SetServingStatus(name, status)
	}

	// stations dropped by a reload stop serving
	for name := range c.reported {
		if !current[name] {
			c.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
	c.reported = current

	c.health.SetServingStatus("", overall)
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, cmux.ErrListenerClosed) || errors.Is(err, cmux.ErrServerClosed)
}
