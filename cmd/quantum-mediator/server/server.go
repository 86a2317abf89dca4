package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aetherflow/quantum/cmd/quantum-mediator/config"
	"github.com/aetherflow/quantum/internal/quantum/cryptohost"
	"github.com/aetherflow/quantum/internal/quantum/iodgram"
	"github.com/aetherflow/quantum/internal/quantum/mediator"
	"github.com/aetherflow/quantum/internal/quantum/metrics"
)

// Server hosts one mediator rendezvous socket plus its metrics endpoint.
type Server struct {
	config *config.Config
	logger *zap.Logger

	socket   *iodgram.UDPSocket
	mediator *mediator.Mediator
	metrics  *metrics.Metrics

	httpServer *http.Server
	stopSweep  chan struct{}
}

// New creates a Server bound to the configured rendezvous address. The
// socket starts receiving into its datagram channel at once; Start runs
// the loop that hands those datagrams to the mediator.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	socket, err := iodgram.Listen(cfg.Listen.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to bind rendezvous socket: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enable {
		m = metrics.New("quantum", "mediator")
	}

	med := mediator.New(socket, cryptohost.New(), mediator.Config{
		CookieSecret:   []byte(cfg.Cookie.Secret),
		RateLimit:      rate.Limit(cfg.Pairs.RateLimitPerSecond),
		RateBurst:      cfg.Pairs.RateBurst,
		PairIdleExpiry: cfg.Pairs.IdleExpiry,
		Metrics:        m,
	}, logger)

	return &Server{
		config:    cfg,
		logger:    logger,
		socket:    socket,
		mediator:  med,
		metrics:   m,
		stopSweep: make(chan struct{}),
	}, nil
}

// Start runs the mediator's dispatch loop. It blocks until the socket is
// closed by Stop.
func (s *Server) Start() error {
	if s.config.Metrics.Enable {
		go s.startMetricsServer()
	}

	go s.sweepIdlePairs()

	s.logger.Info("Quantum Mediator started",
		zap.String("address", s.config.Listen.Address),
		zap.Bool("metrics_enabled", s.config.Metrics.Enable))

	for dg := range s.socket.Datagrams() {
		s.mediator.HandleDatagram(dg)
	}
	return nil
}

// Stop closes the rendezvous socket and shuts down the metrics server.
func (s *Server) Stop() {
	s.logger.Info("Stopping Quantum Mediator...")

	close(s.stopSweep)
	_ = s.socket.Close()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}

	s.logger.Info("Quantum Mediator stopped")
}

func (s *Server) sweepIdlePairs() {
	interval := s.config.Pairs.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case now := <-ticker.C:
			if removed := s.mediator.ExpireIdlePairs(now); removed > 0 {
				s.logger.Debug("swept idle rendezvous pairs", zap.Int("count", removed))
			}
		}
	}
}

func (s *Server) startMetricsServer() {
	addr := fmt.Sprintf("%s:%d", s.config.Metrics.Host, s.config.Metrics.Port)

	mux := http.NewServeMux()
	mux.Handle(s.config.Metrics.Path, promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("Metrics server started", zap.String("address", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Metrics server error", zap.Error(err))
	}
}
