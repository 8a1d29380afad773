package service

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/ethereum-optimism/infra/op-testplan/metrics"
	"github.com/ethereum/go-ethereum/log"
)

const (
	DefaultHealthzHost = "0.0.0.0"
	DefaultHealthzPort = "8080"

	DefaultMetricsHost = "0.0.0.0"
	DefaultMetricsPort = "7300"
)

// ServerConfig is where one server listens
type ServerConfig struct {
	Enabled bool
	Host    string
	Port    string
}

type Config struct {
	Healthz ServerConfig
	Metrics ServerConfig
}

// DefaultConfig serves both endpoints on their default addresses
func DefaultConfig() Config {
	return Config{
		Healthz: ServerConfig{Enabled: true, Host: DefaultHealthzHost, Port: DefaultHealthzPort},
		Metrics: ServerConfig{Enabled: true, Host: DefaultMetricsHost, Port: DefaultMetricsPort},
	}
}

type Service struct {
	Config  Config
	Healthz *HealthzServer
	Metrics *MetricsServer
	log     log.Logger
}

func New(cfg Config, status Status, logger log.Logger) *Service {
	return &Service{
		Config:  cfg,
		Healthz: NewHealthzServer(status, logger),
		Metrics: &MetricsServer{},
		log:     logger,
	}
}

func (s *Service) Start(ctx context.Context) {
	s.log.Info("service starting")

	if s.Config.Healthz.Enabled {
		go func() {
			addr := net.JoinHostPort(s.Config.Healthz.Host, s.Config.Healthz.Port)
			s.log.Info("starting healthz server", "addr", addr)
			if err := s.Healthz.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error starting healthz server", "err", err)
				metrics.RecordErrorDetails("error starting healthz server", err)
			}
		}()
	}

	if s.Config.Metrics.Enabled {
		go func() {
			addr := net.JoinHostPort(s.Config.Metrics.Host, s.Config.Metrics.Port)
			s.log.Info("starting metrics server", "addr", addr)
			if err := s.Metrics.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error starting metrics server", "err", err)
				metrics.RecordErrorDetails("error starting metrics server", err)
			}
		}()
	}

	s.log.Info("service started")
}

func (s *Service) Shutdown() {
	s.log.Info("service shutting down")

	if s.Config.Healthz.Enabled {
		_ = s.Healthz.Shutdown()
		s.log.Info("healthz stopped")
	}

	if s.Config.Metrics.Enabled {
		_ = s.Metrics.Shutdown()
		s.log.Info("metrics stopped")
	}

	s.log.Info("service stopped")
}
