package coremain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/lpcache/mlog"
)

const shutdownTimeout = 5 * time.Second

// Server exposes a Registry over http.
type Server struct {
	logger   *zap.Logger
	cfg      *Config
	registry *Registry

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry
}

func NewServer(cfg *Config) (*Server, error) {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	s := &Server{
		logger:     lg,
		cfg:        cfg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
	}

	metricsReg := prometheus.WrapRegistererWithPrefix("lpcache_", s.metricsReg)
	s.registry, err = NewRegistry(cfg, lg, metricsReg)
	if err != nil {
		return nil, fmt.Errorf("failed to init registry, %w", err)
	}
	if err := metricsReg.Register(newStatsCollector(s.registry)); err != nil {
		s.registry.Close()
		return nil, fmt.Errorf("failed to register stats collector, %w", err)
	}

	s.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{}))
	s.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	s.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	s.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	s.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	s.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	registerAPI(s.httpAPIMux, s.registry, lg.Named("api"))
	return s, nil
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Handler() http.Handler {
	return s.httpAPIMux
}

// Run serves the api until ctx is done or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	httpAddr := s.cfg.API.HTTP
	if len(httpAddr) == 0 {
		return errors.New("no api http address is configured")
	}
	httpServer := &http.Server{
		Addr:    httpAddr,
		Handler: s.httpAPIMux,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting api http server", zap.String("addr", httpAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api http server exited, %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})
	return g.Wait()
}

func (s *Server) Close() error {
	err := s.registry.Close()
	_ = s.logger.Sync()
	return err
}

// RunServer builds a Server from cfg and runs it until ctx is done.
func RunServer(ctx context.Context, cfg *Config) error {
	s, err := NewServer(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Run(ctx)
}
