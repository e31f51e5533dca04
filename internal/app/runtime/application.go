// Package runtime wires the application container: backing-store
// connections, dependency probing, the status API and its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/socialsense/stack/internal/cache"
	"github.com/socialsense/stack/internal/compose"
	"github.com/socialsense/stack/internal/config"
	"github.com/socialsense/stack/internal/httpapi"
	"github.com/socialsense/stack/internal/logging"
	"github.com/socialsense/stack/internal/metrics"
	"github.com/socialsense/stack/internal/middleware"
	"github.com/socialsense/stack/internal/monitor"
	"github.com/socialsense/stack/internal/probe"
	"github.com/socialsense/stack/internal/retry"
)

// ServiceName labels logs and metrics of the application container.
const ServiceName = "instagram-app"

const shutdownTimeout = 10 * time.Second

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg     *config.Config
	desc    *compose.Descriptor
	log     *logging.Logger
	metrics *metrics.Metrics
	stores  *Stores
	prober  *probe.Prober
	monitor *monitor.Monitor
	limiter *middleware.RateLimiter
	handler http.Handler
	server  *http.Server
}

// NewApplication builds the logger, connects the backing stores in startup
// order and assembles the status API.
func NewApplication(ctx context.Context, cfg *config.Config, desc *compose.Descriptor, version string) (*Application, error) {
	log, err := logging.NewWithConfig(ServiceName, logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	rcfg := retry.DefaultConfig()
	rcfg.MaxRetries = cfg.StartupMaxRetries
	handler, err := retry.NewHandler(rcfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure retries: %w", err)
	}

	set, err := StoreSettings(cfg)
	if err != nil {
		return nil, err
	}
	log.WithField("database", set.Relational.Redacted()).Info("connecting backing stores")

	stores, err := ConnectStores(ctx, desc, set, handler, log)
	if err != nil {
		log.Close()
		return nil, err
	}

	a, err := assemble(cfg, desc, log, stores, stores.Checkers(), version)
	if err != nil {
		stores.Close()
		log.Close()
		return nil, err
	}
	return a, nil
}

func assemble(cfg *config.Config, desc *compose.Descriptor, log *logging.Logger, stores *Stores, checkers []probe.Checker, version string) (*Application, error) {
	m := metrics.New()

	reg := probe.NewRegistry()
	for _, c := range checkers {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	prober, err := probe.NewProber(reg, probe.Options{
		Timeout: cfg.ProbeTimeout,
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	var publisher monitor.Publisher
	var statusStore httpapi.StatusStore
	if stores != nil && stores.Cache != nil {
		sc := cache.NewStatusCache(stores.Cache, cache.DefaultStatusKey, cfg.StatusTTL)
		publisher, statusStore = sc, sc
	}
	mon := monitor.New(prober, publisher, monitor.Options{
		Interval:   cfg.ProbeInterval,
		RunTimeout: cfg.ProbeTimeout * 2,
		Logger:     log,
	})

	router := httpapi.NewRouter(httpapi.Options{
		Source:   mon,
		Store:    statusStore,
		Topology: desc,
		Metrics:  m.Handler(),
		Logger:   log,
		Version:  version,
		Origins:  cfg.Origins(),
	})
	router.Use(middleware.MetricsMiddleware(ServiceName, m))

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, log, m).WithRoutes(router)
	var h http.Handler = router
	h = middleware.NewCORSMiddleware(cfg.Origins()).Handler(h)
	h = limiter.Handler(h)
	h = middleware.NewTracingMiddleware(log).Handler(h)

	return &Application{
		cfg:     cfg,
		desc:    desc,
		log:     log,
		metrics: m,
		stores:  stores,
		prober:  prober,
		monitor: mon,
		limiter: limiter,
		handler: h,
		server: &http.Server{
			Addr:              cfg.HTTP.Addr(),
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.RequestTimeout,
			IdleTimeout:       cfg.RequestTimeout,
		},
	}, nil
}

// Handler returns the full middleware-wrapped status API.
func (a *Application) Handler() http.Handler { return a.handler }

// Monitor exposes the dependency monitor.
func (a *Application) Monitor() *monitor.Monitor { return a.monitor }

// Run probes once, starts the scheduler and serves HTTP until ctx ends.
func (a *Application) Run(ctx context.Context) error {
	report := a.monitor.RunNow(ctx)
	if !report.Ready() {
		a.log.WithField("status", report.Status).Warn("dependencies not ready at startup")
	}
	if err := a.monitor.Start(ctx); err != nil {
		return err
	}
	a.limiter.StartCleanup(ctx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.server.Addr).Info("HTTP server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// Shutdown drains HTTP, stops the monitor and closes the stores in reverse
// startup order.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.monitor.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("monitor: %w", err))
	}
	if a.stores != nil {
		if err := a.stores.Close(); err != nil {
			a.log.WithError(err).Warn("error closing backing stores")
			errs = append(errs, err)
		}
	}
	a.log.Info("shutdown complete")
	if err := a.log.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
