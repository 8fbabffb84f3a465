// Package app wires Shadowbox's components together and drives the
// process lifecycle for both the manager and collector binary modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/Jigsaw-Code/shadowbox/internal/config"
	"github.com/Jigsaw-Code/shadowbox/internal/httpserver"
	"github.com/Jigsaw-Code/shadowbox/internal/portprovider"
	"github.com/Jigsaw-Code/shadowbox/internal/telemetry"
	"github.com/Jigsaw-Code/shadowbox/pkg/accesskey"
	"github.com/Jigsaw-Code/shadowbox/pkg/collector"
	"github.com/Jigsaw-Code/shadowbox/pkg/manager"
	"github.com/Jigsaw-Code/shadowbox/pkg/proxysupervisor"
	"github.com/Jigsaw-Code/shadowbox/pkg/publisher"
	"github.com/Jigsaw-Code/shadowbox/pkg/scraper"
	"github.com/Jigsaw-Code/shadowbox/pkg/serverconfig"
	"github.com/Jigsaw-Code/shadowbox/pkg/usage"
)

// version is stamped by the build; defaulted here for a plain `go build`.
var version = "dev"

// Run reads config and starts the mode selected by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting shadowbox", "mode", cfg.Mode)

	switch cfg.Mode {
	case "manager":
		return runManager(ctx, cfg, logger)
	case "collector":
		return runCollector(ctx, cfg, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	fs := afero.NewOsFs()
	ports := portprovider.New()

	serverConfigPath := cfg.StateDir + "/shadowbox_server_config.json"
	serverConfig, err := serverconfig.Load(fs, serverConfigPath, version, cfg.DefaultServerName, ports, logger)
	if err != nil {
		return fmt.Errorf("loading server config: %w", err)
	}

	proxy := proxysupervisor.New(fs, proxysupervisor.Options{
		BinaryPath:       cfg.ProxyBinaryPath,
		ConfigPath:       cfg.StateDir + "/" + cfg.ProxyConfigPath,
		MMDBPath:         cfg.MMDBPath,
		ReplayProtection: cfg.ReplayProtectionEnabled,
	}, logger)

	scrapeSupervisor := scraper.New(fs, scraper.Options{
		BinaryPath: cfg.ScraperBinaryPath,
		ConfigPath: cfg.StateDir + "/" + cfg.ScraperConfigPath,
		Endpoint:   cfg.ScraperEndpoint(),
		ScrapeTargets: map[string][]string{
			"outline-ss-server": {fmt.Sprintf("localhost:%d", serverConfig.PortForNewAccessKeys())},
		},
	}, logger)

	if err := scrapeSupervisor.Start(ctx); err != nil {
		return fmt.Errorf("starting scraper: %w", err)
	}
	defer scrapeSupervisor.Stop()

	scraperClient, err := scraper.NewClient(cfg.ScraperEndpoint())
	if err != nil {
		return fmt.Errorf("creating scraper client: %w", err)
	}
	usageReader := usage.New(scraperClient)

	accessKeysPath := cfg.StateDir + "/shadowbox_config.json"
	repo, err := accesskey.New(fs, accessKeysPath, serverConfig, ports, proxy, usageReader, logger)
	if err != nil {
		return fmt.Errorf("loading access keys: %w", err)
	}

	pub := publisher.New(serverConfig, usageReader, repo, cfg.MetricsURL, version, logger, time.Now())

	// Push the materialized key set to the proxy immediately so a manager
	// that boots with persisted keys doesn't run data-plane-less until the
	// first @every 60s enforcement tick (spec.md §4.7.1: pushed on every
	// mutation or enforcement tick, including startup).
	repo.Enforce(ctx)

	metricsReg := telemetry.NewRegistry(telemetry.All()...)

	router := chi.NewRouter()
	router.Use(httpserver.RequestID, httpserver.Logger(logger), httpserver.Metrics)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}))
	router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	secretPrefix := cfg.APIPrefix
	if secretPrefix == "" {
		secretPrefix = generateSecretPrefix()
		logger.Info("generated API secret prefix; pass it to the admin client", "prefix", secretPrefix)
	}
	managerHandler := manager.NewHandler(logger, repo, serverConfig, usageReader, secretPrefix)
	router.Mount("/", managerHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ManagerListenAddr(),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("manager API listening", "addr", cfg.ManagerListenAddr())
		var err error
		if cfg.TLSEnabled() {
			err = httpSrv.ListenAndServeTLS(cfg.CertificateFile, cfg.PrivateKeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return repo.Start(gctx)
	})

	g.Go(func() error {
		return pub.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down manager")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		if err := proxy.Stop(); err != nil {
			logger.Error("stopping proxy supervisor", "error", err)
		}
		if err := scrapeSupervisor.Stop(); err != nil {
			logger.Error("stopping scraper supervisor", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

func runCollector(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	table := newLoggingTable(logger)
	collectorHandler := collector.NewHandler(logger, table)

	metricsReg := telemetry.NewRegistry(telemetry.All()...)

	router := chi.NewRouter()
	router.Use(httpserver.RequestID, httpserver.Logger(logger), httpserver.Metrics)
	router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	router.Mount("/", collectorHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.CollectorListenAddr(),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collector listening", "addr", cfg.CollectorListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down collector")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
