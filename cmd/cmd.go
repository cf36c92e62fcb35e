package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anicoll/pollbridge/internal/pkg/config"
	"github.com/anicoll/pollbridge/internal/pkg/database"
	"github.com/anicoll/pollbridge/internal/pkg/database/migration"
	"github.com/anicoll/pollbridge/internal/pkg/hub"
	"github.com/anicoll/pollbridge/internal/pkg/integration"
	"github.com/anicoll/pollbridge/internal/pkg/integrations/modbus"
	"github.com/anicoll/pollbridge/internal/pkg/integrations/rest"
	"github.com/anicoll/pollbridge/internal/pkg/integrations/winet"
	"github.com/anicoll/pollbridge/internal/pkg/metrics"
	"github.com/anicoll/pollbridge/internal/pkg/mqtt"
	"github.com/anicoll/pollbridge/internal/pkg/publisher"
	"github.com/anicoll/pollbridge/internal/pkg/server"
	"github.com/anicoll/pollbridge/internal/pkg/store"
	"github.com/anicoll/pollbridge/pkg/hasher"
)

const shutdownTimeout = 10 * time.Second

// RunCommand starts the bridge. Flags override the environment.
func RunCommand(c *cli.Context) error {
	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync() // flushes buffer, if any.
	}()
	zap.ReplaceGlobals(logger)

	a, err := newApp(c.Context, cfg, logger, defaultIntegrations()...)
	if err != nil {
		return err
	}
	defer a.close()

	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}
	return a.run(c.Context, lis)
}

// HashTokenCommand prints a bcrypt hash for API_TOKEN_HASH. Without --token a
// random token is generated and printed as well.
func HashTokenCommand(c *cli.Context) error {
	token := c.String("token")
	if token == "" {
		var err error
		if token, err = hasher.GenerateToken(32); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "token: %s\n", token)
	}
	hash, err := hasher.HashToken([]byte(token))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "API_TOKEN_HASH=%s\n", hash)
	return nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("http-addr") {
		cfg.HTTPAddr = c.String("http-addr")
	}
	if c.IsSet("entries-file") {
		cfg.EntriesFile = c.String("entries-file")
	}
	if c.IsSet("scan-interval") {
		cfg.ScanInterval = c.Duration("scan-interval")
	}
	if c.IsSet("database-url") {
		cfg.Database.URL = c.String("database-url")
	}
	if c.IsSet("migrations-folder") {
		cfg.Database.MigrationsFolder = c.String("migrations-folder")
	}
	if c.IsSet("mqtt-host") {
		cfg.Mqtt.Host = c.String("mqtt-host")
	}
	if c.IsSet("mqtt-user") {
		cfg.Mqtt.Username = c.String("mqtt-user")
	}
	if c.IsSet("mqtt-pass") {
		cfg.Mqtt.Password = c.String("mqtt-pass")
	}
}

func newLogger(level string) (*zap.Logger, error) {
	logCfg := zap.NewProductionConfig()
	var err error
	logCfg.Level, err = zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	logCfg.OutputPaths = []string{"stdout"}
	logCfg.ErrorOutputPaths = []string{"stdout"}
	logCfg.Sampling = nil
	return logCfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
}

func defaultIntegrations() []integration.Integration {
	return []integration.Integration{
		modbus.New(nil),
		rest.New(nil),
		winet.New(nil),
	}
}

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	hub     *hub.Hub
	handler http.Handler
	cleaner cleaner
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, list ...integration.Integration) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	pub := publisher.New(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	var history server.History
	if cfg.Database.Enabled() {
		if err := migration.Migrate(cfg.Database.URL, cfg.Database.MigrationsFolder); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		db, err := database.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err := pub.RegisterSink("postgres", db); err != nil {
			a.close()
			return nil, err
		}
		history = db
		a.cleaner = db
	}

	if cfg.Mqtt.Enabled() {
		svc := mqtt.New(mqtt.NewClient(cfg.Mqtt), cfg.Mqtt.DiscoveryPrefix, logger)
		if err := svc.Connect(); err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, svc.Disconnect)
		if err := pub.RegisterSink("mqtt", svc); err != nil {
			a.close()
			return nil, err
		}
	}

	integrations, err := integration.NewIntegrations(list...)
	if err != nil {
		a.close()
		return nil, err
	}
	h, err := hub.New(hub.Options{
		Logger:       logger,
		Store:        store.New(cfg.EntriesFile),
		Publisher:    pub,
		Integrations: integrations,
		Recorder:     m,
		ScanInterval: cfg.ScanInterval,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.hub = h

	opts := server.Options{
		Hub:       h,
		Flows:     h.Flows(),
		TokenHash: cfg.TokenHash,
		Gatherer:  reg,
		Logger:    logger,
	}
	if history != nil {
		opts.History = history
	}
	a.handler = server.New(opts)
	return a, nil
}

// close runs the closers in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// run serves until ctx is cancelled or one of the services fails.
func (a *app) run(ctx context.Context, lis net.Listener) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return a.hub.Start(ctx)
	})

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		// flow validation logs in to devices, which can take a while.
		WriteTimeout: time.Minute,
	}
	eg.Go(func() error {
		a.logger.Info("serving api", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if a.cleaner != nil {
		eg.Go(func() error {
			return cronDbCleanup(ctx, a.cleaner, a.cfg.Cleanup, a.logger)
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		a.logger.Info("context done")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.hub.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// cronDbCleanup deletes history older than the retention once at start and
// then on schedule.
func cronDbCleanup(ctx context.Context, db cleaner, cfg config.CleanupConfig, logger *zap.Logger) error {
	cleanup := func() {
		n, err := db.Cleanup(ctx, cfg.Retention)
		if err != nil {
			logger.Error("error cleaning up database", zap.Error(err))
			return
		}
		logger.Info("database cleaned up", zap.Int64("deleted", n), zap.Duration("retention", cfg.Retention))
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Schedule, cleanup); err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", cfg.Schedule, err)
	}
	cleanup()
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
