package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vyvo/buildercloud/pkg/builder"
	"github.com/vyvo/buildercloud/pkg/ci"
	"github.com/vyvo/buildercloud/pkg/config"
	"github.com/vyvo/buildercloud/pkg/executor"
	"github.com/vyvo/buildercloud/pkg/fleet"
	"github.com/vyvo/buildercloud/pkg/inventory"
	"github.com/vyvo/buildercloud/pkg/launcher"
	"github.com/vyvo/buildercloud/pkg/openshift"
	"github.com/vyvo/buildercloud/pkg/provisioner"
	"github.com/vyvo/buildercloud/pkg/retry"
	"github.com/vyvo/buildercloud/pkg/telemetry"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("builder cloud failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracer := telemetry.InitTracer(ctx, "buildercloud", cfg.TracingEnabled, logger)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown", "error", err)
		}
	}()
	metrics := telemetry.NewMetrics()
	env := config.FromEnvironment()

	queue, closeQueue, err := openQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	jobs, err := ci.LoadJobConfigs(cfg.JobsFile)
	if err != nil {
		return err
	}

	var store inventory.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		sqlStore, err := inventory.OpenSQLStore(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() {
			if err := sqlStore.Close(); err != nil {
				logger.Error("inventory store close", "error", err)
			}
		}()
		store = sqlStore
	}
	inv := inventory.New(store, logger)

	connector := openshift.NewConnector(openshift.Config{
		BrokerHost:      cfg.Broker.Host,
		BrokerPort:      cfg.Broker.Port,
		Username:        cfg.Broker.Username,
		Password:        cfg.Broker.Password,
		Token:           cfg.Broker.Token,
		ProxyHost:       cfg.Broker.ProxyHost,
		ProxyPort:       cfg.Broker.ProxyPort,
		IgnoreCertCheck: cfg.Broker.IgnoreCertCheck,
		Timeout:         cfg.Broker.Timeout,
	}, nil)

	builderEnv := &builder.Environment{
		Clients:      connector,
		Namespace:    cfg.Namespace,
		Demand:       queue,
		Resolver:     net.DefaultResolver,
		Logger:       logger,
		PollInterval: cfg.DNSPollInterval,
		DNSGrace:     cfg.DNSGrace,
	}

	restored, err := inv.Restore(ctx, func(rec inventory.Record) *builder.Builder {
		return builder.Restored(builderEnv, rec.Worker, rec.Spec)
	})
	if err != nil {
		logger.Error("restore inventory", "error", err)
	} else if restored > 0 {
		logger.Info("restored builders from store", "count", restored)
	}

	deps := provisioner.Deps{
		Connection: connector,
		Env:        builderEnv,
		Reconciler: fleet.NewReconciler(builderEnv, inv, fleet.Defaults{Size: cfg.DefaultBuilderSize, IdleTTL: cfg.DefaultIdleTTL}, logger),
		Inventory:  inv,
		Jobs:       jobs,
		Queue:      queue,
		Executor:   executor.New(cfg.ExecutorSize),
		Metrics:    metrics,
		Logger:     logger,
	}
	if env.HasCIServer() {
		deps.Reloader = ci.NewConfigReloader(env.CIHost, env.CIPort, env.CIUsername, env.CIPassword)
	} else {
		logger.Warn("CI server address not set, job configuration reload disabled")
	}
	hub := ci.NewChannelHub(logger)
	if cfg.LaunchAgents {
		deps.Launcher = launcher.New(launcher.Config{
			DataDir: env.DataDir,
			Home:    env.Home,
			GearDNS: env.GearDNS,
		}, hub, logger)
	}

	orch := provisioner.New(provisioner.Config{
		DefaultSize:    cfg.DefaultBuilderSize,
		DefaultIdleTTL: cfg.DefaultIdleTTL,
		Retry:          retry.Policy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay},
	}, deps)

	retention := provisioner.NewRetention(orch, cfg.SweepInterval)
	go retention.Run(ctx)

	srv := &server{orch: orch, inventory: inv, queue: queue, logger: logger}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(cfg.APIToken, metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("builder cloud listening", "addr", cfg.ListenAddr, "namespace", cfg.Namespace)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := deps.Executor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("provisioning tasks still running at shutdown", "error", err)
	}
	return nil
}

func openQueue(ctx context.Context, cfg config.Config, logger *slog.Logger) (demandQueue, func(), error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Info("using in-memory CI queue")
		return ci.NewMemQueue(), func() {}, nil
	}
	q, err := ci.NewRedisQueue(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return q, func() {
		if err := q.Close(); err != nil {
			logger.Error("redis close", "error", err)
		}
	}, nil
}
