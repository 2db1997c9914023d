// Command beamd runs the WebSocket broker.
//
//	beamd serve              start the broker
//	beamd restart [--hard]   ask running brokers to restart
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/beamsock/beamd/internal/apps"
	"github.com/beamsock/beamd/internal/channels"
	"github.com/beamsock/beamd/internal/config"
	"github.com/beamsock/beamd/internal/control"
	"github.com/beamsock/beamd/internal/dispatch"
	"github.com/beamsock/beamd/internal/httpapi"
	"github.com/beamsock/beamd/internal/logging"
	"github.com/beamsock/beamd/internal/restart"
	"github.com/beamsock/beamd/internal/server"
	"github.com/beamsock/beamd/internal/stats"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		runServe(args)
	case "restart":
		runRestart(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\nusage: beamd [serve|restart] [flags]\n", cmd)
		os.Exit(2)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	host := fs.String("host", "", "listen host (overrides BEAMD_HOST)")
	port := fs.Int("port", 0, "listen port (overrides BEAMD_PORT)")
	debug := fs.Bool("debug", false, "debug logging with pretty output")
	disableStats := fs.Bool("disable-statistics", false, "disable statistics collection")
	statsInterval := fs.Duration("statistics-interval", 0, "statistics snapshot interval (overrides BEAMD_STATISTICS_INTERVAL)")
	softDefault := fs.Bool("soft", true, "drain connections on signal-triggered shutdown")
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *disableStats {
		cfg.StatisticsEnabled = false
	}
	if *statsInterval > 0 {
		cfg.StatisticsInterval = *statsInterval
	}
	if *debug {
		cfg.LogLevel = "debug"
		cfg.LogFormat = "pretty"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appRegistry, cleanupApps, err := buildAppRegistry(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("app registry")
	}
	defer cleanupApps()

	chanRegistry := channels.NewRegistry(logger)

	if cfg.NATSURL != "" {
		replicator, err := channels.NewNATSReplicator(cfg.NATSURL, chanRegistry, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("nats replication")
		}
		defer replicator.Close()
		chanRegistry.SetReplicator(replicator)
	}

	sink, statsCleanup := buildStatistics(ctx, cfg, logger)
	defer statsCleanup()

	engine := dispatch.NewEngine(dispatch.NewResolver(dispatch.Namespace{}, dispatch.Namespace{}), chanRegistry, logger)
	defer engine.Close()

	api := httpapi.New(appRegistry, chanRegistry, sink, logger)

	srv := server.New(server.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		TLSCertFile:        cfg.SSLCertFile,
		TLSKeyFile:         cfg.SSLKeyFile,
		MaxRequestSizeKB:   cfg.MaxRequestSizeKB,
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MessageBurst:       cfg.MessageBurst,
		MessagePerSec:      cfg.MessagePerSec,
	}, appRegistry, chanRegistry, engine, sink, logger, api.Register)

	if cfg.BroadcastSocketEnabled {
		ctl := control.NewListener(cfg.BroadcastSocket, appRegistry, chanRegistry, logger)
		if err := ctl.Start(ctx); err != nil {
			// The broadcast socket is a convenience surface; the broker runs
			// on without it.
			logger.Warn().Err(err).Str("path", cfg.BroadcastSocket).Msg("control socket disabled")
		} else {
			defer ctl.Close()
		}
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("server start")
	}

	restartCh := make(chan restart.Marker, 1)
	go restart.NewWatcher(buildRestartStore(cfg), 0, logger).Run(ctx, func(m restart.Marker) {
		restartCh <- m
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	soft := *softDefault
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case m := <-restartCh:
		soft = m.Soft
		if !soft {
			srv.CloseAllConnections("Server is restarting")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Minute)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx, soft); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}

func runRestart(args []string) {
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	hard := fs.Bool("hard", false, "close connections immediately instead of draining")
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	marker := restart.Marker{Time: time.Now(), Soft: !*hard}
	if err := buildRestartStore(cfg).Write(context.Background(), marker); err != nil {
		fmt.Fprintln(os.Stderr, "write restart marker:", err)
		os.Exit(1)
	}
	fmt.Println("restart requested")
}

// buildAppRegistry prefers Postgres when a DSN is configured; otherwise the
// YAML apps file backs an in-memory registry.
func buildAppRegistry(cfg config.Config, logger zerolog.Logger) (apps.Registry, func(), error) {
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info().Msg("using postgres app registry")
		return apps.NewPostgresRegistry(db), func() { db.Close() }, nil
	}

	list, err := config.LoadApps(cfg.AppsFile)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Int("apps", len(list)).Str("file", cfg.AppsFile).Msg("loaded apps file")
	return apps.NewMemoryRegistry(list), func() {}, nil
}

// buildStatistics wires the collector and its store. Disabled statistics get
// the no-op sink so the hot paths stay branch-free.
func buildStatistics(ctx context.Context, cfg config.Config, logger zerolog.Logger) (stats.Sink, func()) {
	if !cfg.StatisticsEnabled {
		return stats.Noop{}, func() {}
	}

	var store stats.Store
	var cleanup = func() {}
	if cfg.PostgresDSN != "" {
		pg, err := stats.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			logger.Warn().Err(err).Msg("postgres statistics store unavailable, using memory store")
			store = stats.NewMemoryStore()
		} else {
			store = pg
			cleanup = func() { pg.Close() }
		}
	} else {
		store = stats.NewMemoryStore()
	}

	collector := stats.NewCollector(store, cfg.StatisticsInterval, cfg.StatisticsRetention, logger)
	go collector.Run(ctx)
	return collector, cleanup
}

func buildRestartStore(cfg config.Config) restart.Store {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return restart.NewRedisStore(client)
	}
	return restart.FileStore{Path: cfg.RestartMarkerFile}
}
