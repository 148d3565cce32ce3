package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/openchlai/ai-sub002/internal/archive"
	"github.com/openchlai/ai-sub002/internal/audio"
	"github.com/openchlai/ai-sub002/internal/config"
	"github.com/openchlai/ai-sub002/internal/dispatch"
	"github.com/openchlai/ai-sub002/internal/metrics"
	"github.com/openchlai/ai-sub002/internal/queue"
	"github.com/openchlai/ai-sub002/internal/queue/pgqueue"
	"github.com/openchlai/ai-sub002/internal/server"
	"github.com/openchlai/ai-sub002/internal/session"
	"github.com/openchlai/ai-sub002/internal/store"
	"github.com/openchlai/ai-sub002/internal/store/pgstore"
	"github.com/openchlai/ai-sub002/internal/store/redisstore"
	"github.com/openchlai/ai-sub002/internal/tracing"
	"github.com/openchlai/ai-sub002/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "callstream"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envPath := flag.String("env", ".env", "Path to an optional .env file")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	if cfg.Server.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.NodeID = host
		}
	}

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
		slog.String("node_id", cfg.Server.NodeID),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("tcp_port", cfg.Server.TCPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_connections", cfg.Server.MaxConcurrentConnections),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("frame_duration_ms", cfg.Audio.FrameDurationMS),
		slog.Float64("window_duration", cfg.Audio.WindowDuration),
		slog.Float64("overlap_duration", cfg.Audio.OverlapDuration),
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("queue_backend", cfg.Queue.Backend),
		slog.Bool("archive_enabled", cfg.Archive.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: serviceVersion,
		Exporter:       cfg.Tracing.Exporter,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Error("Failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	sessionStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Error("Failed to open session store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session store initialized", slog.String("backend", cfg.Store.Backend))

	var callArchive archive.Archive
	if cfg.Archive.Enabled {
		callArchive, err = archive.NewBadger(archive.BadgerConfig{
			Path:      cfg.Archive.Path,
			Retention: cfg.Archive.GetRetentionDuration(),
		})
		if err != nil {
			logger.Error("Failed to open call archive", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Call archive initialized", slog.String("path", cfg.Archive.Path))
	}

	jobQueue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		logger.Error("Failed to open job queue", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Job queue initialized", slog.String("backend", cfg.Queue.Backend))

	byteOrder, err := audio.ParseByteOrder(cfg.Audio.ByteOrder)
	if err != nil {
		logger.Error("Invalid byte order", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var gate *vad.Processor
	if cfg.Dispatch.SkipSilentWindows || cfg.Audio.SpeechThreshold > 0 {
		gate, err = vad.NewProcessor(cfg.Audio.SpeechThreshold, cfg.Audio.FullScaleRMS)
		if err != nil {
			logger.Error("Failed to create speech gate", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	registry := session.NewRegistry(session.Config{
		SubstanceThreshold:  cfg.Session.SubstanceThreshold,
		CreateFailurePolicy: session.CreateFailurePolicy(cfg.Session.CreateFailurePolicy),
		DefaultMode:         session.Mode(cfg.Session.DefaultMode),
		DefaultPlan:         cfg.Session.Plan,
		CompletionBuffer:    cfg.Session.CompletionBuffer,
		StitchMaxWords:      cfg.Session.StitchMaxWords,
		NodeID:              cfg.Server.NodeID,
	}, sessionStore, callArchive, appMetrics, logger)

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Workers:             cfg.Dispatch.Workers,
		QueueSize:           cfg.Dispatch.QueueSize,
		SaturationThreshold: cfg.Dispatch.SaturationThreshold,
		SkipSilentWindows:   cfg.Dispatch.SkipSilentWindows,
		LeaseTimeout:        cfg.Dispatch.GetLeaseTimeoutDuration(),
		InteractiveCapacity: cfg.Dispatch.InteractiveCapacity,
		BatchCapacity:       cfg.Dispatch.BatchCapacity,
		SubmitTimeout:       cfg.Dispatch.GetSubmitTimeoutDuration(),
		ByteOrder:           byteOrder,
	}, jobQueue, registry, gate, appMetrics, logger)
	registry.SetFinalizer(dispatcher)

	reaper := session.NewReaper(registry, cfg.Session.GetIdleTimeoutDuration(),
		cfg.Session.GetReaperIntervalDuration(), logger)
	reaper.AddHook(dispatcher.ExpireLeases)

	// Initialize TCP ingest server
	tcpServer, err := server.NewTCPServer(server.TCPConfig{
		BindAddress:     cfg.Server.BindAddress,
		Port:            cfg.Server.TCPPort,
		MaxConnections:  cfg.Server.MaxConcurrentConnections,
		HeaderDelimiter: byte(cfg.Server.HeaderDelimiter),
		MaxHeaderLength: cfg.Server.MaxHeaderLength,
		HeaderTimeout:   cfg.Server.GetHeaderTimeoutDuration(),
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		ShutdownTimeout: cfg.Server.GetShutdownTimeoutDuration(),
		NodeID:          cfg.Server.NodeID,
		SampleRate:      cfg.Audio.SampleRate,
		FrameDurationMS: cfg.Audio.FrameDurationMS,
		StrictFrames:    cfg.Audio.StrictFramesEnabled(),
		ByteOrder:       byteOrder,
		WindowDuration:  cfg.Audio.GetWindowDuration(),
		OverlapDuration: cfg.Audio.GetOverlapDuration(),
	}, registry, dispatcher, appMetrics, logger)
	if err != nil {
		logger.Error("Failed to create TCP server", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("TCP server initialized")

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpConfig := server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
		}
		httpServer = server.NewHTTPServer(httpConfig, logger, cfg, registry, dispatcher, jobQueue, tcpServer, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Background loops stop when loopCtx is cancelled during shutdown
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		registry.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})

	dispatcher.Start()

	if err := tcpServer.Start(); err != nil {
		logger.Error("Failed to start TCP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("tcp_address", tcpServer.Addr().String()),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop TCP server first: live calls flush their last window and end
	if err := tcpServer.Stop(); err != nil {
		logger.Error("Error stopping TCP server", slog.String("error", err.Error()))
	}

	// Drain windows still waiting for submission
	dispatcher.Close()

	// Completions for the drained jobs may still arrive over HTTP until here
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		shutdownCancel()
	}

	// Registry.Run applies the completions left in its inbox before returning
	stopLoops()
	if err := g.Wait(); err != nil {
		logger.Error("Background loop failed", slog.String("error", err.Error()))
	}

	if err := jobQueue.Close(); err != nil {
		logger.Error("Error closing job queue", slog.String("error", err.Error()))
	}
	if callArchive != nil {
		if err := callArchive.Close(); err != nil {
			logger.Error("Error closing call archive", slog.String("error", err.Error()))
		}
	}
	if err := sessionStore.Close(); err != nil {
		logger.Error("Error closing session store", slog.String("error", err.Error()))
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Error("Error flushing traces", slog.String("error", err.Error()))
	}
	flushCancel()

	// Get final statistics
	stats := tcpServer.GetStatistics()
	sessions := registry.Stats()
	dispatched := dispatcher.Status().Stats
	logger.Info("Final service statistics",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("bytes_received", stats.BytesReceived),
		slog.Uint64("protocol_anomalies", stats.ProtocolAnomalies),
		slog.Uint64("sessions_started", sessions.Started),
		slog.Uint64("end_of_call_jobs", sessions.EndOfCallJobs),
		slog.Uint64("jobs_submitted", dispatched.JobsSubmitted),
		slog.Uint64("jobs_failed", dispatched.JobsFailed),
	)

	logger.Info("Service stopped")
}

// openStore connects the configured shared session store
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch cfg.Backend {
	case "redis":
		return redisstore.New(connectCtx, redisstore.Config{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			ActiveKey: cfg.Redis.ActiveKey,
			TTL:       cfg.GetTTLDuration(),
		})
	case "postgres":
		st, err := pgstore.New(connectCtx, cfg.Postgres.DSN, cfg.GetTTLDuration())
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(connectCtx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	default:
		return store.NewMemory(cfg.GetTTLDuration()), nil
	}
}

// openQueue connects the configured analysis job queue
func openQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, error) {
	switch cfg.Backend {
	case "http":
		return queue.NewHTTPQueue(queue.HTTPConfig{
			Endpoint:      cfg.HTTP.Endpoint,
			APIKey:        cfg.HTTP.APIKey,
			Timeout:       cfg.HTTP.GetTimeoutDuration(),
			MaxRetries:    cfg.HTTP.MaxRetries,
			MaxConcurrent: cfg.HTTP.MaxConcurrent,
			UserAgent:     serviceName + "/" + serviceVersion,
		})
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		q, err := pgqueue.New(connectCtx, cfg.Postgres.DSN, cfg.Postgres.Channel)
		if err != nil {
			return nil, err
		}
		if err := q.Migrate(connectCtx); err != nil {
			q.Close()
			return nil, err
		}
		return q, nil
	default:
		return queue.NewMemory(), nil
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}
