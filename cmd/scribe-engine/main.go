package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	scribeengine "github.com/snarg/scribe-engine"
	"github.com/snarg/scribe-engine/internal/api"
	"github.com/snarg/scribe-engine/internal/audio"
	"github.com/snarg/scribe-engine/internal/config"
	"github.com/snarg/scribe-engine/internal/database"
	"github.com/snarg/scribe-engine/internal/events"
	"github.com/snarg/scribe-engine/internal/metrics"
	"github.com/snarg/scribe-engine/internal/models"
	"github.com/snarg/scribe-engine/internal/storage"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "upload storage directory")
	flag.StringVar(&overrides.ModelsDir, "models-dir", "", "offline models directory")
	flag.IntVar(&overrides.Workers, "workers", 0, "transcription workers")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("scribe-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.WorkDir).Msg("failed to create work directory")
	}

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolConfig{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Startup:  cfg.DBStartupTimeout,
	}, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.InitSchema(ctx, scribeengine.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Offline model registry
	modelsLog := log.With().Str("component", "models").Logger()
	catalog, err := config.LoadCatalog(cfg.ModelsCatalogFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.ModelsCatalogFile).Msg("failed to load model catalog")
	}
	registry := models.NewRegistry(models.Options{
		Root:            cfg.ModelsDir,
		Catalog:         catalog,
		DefaultLanguage: cfg.DefaultLanguage,
		Log:             modelsLog,
	})
	log.Info().Int("models", registry.ModelCount()).Str("dir", cfg.ModelsDir).Msg("offline models registered")
	if cfg.ModelsWatch {
		watcher := models.NewWatcher(registry, 2*time.Second, modelsLog)
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("model directory watcher disabled")
		} else {
			defer watcher.Stop()
		}
	}

	// Audio tooling
	normalizer := audio.NewNormalizer(audio.NormalizerOptions{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		WorkDir:     cfg.WorkDir,
		Timeout:     cfg.NormalizeTimeout,
		Log:         log.With().Str("component", "audio").Logger(),
	})
	if !normalizer.Available() {
		log.Warn().Str("ffmpeg", cfg.FFmpegPath).Msg("ffmpeg not found; non-WAV audio cannot be transcribed offline")
	}

	// Recognition backends
	engine, err := transcribe.NewVoskEngine()
	if err != nil {
		log.Info().Err(err).Msg("offline engine not available")
		engine = nil
	}
	factory := transcribe.NewFactory(transcribe.FactoryOptions{
		Standard: transcribe.StandardOptions{
			URL:     cfg.Whisper.URL,
			Timeout: cfg.Whisper.Timeout,
		},
		Fast: transcribe.FastOptions{
			URL:                    cfg.Fast.URL,
			Timeout:                cfg.Fast.Timeout,
			ModelPrefix:            cfg.Fast.ModelPrefix,
			ComputeType:            cfg.Fast.ComputeType,
			CPUBeamSize:            cfg.Fast.CPUBeamSize,
			GPUBeamSize:            cfg.Fast.GPUBeamSize,
			VADFilter:              cfg.Fast.VADFilter,
			VADMinSilenceMs:        cfg.Fast.VADMinSilenceMs,
			VADThreshold:           cfg.Fast.VADThreshold,
			CPUConditionOnPrevious: cfg.Fast.CPUConditionOnPrevious,
			CompressionRatioThresh: cfg.Fast.CompressionRatioThresh,
			LogProbThreshold:       cfg.Fast.LogProbThreshold,
			CPUThreads:             cfg.Fast.CPUThreads,
		},
		Offline: transcribe.OfflineOptions{
			Engine:      engine,
			Models:      registry,
			Audio:       normalizer,
			SampleRate:  cfg.Offline.SampleRate,
			ChunkFrames: cfg.Offline.ChunkFrames,
		},
		Log: log.With().Str("component", "transcribe").Logger(),
	})
	defer factory.Close()

	// Audio storage
	storageLog := log.With().Str("component", "storage").Logger()
	store, services, err := storage.New(cfg.S3, cfg.AudioDir, cfg.WorkDir, cfg.WorkRetention, storageLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audio storage")
	}
	for _, svc := range services {
		svc.Start()
		defer svc.Stop()
	}
	log.Info().Str("type", store.Type()).Str("dir", cfg.AudioDir).Msg("audio storage ready")

	// Status events
	bus := events.NewBus(1024)
	sinks := []events.Sink{bus}
	var mqttConn api.ConnChecker
	if cfg.MQTT.Enabled() {
		pub, err := events.ConnectMQTT(events.MQTTOptions{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Log:         log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		mqttConn = pub
	}

	// Job runner
	runner := transcribe.NewRunner(transcribe.RunnerOptions{
		Store:        db,
		Backends:     factory,
		Audio:        store,
		Inspector:    normalizer,
		Device:       cfg.Device,
		Workers:      cfg.Jobs.Workers,
		QueueSize:    cfg.Jobs.QueueSize,
		MaxAttempts:  cfg.Jobs.MaxAttempts,
		RetryDelay:   cfg.Jobs.RetryDelay,
		Timeout:      cfg.Jobs.Timeout,
		SoftTimeout:  cfg.Jobs.SoftTimeout,
		PublishEvent: events.Fanout(sinks...),
		Log:          log.With().Str("component", "runner").Logger(),
	})
	if n, err := runner.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to reconcile stale recordings")
	} else if n > 0 {
		log.Info().Int("reset", n).Msg("stale recordings returned to uploaded")
	}
	runner.Start()

	prometheus.MustRegister(metrics.NewCollector(db.Pool, runner, registry))

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, api.Deps{
		DB:        db,
		Store:     db,
		Runner:    runner,
		Audio:     store,
		Validator: normalizer,
		Models:    registry,
		Backends:  factory,
		Events:    bus,
		MQTT:      mqttConn,
	}, version, startTime, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	runner.Stop()

	log.Info().Msg("scribe-engine stopped")
}
