// main package for the tts-api server
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-api/internal/artifact"
	"github.com/book-expert/tts-api/internal/audio"
	"github.com/book-expert/tts-api/internal/config"
	"github.com/book-expert/tts-api/internal/core"
	"github.com/book-expert/tts-api/internal/objectstore"
	"github.com/book-expert/tts-api/internal/observe"
	"github.com/book-expert/tts-api/internal/server"
	"github.com/book-expert/tts-api/internal/tts"
	"github.com/book-expert/tts-api/internal/worker"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	bootstrapLogFile = "tts-api-bootstrap.log"
	logFile          = "tts-api.log"
	natsClientName   = "tts-api"
	initTimeout      = 2 * time.Minute
	shutdownTimeout  = 10 * time.Second
)

// Log message formats.
const (
	logFmtConfigFailed    = "Failed to load configuration: %v"
	logFmtStarting        = "Starting TTS API: engine=%s model=%s device=%s"
	logFmtEngineReady     = "Engine %s ready with %d languages"
	logFmtNoFFmpeg        = "ffmpeg not found at %q, mp3 output will fail"
	logFmtNATSConnected   = "Connected to NATS at %s, mirroring artifacts to bucket %s"
	logFmtShutdownFailed  = "Shutdown of %s failed: %v"
	logFmtStartupSweep    = "Removed %d expired artifacts"
	logFmtStartupSweepErr = "Startup artifact sweep failed: %v"
)

// components are the long-lived pieces started by run.
type components struct {
	engine   core.Engine
	store    *artifact.Store
	metrics  *observe.Provider
	natsConn *nats.Conn
	mirror   *objectstore.NatsObjectStore
}

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

// loadConfig reads the configuration with a bootstrap logger in the system
// temp directory, since the log directory is itself configured.
func loadConfig() (*config.Config, error) {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return nil, err
	}

	defer func() { _ = bootstrapLog.Close() }()

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error(logFmtConfigFailed, err)

		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	err = cfg.EnsureDirectories()
	if err != nil {
		bootstrapLog.Error("Failed to create directories: %v", err)

		return nil, err
	}

	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := setupLogger(cfg.Paths.LogDir, logFile)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	log.System(logFmtStarting, cfg.Engine.Name, cfg.Engine.ModelName, cfg.Engine.Device)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := start(ctx, cfg, log)
	defer comps.close(log)

	if err != nil {
		log.Error("Startup failed: %v", err)

		return err
	}

	return serve(ctx, cfg, comps, log)
}

// start initializes the engine, artifact store, metrics and the optional NATS
// connection. The returned components are valid for close even on error.
func start(ctx context.Context, cfg *config.Config, log *logger.Logger) (*components, error) {
	comps := &components{}

	if cfg.Server.MetricsEnabled {
		provider, err := observe.NewProvider()
		if err != nil {
			return comps, err
		}

		comps.metrics = provider
	}

	engine, err := tts.NewEngine(cfg.Engine.Name, cfg, log)
	if err != nil {
		return comps, err
	}

	comps.engine = engine

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	err = engine.Initialize(initCtx)
	if err != nil {
		return comps, fmt.Errorf("failed to initialize engine %s: %w", engine.Name(), err)
	}

	log.Info(logFmtEngineReady, engine.Name(), len(engine.Languages()))

	store, err := artifact.NewStore(cfg.Paths.OutputDir, cfg.Paths.ArtifactMaxAge.Std(), log)
	if err != nil {
		return comps, err
	}

	comps.store = store

	if !cfg.NATSEnabled() {
		return comps, nil
	}

	conn, js, err := objectstore.Connect(cfg.NATS.URL, natsClientName)
	if err != nil {
		return comps, err
	}

	comps.natsConn = conn

	mirror, err := objectstore.New(ctx, js, cfg.NATS.AudioBucket, cfg.Paths.ArtifactMaxAge.Std())
	if err != nil {
		return comps, err
	}

	comps.mirror = mirror

	log.Info(logFmtNATSConnected, cfg.NATS.URL, mirror.Bucket())

	return comps, nil
}

// serve runs the HTTP server and, when a job subject is configured, the NATS
// worker until ctx is done.
func serve(ctx context.Context, cfg *config.Config, comps *components, log *logger.Logger) error {
	converter := audio.NewConverter(cfg.Paths.FFmpegPath)
	if !converter.Available() {
		log.Warn(logFmtNoFFmpeg, cfg.Paths.FFmpegPath)
	}

	defaultFormat, err := audio.ParseFormat(cfg.Synthesis.DefaultFormat, audio.FormatWAV)
	if err != nil {
		return err
	}

	deps := tts.Dependencies{
		Engine:    comps.engine,
		Store:     comps.store,
		Converter: converter,
	}

	opts := server.Options{
		Info: server.Info{
			Engine: comps.engine.Name(),
			Device: cfg.Engine.Device,
			Model:  cfg.Engine.ModelName,
		},
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Verbose:        cfg.Server.Debug,
	}

	if comps.metrics != nil {
		deps.Metrics = comps.metrics.Metrics()
		opts.Metrics = comps.metrics.Metrics()
		opts.MetricsHandler = comps.metrics.Handler()
	}

	if comps.mirror != nil {
		deps.Mirror = comps.mirror
	}

	service := tts.NewService(deps, tts.Defaults{
		Language:     cfg.Synthesis.DefaultLanguage,
		Format:       defaultFormat,
		ReferenceDir: cfg.ReferenceRoot(),
	}, log)

	removed, err := comps.store.Sweep(time.Now())
	if err != nil {
		log.Warn(logFmtStartupSweepErr, err)
	} else if removed > 0 {
		log.Info(logFmtStartupSweep, removed)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return server.New(service, opts, log).Run(groupCtx, cfg.Addr())
	})

	if comps.natsConn != nil && comps.mirror != nil && cfg.NATS.JobSubject != "" {
		jobs := worker.NewNatsWorker(comps.natsConn, comps.mirror, service, worker.Options{
			Subject:  cfg.NATS.JobSubject,
			Language: cfg.Synthesis.DefaultLanguage,
		}, log)

		group.Go(func() error {
			return jobs.Run(groupCtx)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.System("TTS API stopped")

	return nil
}

// close waits for background sweeps, then releases everything start acquired.
func (c *components) close(log *logger.Logger) {
	if c.store != nil {
		c.store.Wait()
	}

	if c.natsConn != nil {
		err := c.natsConn.Drain()
		if err != nil {
			log.Warn(logFmtShutdownFailed, "NATS connection", err)
		}
	}

	if c.engine != nil {
		err := c.engine.Close()
		if err != nil {
			log.Warn(logFmtShutdownFailed, "engine", err)
		}
	}

	if c.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := c.metrics.Shutdown(ctx)
		if err != nil {
			log.Warn(logFmtShutdownFailed, "metrics provider", err)
		}
	}
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
