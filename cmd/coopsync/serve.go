package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/coopsync/coopsync/internal/api"
	"github.com/coopsync/coopsync/internal/catalog"
	"github.com/coopsync/coopsync/internal/config"
	"github.com/coopsync/coopsync/internal/influx"
	"github.com/coopsync/coopsync/internal/logging"
	"github.com/coopsync/coopsync/internal/monitor"
	intOtel "github.com/coopsync/coopsync/internal/otel"
	"github.com/coopsync/coopsync/internal/server"
	"github.com/coopsync/coopsync/internal/storage"
)

func serve(configDir string, debug bool) error {
	sessionStart := time.Now()

	// Initialize slog manager with initial config
	slogManager := logging.NewSlogManager()
	slogManager.Setup(nil, "INFO", nil)
	logger := slogManager.Logger()

	// load config
	if err := config.Load(configDir); err != nil {
		if !config.IsNotFound(err) {
			return err
		}
		logger.Warn("No config file found, using defaults!", "dir", configDir, "file", config.FileName)
	} else {
		logger.Info("Loaded config", "dir", configDir)
	}

	level := config.GetString("logLevel")
	if debug {
		level = "DEBUG"
	}

	// create logs dir if it doesn't exist
	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}
	logFilePath := logging.LogFilePath(logsDir, ServiceName, sessionStart)
	logFile, err := os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()
	out := io.MultiWriter(os.Stdout, logFile)

	// Initialize OTel provider if enabled (after log file is created)
	otelCfg := config.GetOTelConfig()
	otelProvider, err := intOtel.New(intOtel.FromSettings(
		otelCfg.Enabled, otelCfg.ServiceName, otelCfg.BatchTimeout, otelCfg.Endpoint, otelCfg.Insecure, logFile))
	if err != nil {
		return fmt.Errorf("initializing otel: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "otel shutdown: %v\n", err)
		}
	}()

	// Re-setup logging with file output, client count and optional OTel
	var current atomic.Pointer[server.Server]
	slogManager.Context = func() []slog.Attr {
		srv := current.Load()
		if srv == nil {
			return nil
		}
		return []slog.Attr{slog.Int("clients", srv.ClientCount())}
	}
	slogManager.Setup(out, level, otelProvider.LoggerProvider())
	logger = slogManager.Logger()
	logger.Info("Logging to file", "path", logFilePath, "version", Version, "otel", otelProvider.Enabled())

	serverCfg := config.GetServerConfig()
	fs := afero.NewOsFs()

	cat, err := catalog.Build(fs, serverCfg.FilesDir, logger)
	if err != nil {
		return err
	}

	store, err := storage.NewBackend(config.GetStorageConfig(), storage.Dependencies{
		ServerName: serverCfg.Name,
		DB:         config.GetDBConfig(),
		Fs:         fs,
		Logger:     logger,
		DBLogger:   logging.NewZerolog(level, out, "database"),
	})
	if err != nil {
		return err
	}
	if err := store.Init(); err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	var influxManager *influx.Manager
	if influxCfg := config.GetInfluxConfig(); influxCfg.Enabled {
		influxManager = influx.NewManager(influxCfg, logging.NewZerolog(level, out, "influx"),
			filepath.Join(logsDir, fmt.Sprintf("%s_influx_%s.lp.gz", ServiceName, sessionStart.Format("20060102_150405"))))
		if err := influxManager.Connect(); err != nil {
			logger.Warn("Failed to connect to InfluxDB", "error", err)
			influxManager = nil
		} else {
			defer influxManager.Close()
		}
	}

	tr, err := newTransport(config.GetTransportConfig(), logger)
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Transport: tr,
		Catalog:   cat,
		Storage:   store,
		Logger:    logger,
	}
	monitorDeps := monitor.Dependencies{
		Recorder:         store,
		Fs:               fs,
		StatusFile:       serverCfg.StatusFile,
		ServerName:       serverCfg.Name,
		SnapshotInterval: serverCfg.SnapshotInterval,
		Logger:           logger,
	}
	if influxManager != nil {
		deps.Influx = influxManager
		monitorDeps.Influx = influxManager
	}

	srv, err := server.New(server.Options{
		Name:           serverCfg.Name,
		TickRate:       serverCfg.TickRate,
		MaxClients:     serverCfg.MaxClients,
		OwnershipGrace: serverCfg.OwnershipGrace,
		AckTimeout:     serverCfg.AckTimeout,
		MaxRetries:     serverCfg.MaxRetries,
	}, deps)
	if err != nil {
		return err
	}
	current.Store(srv)
	monitorDeps.Source = srv

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitorService := monitor.NewService(monitorDeps)
	if err := monitorService.Start(ctx); err != nil {
		logger.Warn("Failed to start status monitor", "error", err)
	}

	masterCfg := config.GetMasterConfig()
	var master *api.Client
	if masterCfg.Enabled {
		master = api.New(masterCfg.URL, masterCfg.APIKey)
		if err := master.Healthcheck(); err != nil {
			logger.Warn("Master server unreachable", "url", masterCfg.URL, "error", err)
		}
		transportCfg := config.GetTransportConfig()
		go master.RunAnnouncer(ctx, masterCfg.Interval, func() api.ServerInfo {
			return api.ServerInfo{
				Name:       serverCfg.Name,
				Address:    tr.Addr(),
				Transport:  transportCfg.Type,
				Players:    srv.ClientCount(),
				MaxPlayers: serverCfg.MaxClients,
				Version:    Version,
			}
		}, logger)
	}

	runErr := srv.Run(ctx)
	stop()
	monitorService.Stop()

	if err := store.Close(); err != nil {
		logger.Error("Failed to close storage", "error", err)
	}
	if exp, ok := store.(storage.Exportable); ok && master != nil {
		uploadRecording(master, exp.ExportedFilePath(), api.UploadMetadata{
			ServerName: serverCfg.Name,
			Sessions:   srv.SessionCount(),
			Duration:   time.Since(sessionStart),
		}, logger)
	}

	if err := slogManager.Flush(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "log flush: %v\n", err)
	}
	return runErr
}

func uploadRecording(master *api.Client, path string, meta api.UploadMetadata, logger *slog.Logger) {
	if path == "" {
		return
	}
	if err := master.Upload(path, meta); err != nil {
		logger.Error("Failed to upload recording", "path", path, "error", err)
		return
	}
	logger.Info("Uploaded recording", "path", path)
}
