package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"goldflow/config"
	"goldflow/dashboard"
	"goldflow/logger"
	"goldflow/pipeline"
	"goldflow/processor"
	"goldflow/reader/binance"
	"goldflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	once := flag.Bool("once", false, "Sample every stream a single time and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Goldflow.Name,
		"version": cfg.Goldflow.Version,
		"symbol":  cfg.Source.Binance.Symbol,
	}).Info("starting goldflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Storage.S3.Enabled && cfg.Storage.S3.Region != "" {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "")
	}
	if cfg.Monitor.ReportInterval > 0 {
		logger.StartReport(ctx, log, cfg.Monitor.ReportInterval)
	}

	client := binance.NewClient(cfg)
	if cfg.Source.Binance.ValidateSymbol {
		if err := client.ValidateSymbol(ctx); err != nil {
			log.WithError(err).Error("symbol validation failed")
			os.Exit(1)
		}
	}

	extractor := processor.NewExtractor(cfg)

	streamWriter, err := writer.NewStreamWriter(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create stream writer")
		os.Exit(1)
	}
	defer streamWriter.Close()

	var archiver *writer.Archiver
	if cfg.Storage.S3.Enabled {
		archiver, err = writer.NewArchiver(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping archiver")
	}

	// pipeline.Archiver is an interface; a typed-nil *Archiver must not
	// leak into it.
	var archiverSink pipeline.Archiver
	if archiver != nil {
		archiverSink = archiver
	}

	orchestrator := pipeline.NewOrchestrator(cfg, client, extractor, streamWriter, archiverSink, nil)

	if *once {
		if archiver != nil {
			if err := archiver.Start(ctx); err != nil {
				log.WithError(err).Error("failed to start archiver")
				os.Exit(1)
			}
		}
		orchestrator.RunOnce(ctx)
		if archiver != nil {
			archiver.Stop()
		}
		log.Info("one-shot sampling completed")
		return
	}

	if archiver != nil {
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archiver")
			os.Exit(1)
		}
	}

	if err := orchestrator.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start orchestrator")
		os.Exit(1)
	}

	dash := dashboard.NewServer(cfg.Dashboard, orchestrator)
	if dash != nil {
		go func() {
			if err := dash.Run(ctx, cfg.Goldflow.Name); err != nil {
				log.WithError(err).Warn("dashboard exited with error")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		orchestrator.Stop()
		if archiver != nil {
			log.Info("stopping archiver")
			archiver.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("goldflow stopped")
}
