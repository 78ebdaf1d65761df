package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/bgp-beacon/internal/config"
	"github.com/route-beacon/bgp-beacon/internal/control"
	"github.com/route-beacon/bgp-beacon/internal/metrics"
	"github.com/route-beacon/bgp-beacon/internal/server"
)

func main() {
	configPath, logLevelOverride, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevelOverride != "" {
		cfg.Global.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Global.LogLevel)
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting beacond",
		zap.Uint32("asn", cfg.Global.ASN),
		zap.String("router_id", cfg.Global.RouterID),
		zap.Int("peers", len(cfg.Peers)),
		zap.Bool("archive", cfg.Archive.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := server.New(cfg, logger)
	if err := sup.Start(ctx); err != nil {
		logger.Fatal("supervisor start failed", zap.Error(err))
	}

	ctl := control.NewServer(sup, configPath, cfg.Global.ControlSocket, cancel, logger)
	ctlDone := make(chan error, 1)
	go func() { ctlDone <- ctl.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("shutdown requested via control socket")
	case err := <-ctlDone:
		if err != nil {
			logger.Error("control server failed", zap.Error(err))
		}
	}

	cancel()
	sup.Stop()
	logger.Info("beacond stopped")
}

func parseFlags(args []string) (configPath, logLevel string, err error) {
	configPath = "beacond.toml"
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return "", "", fmt.Errorf("missing value for %s", args[i])
			}
			configPath = args[i+1]
			i++
		case "--log-level":
			if i+1 >= len(args) {
				return "", "", fmt.Errorf("missing value for --log-level")
			}
			logLevel = args[i+1]
			i++
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		default:
			return "", "", fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	return configPath, logLevel, nil
}

func printUsage() {
	fmt.Println("Usage: beacond [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>    Path to configuration TOML file (default beacond.toml)")
	fmt.Println("  --log-level <lvl>  Override log level (debug, info, warn, error)")
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
