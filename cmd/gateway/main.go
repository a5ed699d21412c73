// Command gateway is the inference gateway server.
//
// It reads configuration from config.yaml (or CONFIG_FILE, or -config) and
// environment variables, builds the provider pool and serves the inference
// API on the configured port.
//
// Quick-start with a single hosted provider:
//
//	OPENAI_API_KEY=sk-... ./gateway -config config.example.yaml
//
// See config.example.yaml for the providers, agents and pricing sections.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/inference-gateway/internal/app"
	"github.com/nulpointcorp/inference-gateway/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML config file (overrides CONFIG_FILE)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return 0
	}
	if *configPath != "" {
		_ = os.Setenv("CONFIG_FILE", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}

	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup_failed", slog.String("error", err.Error()))
		return 1
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway_stopped", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("gateway_stopped")
	return 0
}

// buildLogger returns a JSON logger at level. Unknown levels mean info;
// debug also records the call site.
func buildLogger(level string) *slog.Logger {
	var lv slog.LevelVar
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     &lv,
		AddSource: lv.Level() <= slog.LevelDebug,
	}))
}
