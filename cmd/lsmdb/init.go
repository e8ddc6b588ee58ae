package main

import (
	"fmt"
	"io"
	"log/slog"

	"lsmkv/pkg/config"
)

// initConfig loads the YAML config at path. A missing file yields config.Default().
// A non-empty dataDir overrides the configured data path.
func initConfig(path, dataDir string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if dataDir != "" {
		cfg.Persistence.RootPath = dataDir
	}
	return cfg, cfg.Validate()
}

// initLogger builds the JSON or text logger described by cfg and makes it the default.
func initLogger(cfg config.LoggerConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel(), AddSource: cfg.SlogLevel() == slog.LevelDebug}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
