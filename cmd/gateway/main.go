// Command gateway runs the integration gateway: configuration loading,
// application wiring, and graceful shutdown on SIGINT/SIGTERM. Grounded on
// the teacher's cmd/appserver/main.go flag/env resolution conventions,
// adapted to this repo's functional-options app.New constructor.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	app "github.com/r3e-network/integration-gateway/internal/app"
	"github.com/r3e-network/integration-gateway/pkg/config"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "path to configuration file (JSON or YAML)")
	apiTokensFlag := flag.String("api-tokens", "", "comma-separated bearer tokens for the operator API")
	flag.Parse()

	var cfg *config.Config
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		loaded, err := loadConfigFile(trimmed)
		if err != nil {
			log.Fatalf("load config %s: %v", trimmed, err)
		}
		cfg = loaded
	} else {
		loaded, err := config.Load()
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	if dsnVal := resolveDSN(*dsn); dsnVal != "" {
		cfg.Database.DSN = dsnVal
	}

	opts := []app.Option{app.WithConfig(cfg)}
	if addrVal := strings.TrimSpace(*addr); addrVal != "" {
		opts = append(opts, app.WithListenAddr(addrVal))
	}
	if tokens := resolveAPITokens(*apiTokensFlag); len(tokens) > 0 {
		opts = append(opts, app.WithAuthTokens(tokens))
	}

	application, err := app.New(opts...)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	select {
	case err := <-runErr:
		if err != nil {
			log.Fatalf("application exited: %v", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func loadConfigFile(path string) (*config.Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return config.LoadFile(path)
	case ".json":
		return config.LoadConfig(path)
	default:
		if cfg, err := config.LoadFile(path); err == nil {
			return cfg, nil
		}
		return config.LoadConfig(path)
	}
}

func resolveDSN(flagDSN string) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(os.Getenv("DATABASE_URL"))
}

func resolveAPITokens(flagTokens string) []string {
	var tokens []string
	tokens = append(tokens, splitTokens(flagTokens)...)
	tokens = append(tokens, splitTokens(os.Getenv("API_TOKENS"))...)
	if token := strings.TrimSpace(os.Getenv("API_TOKEN")); token != "" {
		tokens = append(tokens, token)
	}
	return tokens
}

func splitTokens(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return trimmed
}
