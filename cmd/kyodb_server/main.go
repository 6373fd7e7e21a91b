package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kyodb/kyodb/core/engine"
	"github.com/kyodb/kyodb/pkg/logger"
	"github.com/kyodb/kyodb/pkg/telemetry"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config is the server configuration file layout.
type Config struct {
	Listen    string           `yaml:"listen"`
	Logging   logger.Config    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Engine    engine.Config    `yaml:"engine"`
}

func defaultConfig() Config {
	return Config{
		Listen: ":8687",
		Logging: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			Enabled:     true,
			ServiceName: "kyodb",
		},
		Engine: engine.Config{
			DataDir: "data",
		},
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kyodb: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Engine.DataDir = *dataDir
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kyodb: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telShutdown(shutdownCtx); err != nil {
			log.Error("telemetry shutdown failed", zap.Error(err))
		}
	}()

	db, err := engine.Open(cfg.Engine, log, tel.Meter)
	if err != nil {
		log.Fatal("failed to open engine", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/prepared", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(db.Prepared()); err != nil {
			log.Error("failed to encode prepared transactions", zap.Error(err))
		}
	})

	server := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Listen))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	if err := db.Close(); err != nil {
		log.Error("engine shutdown failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}
