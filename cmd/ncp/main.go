// main is the NCP entrypoint: a long-lived process speaking MCP to one
// upstream client while multiplexing N downstream MCP servers.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/viper"

	"github.com/portel-dev/ncp/internal/cache"
	"github.com/portel-dev/ncp/internal/config"
	"github.com/portel-dev/ncp/internal/discovery"
	"github.com/portel-dev/ncp/internal/health"
	"github.com/portel-dev/ncp/internal/internalmcp"
	"github.com/portel-dev/ncp/internal/orchestrator"
	"github.com/portel-dev/ncp/internal/scheduler"
	"github.com/portel-dev/ncp/internal/state"
)

const (
	exitOK             = 0
	exitConfigError    = 1
	exitProtocolError  = 2
	exitSignalShutdown = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var listenAddr string
	flag.StringVar(&listenAddr, "listen", "", "HTTP listen address; stdio is used when empty")
	flag.Parse()

	log := newLogger()

	configDir := resolveConfigDir()
	if err := loadProcessConfig(configDir); err != nil {
		log.Error("load process config", "error", err)
		return exitConfigError
	}

	profile := os.Getenv("NCP_PROFILE")
	if profile == "" {
		profile = config.AllProfileName
	}

	orch, cleanup, err := buildOrchestrator(configDir, log)
	if err != nil {
		log.Error("build orchestrator", "error", err)
		return exitConfigError
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if os.Getenv("NCP_DISABLE_BACKGROUND_INIT") == "" {
		if err := orch.Initialize(ctx, profile); err != nil {
			log.Error("initialize profile", "profile", profile, "error", err)
			return exitConfigError
		}
	}

	mcpServer := server.NewMCPServer("ncp", "0.1.0", server.WithToolCapabilities(true))
	mcpServer.AddTools(orch.ServerTools()...)
	mcpServer.AddTools(internalmcp.MCPTools(orch)...)
	mcpServer.AddTools(internalmcp.ScheduleTools(orch)...)

	serveErr := make(chan error, 1)
	go func() {
		if listenAddr != "" {
			log.Info("serving MCP over HTTP", "addr", listenAddr)
			httpServer := server.NewStreamableHTTPServer(mcpServer)
			serveErr <- httpServer.Start(listenAddr)
			return
		}
		log.Info("serving MCP over stdio")
		serveErr <- server.ServeStdio(mcpServer)
	}()

	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
		shutdownMS := envDurationMS("SHUTDOWN_MS", 10*time.Second)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownMS)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown", "error", err)
		}
		return exitSignalShutdown
	case err := <-serveErr:
		if err != nil {
			log.Error("serve error", "error", err)
			return exitProtocolError
		}
		return exitOK
	}
}

func newLogger() *slog.Logger {
	var handler slog.Handler
	if os.Getenv("NCP_DEBUG") != "" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	return slog.New(handler)
}

func resolveConfigDir() string {
	if dir := os.Getenv("NCP_CONFIG_PATH"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ncp"
	}
	return filepath.Join(home, ".ncp")
}

// loadProcessConfig loads <configDir>/ncp.yaml via viper, if present.
// Missing process config is not an error. No value is read back from viper;
// the settings in use come from the -listen flag and environment variables.
func loadProcessConfig(configDir string) error {
	viper.SetConfigName("ncp")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.SetEnvPrefix("NCP")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}
	return nil
}

func buildOrchestrator(configDir string, log *slog.Logger) (*orchestrator.Orchestrator, func(), error) {
	store, err := config.NewStore(configDir, log)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Watch(); err != nil {
		log.Warn("profile watch disabled", "error", err)
	}

	toolCache, err := cache.New(configDir, log)
	if err != nil {
		return nil, nil, err
	}

	engine, err := discovery.New()
	if err != nil {
		return nil, nil, err
	}

	supervisor := health.New(log)
	states := state.New(log)

	orch := orchestrator.New(store, toolCache, engine, supervisor, states, nil, log)

	sched, err := scheduler.New(configDir, orch, nil, log)
	if err != nil {
		return nil, nil, err
	}
	orch.AttachScheduler(sched)
	sched.Start()

	if err := orch.IndexInternalTools(); err != nil {
		log.Warn("index internal MCP hosts failed", "error", err)
	}

	cleanup := func() {
		_ = store.Close()
	}
	return orch, cleanup, nil
}

func envDurationMS(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	ms, err := time.ParseDuration(v + "ms")
	if err != nil {
		return fallback
	}
	return ms
}
