// dlsnode is the storage node process: it loads its INI configuration
// and credentials file, brings up the storage core (executor, registry,
// resource pool, node facade), and keeps it alive — checkpointing size
// counters periodically — until asked to shut down. The wire protocol
// that would dispatch client requests into the node facade is an
// out-of-scope collaborator; this binary only proves the core runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/sociomantic-tsunami/dlsnode/internal/asyncio"
	"github.com/sociomantic-tsunami/dlsnode/internal/checkpoint"
	"github.com/sociomantic-tsunami/dlsnode/internal/config"
	"github.com/sociomantic-tsunami/dlsnode/internal/node"
	"github.com/sociomantic-tsunami/dlsnode/internal/pool"
	"github.com/sociomantic-tsunami/dlsnode/internal/registry"
	"github.com/sociomantic-tsunami/dlsnode/internal/version"
)

// checkpointInterval is how often open channels' size counters are
// persisted while the node is running.
const checkpointInterval = 30 * time.Second

// poolBufferBytes sizes scratch buffers the resource pool hands out.
const poolBufferBytes = 4096

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(log.Writer(), &slog.HandlerOptions{Level: lvl}))
}

func main() {
	configPath := flag.String("config", "dlsnode.ini", "Path to the node's INI configuration file")
	credentialsPath := flag.String("credentials", "dlsnode.credentials", "Path to the colon-delimited credentials file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dlsnode v%s (built %s)\n", version.Version, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("dlsnode: loading config: %v", err)
	}

	creds, err := config.LoadCredentials(*credentialsPath)
	if err != nil {
		log.Fatalf("dlsnode: loading credentials: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("dlsnode starting",
		"version", version.Version,
		"data_dir", cfg.DataDir,
		"checkpoint_dir", cfg.CheckpointDir,
		"clients_configured", len(creds))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("dlsnode: creating data directory: %v", err)
	}

	ckpt, err := checkpoint.NewStore(cfg.CheckpointDir)
	if err != nil {
		log.Fatalf("dlsnode: creating checkpoint store: %v", err)
	}

	workers := runtime.NumCPU()
	exec := asyncio.NewExecutor(workers, logger)
	defer exec.Close()

	reg := registry.New(registry.Options{
		DataDir:     cfg.DataDir,
		MaxValueLen: cfg.MaxValueLen,
		Exec:        exec,
		Logger:      logger,
		Checkpoint:  ckpt,
	})
	defer reg.Close()

	n := node.New(node.Options{
		DataDir:  cfg.DataDir,
		Registry: reg,
		Pool:     pool.New(poolBufferBytes),
		Exec:     exec,
		Logger:   logger,
	})
	_ = n // handed off to the (out-of-scope) protocol layer in a full deployment

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("dlsnode ready",
		"legacy_port", cfg.LegacyPort,
		"neo_port", cfg.NeoPort,
		"control_socket", cfg.ControlSocketPath)

	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()

runLoop:
	for {
		select {
		case <-ctx.Done():
			break runLoop
		case <-ticker.C:
			if err := reg.CheckpointAll(); err != nil {
				logger.Warn("periodic checkpoint failed", "error", err)
			}
		}
	}

	if err := reg.CheckpointAll(); err != nil {
		logger.Warn("final checkpoint failed", "error", err)
	}
	logger.Info("dlsnode shutdown complete")
}
