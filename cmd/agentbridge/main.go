// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Agentbridge is a Matrix application service that projects board
// automation agents into a chat homeserver. Each eligible board gets a
// virtual Matrix user; messages that mention an agent, arrive in a DM
// with it, or land in the broadcast room are forwarded to the board's
// automation endpoint, and the reply is posted back as the agent.
//
// On startup:
//  1. Loads the YAML config and the appservice registration file.
//  2. Resolves or creates the broadcast room.
//  3. Syncs the board list and provisions an agent per eligible board.
//  4. Leaves orphaned agents from boards deleted while the bridge was
//     down.
//  5. Serves the appservice transaction API and re-syncs the board
//     list periodically.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/agentbridge/boards"
	"github.com/bureau-foundation/agentbridge/bridge"
	"github.com/bureau-foundation/agentbridge/chatlog"
	"github.com/bureau-foundation/agentbridge/history"
	"github.com/bureau-foundation/agentbridge/lib/clock"
	"github.com/bureau-foundation/agentbridge/lib/config"
	"github.com/bureau-foundation/agentbridge/lib/ref"
	"github.com/bureau-foundation/agentbridge/lib/secret"
	"github.com/bureau-foundation/agentbridge/messaging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listenAddr string
		verbose    bool
	)
	pflag.StringVar(&configPath, "config", "", "path to agentbridge.yaml (overrides AGENTBRIDGE_CONFIG)")
	pflag.StringVar(&listenAddr, "listen", "", "override appservice.listen_addr from the config")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("preparing data directory: %w", err)
	}
	if listenAddr == "" {
		listenAddr = cfg.Appservice.ListenAddr
	}

	registration, err := messaging.LoadRegistration(cfg.Appservice.RegistrationFile)
	if err != nil {
		return fmt.Errorf("loading registration: %w", err)
	}
	defer registration.Close()

	// The registration's sender_localpart is what the homeserver
	// believes; the config must agree or the loop guard would miss the
	// bridge's own messages.
	if registration.SenderLocalpart != cfg.Appservice.BotLocalpart {
		logger.Warn("bot localpart differs between config and registration, using registration",
			"config", cfg.Appservice.BotLocalpart,
			"registration", registration.SenderLocalpart,
		)
	}

	serverName, err := ref.ParseServerName(cfg.Homeserver.ServerName)
	if err != nil {
		return fmt.Errorf("invalid server name: %w", err)
	}
	botUser := ref.MatrixUserID(registration.SenderLocalpart, serverName)
	broadcastAlias, err := ref.NewRoomAlias(cfg.Appservice.BroadcastRoomAlias, serverName)
	if err != nil {
		return fmt.Errorf("invalid broadcast room alias: %w", err)
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		ASToken:       registration.ASToken,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	var backendToken *secret.Buffer
	if cfg.Backend.TokenFile != "" {
		backendToken, err = secret.ReadFromPath(cfg.Backend.TokenFile)
		if err != nil {
			return fmt.Errorf("reading backend token: %w", err)
		}
		defer backendToken.Close()
	}
	backend, err := boards.NewClient(boards.ClientConfig{
		BaseURL: cfg.Backend.URL,
		Token:   backendToken,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating backend client: %w", err)
	}

	historyStore, err := history.OpenStore(history.StoreConfig{
		Path:   filepath.Join(cfg.Paths.DataDir, "history.db"),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer historyStore.Close()

	clk := clock.Real()
	transcripts, err := chatlog.New(chatlog.Config{
		Dir:    filepath.Join(cfg.Paths.DataDir, "transcripts"),
		State:  client,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating transcript logger: %w", err)
	}

	state := bridge.NewState()
	rooms := bridge.NewRoomManager(client, state, botUser, broadcastAlias, logger)
	registry := bridge.NewRegistry(client, backend, state, rooms, serverName, logger)
	detector := bridge.NewDMDetector(client, state, rooms, logger)
	calls := bridge.NewCallController(clk, cfg.CallTimeout(), logger)
	typing := bridge.NewTypingSimulator(client, clk, cfg.TypingRefresh(), logger)
	metrics := bridge.NewMetrics()

	dispatcher := bridge.NewDispatcher(bridge.DispatcherConfig{
		Client:           client,
		Backend:          backend,
		State:            state,
		Rooms:            rooms,
		Registry:         registry,
		Detector:         detector,
		Calls:            calls,
		Typing:           typing,
		History:          historyStore,
		Transcripts:      transcripts,
		Metrics:          metrics,
		Clock:            clk,
		Logger:           logger,
		BotUser:          botUser,
		BroadcastBoardID: cfg.Backend.BroadcastBoardID,
	})

	server, err := bridge.NewServer(bridge.ServerConfig{
		ListenAddr: listenAddr,
		HSToken:    registration.HSToken,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("creating appservice server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := rooms.EnsureBroadcastRoom(ctx); err != nil {
		// Alias resolution is retried by the periodic sync; a failed
		// creation stays down until restart. Agents still provision,
		// they just cannot join the broadcast room.
		logger.Error("broadcast room not available", "error", err)
	}
	if err := registry.SyncAgents(ctx); err != nil {
		logger.Error("initial agent sync failed", "error", err)
	}
	if err := registry.CleanupOrphanedAgents(ctx); err != nil {
		logger.Warn("orphan cleanup failed", "error", err)
	}
	metrics.SetLiveAgents(len(state.Agents()))

	go resyncLoop(ctx, clk, cfg.ResyncInterval(), registry, state, metrics, logger)

	return server.Start(ctx, cfg.ShutdownTimeout())
}

// resyncLoop keeps the agent fleet in step with the backend's board
// list while the bridge runs.
func resyncLoop(ctx context.Context, clk clock.Clock, interval time.Duration, registry *bridge.Registry, state *bridge.State, metrics *bridge.Metrics, logger *slog.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := registry.SyncAgentsWithCleanup(ctx); err != nil {
				logger.Error("agent resync failed", "error", err)
			}
			metrics.SetLiveAgents(len(state.Agents()))
		}
	}
}
