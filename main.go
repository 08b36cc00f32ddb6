// stembot - a chat front end for local language models with persisted,
// per-user session history and document export.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"stembot/internal/chat"
	"stembot/internal/config"
	"stembot/internal/logging"
	"stembot/internal/ollama"
	"stembot/internal/server"
	"stembot/internal/store"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.stembot/config.toml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stembot %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "stembot: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync()

	sessions, err := store.NewSessionStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	if err := sessions.Watch(); err != nil {
		// Listings stay correct without the watcher, just uncached on
		// external changes.
		logger.Warn("session watcher unavailable", zap.Error(err))
	}
	defer sessions.Close()

	users, err := store.NewUserStore(filepath.Join(filepath.Dir(cfg.Storage.DataDir), "users.json"))
	if err != nil {
		return fmt.Errorf("open user store: %w", err)
	}

	client := ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:      cfg.Ollama.BaseURL,
		Timeout:      time.Duration(cfg.Ollama.RequestTimeoutSecs) * time.Second,
		DefaultModel: cfg.Ollama.DefaultModel,
	})

	if err := client.CheckRunning(context.Background()); err != nil {
		logger.Warn("ollama server not reachable at startup",
			zap.String("base_url", cfg.Ollama.BaseURL), zap.Error(err))
	}

	orchestrator := chat.New(client, sessions, logger,
		time.Duration(cfg.Ollama.RequestTimeoutSecs)*time.Second)

	srv, err := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		JWTSecret:       cfg.Server.JWTSecret,
		TokenTTL:        time.Duration(cfg.Server.TokenTTLMins) * time.Minute,
		RateLimitPerSec: cfg.Server.RateLimitPerSec,
		PageSize:        cfg.Display.PageSize,
		WatermarkText:   cfg.Display.WatermarkText,
		ExportDir:       cfg.Storage.ExportDir,
	}, orchestrator, client, sessions, users, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
