package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/auth"
	"github.com/KevinKickass/OpenTestStand/internal/config"
	"github.com/KevinKickass/OpenTestStand/internal/system"
)

func main() {
	configPath := flag.StringP("config", "c", "configs/config.yaml", "path to the configuration file")
	hashPassword := flag.String("hash-password", "", "print an argon2id hash for auth.operators[].password_hash and exit")
	newMachineToken := flag.Bool("new-machine-token", false, "print a new machine token and its hash for auth.machine_tokens[] and exit")
	flag.Parse()

	// Hilfskommandos für die Auth-Konfiguration
	if *hashPassword != "" {
		// auth.argon2 aus der Config bestimmt die Kosten
		cfg, err := config.Load(*configPath)
		if err != nil && !errors.Is(err, config.ErrDefaultsUsed) {
			log.Fatalf("Failed to load config: %v", err)
		}
		hash, err := auth.NewAuthService(cfg.Auth, nil).HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}
	if *newMachineToken {
		mt, err := auth.NewMachineToken()
		if err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		fmt.Printf("id:         %s\ntoken:      %s\ntoken_hash: %s\n", mt.ID, mt.Token, mt.Hash)
		return
	}

	// Logger initialisieren
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Config laden
	cfg, err := config.Load(*configPath)
	switch {
	case errors.Is(err, config.ErrDefaultsUsed):
		logger.Warn("Using default configuration", zap.String("path", *configPath), zap.Error(err))
	case err != nil:
		logger.Fatal("Failed to load config", zap.Error(err))
	default:
		logger.Info("Config loaded successfully", zap.String("path", *configPath))
	}

	// Lifecycle Manager
	lifecycle, err := system.NewLifecycleManager(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build system", zap.Error(err))
	}

	// System starten
	if err := lifecycle.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("OpenTestStand started successfully")

	// Graceful Shutdown auf Signal oder Serverfehler
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	waitErr := make(chan error, 1)
	go func() { waitErr <- lifecycle.Wait() }()

	exitCode := 0
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case err := <-waitErr:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
			exitCode = 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		exitCode = 1
	}

	logger.Info("OpenTestStand stopped")
	if exitCode != 0 {
		logger.Sync()
		os.Exit(exitCode)
	}
}
