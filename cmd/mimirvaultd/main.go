// Command mimirvaultd runs the local memory-vault daemon: it loads (or
// initializes) the key hierarchy, opens the encrypted record store and
// vector index, and serves the local HTTP surface.
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

	"github.com/ryanwillie/mimirvaultd/internal/config"
	"github.com/ryanwillie/mimirvaultd/internal/coordinator"
	mimircrypto "github.com/ryanwillie/mimirvaultd/internal/crypto"
	"github.com/ryanwillie/mimirvaultd/internal/daemon"
	"github.com/ryanwillie/mimirvaultd/internal/log"
	"github.com/ryanwillie/mimirvaultd/internal/store"
	"github.com/ryanwillie/mimirvaultd/internal/vector"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file")
	initVault := flag.Bool("init", false, "initialize a new vault at the configured storage path")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	level := log.InfoLevel
	switch *logLevel {
	case "debug":
		level = log.DebugLevel
	case "warn":
		level = log.WarnLevel
	case "error":
		level = log.ErrorLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: true})

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Logger.Fatal().Err(err).Msg("main")
		}
		cfg = loaded
	}

	if err := os.MkdirAll(cfg.Storage.VaultPath, 0o700); err != nil {
		log.Logger.Fatal().Err(err).Msg("main")
	}

	password := os.Getenv("MIMIR_VAULT_PASSWORD")
	useOSKeychain := cfg.Security.UseOSKeychain && password == ""

	cust, err := openCustodian(cfg, *initVault, password, useOSKeychain)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("main")
	}
	defer cust.Close()

	keysetPath := filepath.Join(cfg.Storage.VaultPath, "keyset.json")
	keyset, err := mimircrypto.OpenOrCreate(keysetPath, cust)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("main")
	}

	recordStore, err := store.Open(cfg.Storage.VaultPath)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("main")
	}
	defer recordStore.Close()

	embedder, dimension := openEmbedder(cfg)
	if embedder == nil {
		log.WithComponent("main").Warn().Msg("no embedding model configured; ingest will persist records without vector search")
	}

	var rotation *vector.RotationMatrix
	if dimension > 0 {
		seed, err := cust.DeriveRotationSeed()
		if err != nil {
			log.Logger.Fatal().Err(err).Msg("main")
		}
		rotation, err = vector.NewRotationMatrix(seed, dimension)
		if err != nil {
			log.Logger.Fatal().Err(err).Msg("main")
		}
	}

	index := vector.NewANNIndex()
	persistence := vector.NewPersistence(cfg.Storage.VaultPath)

	memCfg := coordinator.MemoryConfig{
		MaxVectors:       cfg.Storage.MaxVectors,
		MaxMemoryBytes:   int64(cfg.Storage.MaxVectorMemoryByte),
		AutoCleanup:      true,
		CleanupThreshold: 0.8,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord, err := coordinator.Open(ctx, coordinator.Config{
		Custodian:   cust,
		Keyset:      keyset,
		Records:     recordStore,
		Index:       index,
		Persistence: persistence,
		Rotation:    rotation,
		Embedder:    embedder,
		MemoryCfg:   memCfg,
	})
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("main")
	}

	pidPath := filepath.Join(cfg.Storage.VaultPath, "mimirvaultd.pid")
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		log.WithComponent("main").Warn().Err(err).Msg("could not write pid file")
	}
	defer os.Remove(pidPath)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := daemon.New(addr, coord)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.WithComponent("main").Info().Msg("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil {
		log.WithComponent("main").Error().Err(err).Msg("server exited with error")
	}

	if err := coord.Save(); err != nil {
		log.WithComponent("main").Error().Err(err).Msg("final index save failed")
	}
	if err := coord.Close(); err != nil {
		log.WithComponent("main").Error().Err(err).Msg("coordinator close failed")
	}
}

func openCustodian(cfg config.Config, initVault bool, password string, useOSKeychain bool) (*mimircrypto.Custodian, error) {
	wrapPath := cfg.Security.MasterKeyPath
	wrapArg := wrapPath
	if useOSKeychain {
		wrapArg = ""
	}

	if initVault {
		return mimircrypto.Initialize(wrapArg, passwordOrEmpty(useOSKeychain, password))
	}

	cust, err := mimircrypto.Load(wrapArg, passwordOrEmpty(useOSKeychain, password))
	if err == nil {
		return cust, nil
	}
	if mimircrypto.IsKeyNotFound(err) {
		log.WithComponent("main").Info().Msg("no existing root key found; initializing a new vault")
		return mimircrypto.Initialize(wrapArg, passwordOrEmpty(useOSKeychain, password))
	}
	return nil, err
}

func passwordOrEmpty(useOSKeychain bool, password string) string {
	if useOSKeychain {
		return ""
	}
	return password
}

// openEmbedder builds the ONNX embedder described by cfg.Processing, or
// returns a nil Embedder if no model is configured — the coordinator treats
// that as ingest-without-search, never a hard failure.
func openEmbedder(cfg config.Config) (vector.Embedder, int) {
	if cfg.Processing.EmbeddingModel == "" || cfg.Processing.TokenizerPath == "" {
		return nil, 0
	}
	if _, err := os.Stat(cfg.Processing.EmbeddingModel); err != nil {
		log.WithComponent("main").Warn().Str("path", cfg.Processing.EmbeddingModel).Msg("embedding model not found on disk; running without vector search")
		return nil, 0
	}

	tok, err := vector.NewSugarmeTokenizer(cfg.Processing.TokenizerPath)
	if err != nil {
		log.WithComponent("main").Warn().Err(err).Msg("tokenizer failed to load; running without vector search")
		return nil, 0
	}

	embedder, err := vector.NewONNXEmbedder(cfg.Processing.EmbeddingModel, tok)
	if err != nil {
		log.WithComponent("main").Warn().Err(err).Msg("embedder failed to initialize; running without vector search")
		return nil, 0
	}
	return embedder, embedder.Dimension()
}
