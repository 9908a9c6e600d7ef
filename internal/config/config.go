// Package config holds the daemon's static configuration tree, loaded from
// a JSON file on disk with defaults filled in for anything omitted.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config is the root configuration object.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Security   SecurityConfig   `json:"security"`
	Processing ProcessingConfig `json:"processing"`
}

// ServerConfig controls the HTTP daemon surface (internal/daemon).
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StorageConfig controls the vault's on-disk layout and resource caps.
type StorageConfig struct {
	VaultPath           string        `json:"vault_path"`
	MaxMemoryAge        time.Duration `json:"max_memory_age"`
	CompressionAfter    time.Duration `json:"compression_after"`
	MaxVectors          int           `json:"max_vectors"`
	MaxVectorMemoryByte int           `json:"max_vector_memory_bytes"`
}

// SecurityConfig controls key-custody and access-control behavior.
type SecurityConfig struct {
	MasterKeyPath       string `json:"master_key_path"`
	StrictAccessControl bool   `json:"strict_access_control"`
	UseOSKeychain       bool   `json:"use_os_keychain"`
}

// ProcessingConfig controls the embedding pipeline and worker pool sizing.
type ProcessingConfig struct {
	WorkerThreads  int    `json:"worker_threads"`
	EmbeddingModel string `json:"embedding_model"`
	TokenizerPath  string `json:"tokenizer_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	vaultPath := filepath.Join(home, ".local", "share", "mimir")

	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8100,
		},
		Storage: StorageConfig{
			VaultPath:           vaultPath,
			MaxMemoryAge:        90 * 24 * time.Hour,
			CompressionAfter:    30 * 24 * time.Hour,
			MaxVectors:          100_000,
			MaxVectorMemoryByte: 1 << 30,
		},
		Security: SecurityConfig{
			MasterKeyPath:       filepath.Join(vaultPath, "master.key"),
			StrictAccessControl: true,
			UseOSKeychain:       true,
		},
		Processing: ProcessingConfig{
			WorkerThreads:  runtime.NumCPU(),
			EmbeddingModel: "sentence-transformers/all-MiniLM-L6-v2",
		},
	}
}

// Load reads a JSON configuration file, overlaying it onto Default() so any
// field the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
