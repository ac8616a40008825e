// Package config loads the vault's on-disk configuration (§6):
// chunk_store_root, max_capacity, and invite_key, rejecting any
// unrecognised key at load time. The teacher's own entrypoint takes all
// its settings from flags (cmd/server/main.go); this is the one piece of
// ambient stack the spec calls out by name, so it's grounded instead on
// gopkg.in/yaml.v3's strict decoding mode — already present (indirect)
// in the teacher's own go.mod.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultMaxCapacity is the 2 GiB default of §6.
const DefaultMaxCapacity uint64 = 2 << 30

// defaultChunkStoreSubdir is appended to the OS temp dir when
// chunk_store_root is omitted (§6).
const defaultChunkStoreSubdir = "vaultd-chunks"

// Config is the vault's load-time configuration.
type Config struct {
	ChunkStoreRoot string `yaml:"chunk_store_root"`
	MaxCapacity    uint64 `yaml:"max_capacity"`
	InviteKey      []byte `yaml:"invite_key"`
}

// rawConfig mirrors Config with pointer/optional fields, so Load can
// distinguish "omitted" from "explicitly zero" before applying defaults.
type rawConfig struct {
	ChunkStoreRoot *string `yaml:"chunk_store_root"`
	MaxCapacity    *uint64 `yaml:"max_capacity"`
	InviteKey      []byte  `yaml:"invite_key"`
}

// Default returns a Config with every field at its documented default.
func Default() Config {
	return Config{
		ChunkStoreRoot: filepath.Join(os.TempDir(), defaultChunkStoreSubdir),
		MaxCapacity:    DefaultMaxCapacity,
	}
}

// Load reads and validates a YAML configuration file at path. Unknown
// keys are rejected (yaml.v3's KnownFields strict mode) per §6.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates raw YAML bytes into a Config, applying documented
// defaults for omitted fields.
func Parse(data []byte) (Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Default(), nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raw rawConfig
	if err := dec.Decode(&raw); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	cfg := Default()
	if raw.ChunkStoreRoot != nil {
		cfg.ChunkStoreRoot = *raw.ChunkStoreRoot
	}
	if raw.MaxCapacity != nil {
		cfg.MaxCapacity = *raw.MaxCapacity
	}
	cfg.InviteKey = raw.InviteKey
	return cfg, nil
}
