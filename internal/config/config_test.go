package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxCapacity, cfg.MaxCapacity)
	assert.NotEmpty(t, cfg.ChunkStoreRoot, "expected a default chunk store root")
}

func TestParseOverridesDefaults(t *testing.T) {
	yaml := []byte(`
chunk_store_root: /data/vault
max_capacity: 1048576
`)
	cfg, err := Parse(yaml)
	require.NoError(t, err)
	assert.Equal(t, "/data/vault", cfg.ChunkStoreRoot)
	assert.EqualValues(t, 1048576, cfg.MaxCapacity)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	yaml := []byte(`
chunk_store_root: /data/vault
bogus_key: true
`)
	_, err := Parse(yaml)
	assert.Error(t, err, "expected an error for an unrecognised config key")
}
