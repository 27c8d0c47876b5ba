package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Configuration {
	c := *Config
	c.NodeID = 1
	c.DataDir = "./test-data"
	return &c
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	require.NoError(t, Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"zero apply batch", func(c *Configuration) { c.Sequencer.MaxApplyBatchObjects = 0 }},
		{"zero apply queue", func(c *Configuration) { c.Pipeline.ApplyQueueSize = 0 }},
		{"zero commit queue", func(c *Configuration) { c.Pipeline.CommitQueueSize = 0 }},
		{"zero commit batch", func(c *Configuration) { c.Persistence.CommitBatchSize = 0 }},
		{"negative compress threshold", func(c *Configuration) { c.Persistence.CompressThresholdBytes = -1 }},
		{"zero cache", func(c *Configuration) { c.Persistence.CacheSizeMB = 0 }},
		{"negative open retries", func(c *Configuration) { c.Persistence.OpenRetries = -1 }},
		{"zero mapping cache", func(c *Configuration) { c.GTX.MappingCacheSize = 0 }},
		{"admin port out of range", func(c *Configuration) { c.Admin.Port = 70000 }},
		{"unknown log format", func(c *Configuration) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = validConfig()
			tt.mutate(Config)
			assert.Error(t, Validate())
		})
	}
}

func TestValidate_AdminPortIgnoredWhenDisabled(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Admin.Enabled = false
	Config.Admin.Port = 0
	assert.NoError(t, Validate())
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = validConfig()

	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	configPath := filepath.Join(dir, "config.toml")
	content := `
node_id = 42
data_dir = "` + dataDir + `"

[persistence]
commit_batch_size = 7

[coordinator]
relay_enabled = true
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	require.NoError(t, Load(configPath))
	assert.Equal(t, uint64(42), Config.NodeID)
	assert.Equal(t, 7, Config.Persistence.CommitBatchSize)
	assert.True(t, Config.Coordinator.RelayEnabled)
	// untouched sections keep defaults
	assert.Equal(t, 5000, Config.Sequencer.MaxApplyBatchObjects)

	_, err := os.Stat(dataDir)
	assert.NoError(t, err, "data dir should be created")
	assert.Equal(t, filepath.Join(dataDir, "store"), StorePath())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = validConfig()
	Config.DataDir = t.TempDir()

	require.NoError(t, Load(filepath.Join(t.TempDir(), "missing.toml")))
	assert.Equal(t, uint64(1), Config.NodeID)
	assert.Equal(t, 500, Config.Persistence.CommitBatchSize)
}
