package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SequencerConfiguration controls admission into the apply stage
type SequencerConfiguration struct {
	MaxApplyBatchObjects int `toml:"max_apply_batch_objects"` // Objects per apply batch before it is dispatched
}

// PipelineConfiguration sizes the bounded queues between stage workers
type PipelineConfiguration struct {
	ApplyQueueSize     int `toml:"apply_queue_size"`
	CommitQueueSize    int `toml:"commit_queue_size"`
	BroadcastQueueSize int `toml:"broadcast_queue_size"`
}

// PersistenceConfiguration controls the durable store and commit batching
type PersistenceConfiguration struct {
	CommitBatchSize        int  `toml:"commit_batch_size"`        // Changes accumulated before a storage commit
	CompressThresholdBytes int  `toml:"compress_threshold_bytes"` // Object payloads above this are zstd compressed (0 = never)
	CacheSizeMB            int  `toml:"cache_size_mb"`
	MemTableSizeMB         int  `toml:"memtable_size_mb"`
	SyncWrites             bool `toml:"sync_writes"` // fsync every storage commit
	OpenRetries            int  `toml:"open_retries"`
}

// GTXConfiguration controls the global transaction id authority
type GTXConfiguration struct {
	MappingCacheSize int `toml:"mapping_cache_size"` // LRU entries of id -> GID mappings read from disk
}

// CoordinatorConfiguration controls the server transaction manager
type CoordinatorConfiguration struct {
	RelayEnabled    bool `toml:"relay_enabled"`    // Passive mirrors attached; relay must complete before ack
	MetadataEnabled bool `toml:"metadata_enabled"` // Metadata stage attached; must complete before ack
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the monitoring HTTP endpoint
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Pre-shared key for admin requests (empty = no auth)
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Sequencer   SequencerConfiguration   `toml:"sequencer"`
	Pipeline    PipelineConfiguration    `toml:"pipeline"`
	Persistence PersistenceConfiguration `toml:"persistence"`
	GTX         GTXConfiguration         `toml:"gtx"`
	Coordinator CoordinatorConfiguration `toml:"coordinator"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
	Admin       AdminConfiguration       `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./txncoord-data",

	Sequencer: SequencerConfiguration{
		MaxApplyBatchObjects: 5000,
	},

	Pipeline: PipelineConfiguration{
		ApplyQueueSize:     1024,
		CommitQueueSize:    1024,
		BroadcastQueueSize: 1024,
	},

	Persistence: PersistenceConfiguration{
		CommitBatchSize:        500,
		CompressThresholdBytes: 4096,
		CacheSizeMB:            64,
		MemTableSizeMB:         32,
		SyncWrites:             true,
		OpenRetries:            5,
	},

	GTX: GTXConfiguration{
		MappingCacheSize: 10000,
	},

	Coordinator: CoordinatorConfiguration{
		RelayEnabled:    false,
		MetadataEnabled: false,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        9510,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("txncoord")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Sequencer.MaxApplyBatchObjects < 1 {
		return fmt.Errorf("sequencer max apply batch objects must be >= 1")
	}

	if Config.Pipeline.ApplyQueueSize < 1 || Config.Pipeline.CommitQueueSize < 1 || Config.Pipeline.BroadcastQueueSize < 1 {
		return fmt.Errorf("pipeline queue sizes must be >= 1")
	}

	if Config.Persistence.CommitBatchSize < 1 {
		return fmt.Errorf("persistence commit batch size must be >= 1")
	}

	if Config.Persistence.CompressThresholdBytes < 0 {
		return fmt.Errorf("persistence compress threshold must be >= 0")
	}

	if Config.Persistence.CacheSizeMB < 1 {
		return fmt.Errorf("persistence cache size must be >= 1MB")
	}

	if Config.Persistence.MemTableSizeMB < 1 {
		return fmt.Errorf("persistence memtable size must be >= 1MB")
	}

	if Config.Persistence.OpenRetries < 0 {
		return fmt.Errorf("persistence open retries must be >= 0")
	}

	if Config.GTX.MappingCacheSize < 1 {
		return fmt.Errorf("gtx mapping cache size must be >= 1")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin requests must carry the secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// StorePath returns the directory of the durable transaction store
func StorePath() string {
	return path.Join(Config.DataDir, "store")
}
