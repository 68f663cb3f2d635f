// Package config defines the node's typed configuration (spec §6
// "Configuration (enumerated)"), loaded from a struct literal with
// optional environment-variable overrides. The pack shows no config
// library (viper/cobra) anywhere — edirooss-zmux-server reads
// os.Getenv("ENV") directly — so a plain struct + env loader is the
// idiom this repo follows too.
package config

import (
	"os"
	"strconv"

	"github.com/concorddb/concord/internal/codec"
	"github.com/concorddb/concord/internal/consensus"
)

// TTLConfig controls the reaper (spec §6 `ttl.*`).
type TTLConfig struct {
	Enabled                  bool
	DefaultSeconds            int64
	CleanupIntervalSeconds    int64
}

// CompressionConfig controls the value codec (spec §6 `compression.*`).
type CompressionConfig struct {
	Enabled        bool
	Algorithm      codec.Algorithm
	ThresholdBytes uint32
	Level          int
}

// EventStreamConfig controls the event publisher (spec §6 `event_stream.*`).
type EventStreamConfig struct {
	Enabled    bool
	BufferSize int
}

// Config is the node's full enumerated configuration (spec §6).
type Config struct {
	ClusterName            string
	DataDir                string
	MaxBatchSize           int
	DefaultReadConsistency consensus.Consistency

	TTL         TTLConfig
	Compression CompressionConfig
	EventStream EventStreamConfig
}

// Default returns the suggested defaults named throughout spec §6.
func Default() Config {
	return Config{
		ClusterName:            "concord",
		DataDir:                "./data",
		MaxBatchSize:           500,
		DefaultReadConsistency: consensus.ConsistencyLeader,
		TTL: TTLConfig{
			Enabled:                true,
			DefaultSeconds:         0,
			CleanupIntervalSeconds: 300,
		},
		Compression: CompressionConfig{
			Enabled:        true,
			Algorithm:      codec.AlgorithmZlib,
			ThresholdBytes: 256,
			Level:          6,
		},
		EventStream: EventStreamConfig{
			Enabled:    false,
			BufferSize: 10_000,
		},
	}
}

// FromEnv returns Default() with any recognized CONCORD_* environment
// variable applied on top, matching the pack's os.Getenv-style
// overrides rather than a struct-tag-driven unmarshaler.
func FromEnv() Config {
	cfg := Default()
	if v := os.Getenv("CONCORD_CLUSTER_NAME"); v != "" {
		cfg.ClusterName = v
	}
	if v := os.Getenv("CONCORD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CONCORD_MAX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxBatchSize = n
		}
	}
	if v := os.Getenv("CONCORD_DEFAULT_READ_CONSISTENCY"); v != "" {
		cfg.DefaultReadConsistency = consensus.Consistency(v)
	}
	if v := os.Getenv("CONCORD_TTL_ENABLED"); v != "" {
		cfg.TTL.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CONCORD_TTL_CLEANUP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.TTL.CleanupIntervalSeconds = n
		}
	}
	if v := os.Getenv("CONCORD_COMPRESSION_ENABLED"); v != "" {
		cfg.Compression.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CONCORD_EVENT_STREAM_ENABLED"); v != "" {
		cfg.EventStream.Enabled = v == "true" || v == "1"
	}
	return cfg
}

// CodecConfig projects the compression settings into internal/codec's
// own config shape.
func (c Config) CodecConfig() codec.Config {
	return codec.Config{
		Enabled:        c.Compression.Enabled,
		Algorithm:      c.Compression.Algorithm,
		ThresholdBytes: c.Compression.ThresholdBytes,
		Level:          c.Compression.Level,
	}
}
