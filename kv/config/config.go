package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

type Config struct {
	StoreAddr string
	NodeID    uint64
	LogLevel  string

	// Number of partitions keys hash into. Must be the same across all the
	// cluster.
	Partitions int
	// Number of backup copies kept per partition, not counting the primary.
	Backups int

	// SyncMode selects when a write's caller completes: "full_sync",
	// "full_async" or "primary_sync".
	SyncMode string

	// NearCache enables tracking of reader nodes and fan-out of near-cache
	// updates to them.
	NearCache bool

	// DefaultTTL applied to entries written without an explicit one. Zero
	// means entries never expire.
	DefaultTTL time.Duration

	// WriteTimeout bounds how long a caller waits on a full-sync write.
	WriteTimeout time.Duration

	// CompactFooter selects the compact binary object footer. All nodes must
	// agree, otherwise field-by-id lookups break across the wire.
	CompactFooter bool
}

func (c *Config) Validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("node id must be greater than 0")
	}
	if c.Partitions <= 0 {
		return fmt.Errorf("partition count must be greater than 0")
	}
	if c.Backups < 0 {
		return fmt.Errorf("backup count must not be negative")
	}
	switch c.SyncMode {
	case "full_sync", "full_async", "primary_sync":
	default:
		return fmt.Errorf("unknown sync mode %q", c.SyncMode)
	}
	if c.Partitions != 1024 {
		log.Warnf("Partition count needs to be same across all the cluster, " +
			"otherwise it may lead to inconsistency.")
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		StoreAddr:     "127.0.0.1:20160",
		NodeID:        1,
		LogLevel:      getLogLevel(),
		Partitions:    1024,
		Backups:       1,
		SyncMode:      "full_sync",
		NearCache:     false,
		WriteTimeout:  10 * time.Second,
		CompactFooter: true,
	}
}

func NewTestConfig() *Config {
	return &Config{
		StoreAddr:     "127.0.0.1:20160",
		NodeID:        1,
		LogLevel:      getLogLevel(),
		Partitions:    16,
		Backups:       2,
		SyncMode:      "full_sync",
		NearCache:     true,
		WriteTimeout:  time.Second,
		CompactFooter: true,
	}
}

// FromFile loads a TOML config file over the defaults.
func FromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}
