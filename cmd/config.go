package cmd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/genroute/genroute/router"
)

// QueueConfig is the YAML shape of the batching parameters.
type QueueConfig struct {
	Size             int    `yaml:"size"`
	BatchSizeLimit   int    `yaml:"batch_size_limit"`
	MaxBatchWeight   int    `yaml:"max_batch_weight"`
	BatchType        string `yaml:"batch_type"`
	MaxWaitingTokens int    `yaml:"max_waiting_tokens"`
	WaitingTooLongMS int64  `yaml:"waiting_too_long_ms"`
}

// ServerConfig is the YAML server configuration; flags override its fields.
type ServerConfig struct {
	Listen       string      `yaml:"listen"`
	Shards       []string    `yaml:"shards"`
	ShardTimeout string      `yaml:"shard_timeout"`
	Vocab        string      `yaml:"vocab"`
	Queue        QueueConfig `yaml:"queue"`
}

// LoadServerConfig reads and validates a YAML config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the fields that have no usable zero value.
func (c *ServerConfig) Validate() error {
	if len(c.Shards) == 0 {
		return fmt.Errorf("at least one shard URL is required")
	}
	if c.Vocab == "" {
		return fmt.Errorf("a vocab file is required")
	}
	if c.ShardTimeout != "" {
		if _, err := time.ParseDuration(c.ShardTimeout); err != nil {
			return fmt.Errorf("invalid shard_timeout: %w", err)
		}
	}
	if bt := c.Queue.BatchType; bt != "" {
		valid := false
		for _, name := range router.ValidBatchTypes {
			if bt == name {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("unknown batch type %q (valid: %v)", bt, router.ValidBatchTypes)
		}
	}
	return nil
}

// ShardTimeoutDuration returns the parsed shard timeout; zero disables the
// client-side timeout.
func (c *ServerConfig) ShardTimeoutDuration() time.Duration {
	if c.ShardTimeout == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.ShardTimeout)
	return d
}

// BatchingConfig converts the YAML queue section to the router's config.
func (c *ServerConfig) BatchingConfig() router.BatchingConfig {
	return router.BatchingConfig{
		QueueSize:               c.Queue.Size,
		SizeLimit:               c.Queue.BatchSizeLimit,
		MaxBatchWeight:          c.Queue.MaxBatchWeight,
		MaxWaitingTokens:        c.Queue.MaxWaitingTokens,
		WaitingTooLongThreshold: time.Duration(c.Queue.WaitingTooLongMS) * time.Millisecond,
	}
}
