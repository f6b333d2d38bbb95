package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadServerConfig(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
shards:
  - "http://localhost:3000"
  - "http://localhost:3001"
shard_timeout: "30s"
vocab: "vocab.json"
queue:
  size: 64
  batch_size_limit: 16
  max_batch_weight: 4096
  batch_type: "token-budget"
  max_waiting_tokens: 10
  waiting_too_long_ms: 200
`)

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Len(t, cfg.Shards, 2)
	assert.Equal(t, 30*time.Second, cfg.ShardTimeoutDuration())

	bc := cfg.BatchingConfig()
	assert.Equal(t, 64, bc.QueueSize)
	assert.Equal(t, 16, bc.SizeLimit)
	assert.Equal(t, 4096, bc.MaxBatchWeight)
	assert.Equal(t, 10, bc.MaxWaitingTokens)
	assert.Equal(t, 200*time.Millisecond, bc.WaitingTooLongThreshold)
}

func TestLoadServerConfig_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"no shards", "vocab: vocab.json\n"},
		{"no vocab", "shards: [\"http://localhost:3000\"]\n"},
		{"bad timeout", "shards: [\"http://x\"]\nvocab: v.json\nshard_timeout: nope\n"},
		{"bad batch type", "shards: [\"http://x\"]\nvocab: v.json\nqueue:\n  batch_type: bogus\n"},
		{"bad yaml", "shards: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := LoadServerConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadServerConfig_MissingFile(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
