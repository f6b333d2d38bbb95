// cmd/root.go
package cmd

import (
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/genroute/genroute/client"
	"github.com/genroute/genroute/gateway"
	"github.com/genroute/genroute/router"
)

var (
	configPath string
	listenAddr string
	logLevel   string
	shardURLs  []string
	vocabPath  string
)

var rootCmd = &cobra.Command{
	Use:   "genroute",
	Short: "Continuous-batching router for text-generation inference",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the router in front of a sharded generation backend",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg := &ServerConfig{}
		if configPath != "" {
			cfg, err = LoadServerConfig(configPath)
			if err != nil {
				logrus.Fatalf("Loading config: %v", err)
			}
		}
		if listenAddr != "" {
			cfg.Listen = listenAddr
		}
		if cfg.Listen == "" {
			cfg.Listen = ":8080"
		}
		if len(shardURLs) > 0 {
			cfg.Shards = shardURLs
		}
		if vocabPath != "" {
			cfg.Vocab = vocabPath
		}
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}

		decoder, err := router.LoadVocab(cfg.Vocab)
		if err != nil {
			logrus.Fatalf("Loading vocab: %v", err)
		}

		shards, err := client.NewShardedClient(cfg.Shards, cfg.ShardTimeoutDuration())
		if err != nil {
			logrus.Fatalf("Connecting shards: %v", err)
		}

		logrus.Infof("Starting router with %d shard(s), queue size %d, batch size limit %d",
			len(cfg.Shards), cfg.Queue.Size, cfg.Queue.BatchSizeLimit)

		health := &atomic.Bool{}
		batchType := router.NewBatchType(cfg.Queue.BatchType, cfg.Queue.MaxBatchWeight)
		batcher := router.NewBatcher(shards, decoder, cfg.BatchingConfig(), batchType, health)
		defer batcher.Close()

		server := gateway.NewServer(batcher, gateway.WordTokenizer{}, health)
		if err := server.Run(cfg.Listen); err != nil {
			logrus.Fatalf("Gateway failed: %v", err)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML server config")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringSliceVar(&shardURLs, "shard", nil, "Shard base URL (repeatable, overrides config)")
	serveCmd.Flags().StringVar(&vocabPath, "vocab", "", "Path to JSON vocab file (overrides config)")

	rootCmd.AddCommand(serveCmd)
}
