package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func validConfig() Config {
	return Config{
		KafkaSeedBrokers:      []string{"localhost:9092"},
		InputTopics:           []string{"orders"},
		OutputTopic:           "orders-exchanged",
		ConsumerGroup:         "exchanger",
		TransactionalIDs:      []string{"exchanger-0"},
		MessagesInTransaction: 100,
		Tracking:              "buckets",
		ItemsInBucket:         100,
		MinBuckets:            1,
		InFlyLimit:            10,
		MaxInFlight:           1000,
		CommitInterval:        time.Second,
		Registry:              registryMemory,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "horizon tracking", mutate: func(c *Config) { c.Tracking = "horizon" }},
		{name: "no brokers", mutate: func(c *Config) { c.KafkaSeedBrokers = nil }, wantErr: "kafka-seed-brokers is required"},
		{name: "no input", mutate: func(c *Config) { c.InputTopics = nil }, wantErr: "input-topics is required"},
		{name: "loop", mutate: func(c *Config) { c.OutputTopic = "orders" }, wantErr: "also an input topic"},
		{name: "no transactional ids", mutate: func(c *Config) { c.TransactionalIDs = nil }, wantErr: "transactional-ids is required"},
		{name: "unknown tracking", mutate: func(c *Config) { c.Tracking = "offsets" }, wantErr: `got "offsets"`},
		{name: "max below min", mutate: func(c *Config) { c.MinBuckets = 4; c.MaxBuckets = 2 }, wantErr: "max-buckets must be 0 or at least min-buckets"},
		{name: "redis without addr", mutate: func(c *Config) { c.Registry = registryRedis }, wantErr: "redis-addr is required"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Registry = registryPostgres }, wantErr: "postgres-dsn is required"},
		{name: "unknown registry", mutate: func(c *Config) { c.Registry = "etcd" }, wantErr: `unknown registry "etcd"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	err := Config{Tracking: "buckets", Registry: registryMemory}.Validate()
	require.Error(t, err)
	for _, want := range []string{"kafka-seed-brokers", "input-topics", "output-topic", "consumer-group", "max-in-flight"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("loud", "")
	require.Error(t, err)

	logger, err := newLogger("debug", "")
	require.NoError(t, err)
	assert.NotNil(t, logger.Check(zapcore.DebugLevel, "debug entry"))

	path := filepath.Join(t.TempDir(), "exchanger.log")
	logger, err = newLogger("warn", path)
	require.NoError(t, err)
	assert.Nil(t, logger.Check(zapcore.InfoLevel, "info entry"))
	logger.Warn("written to file")
	require.FileExists(t, path)
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "kafka-exchanger", rootCmd.Use)
	assert.Contains(t, rootCmd.Short, "At-least-once")
	assert.Contains(t, rootCmd.Long, "relayed again after a restart")

	for _, name := range []string{"output-topic", "tracking", "registry", "commit-interval"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), name)
	}
}
