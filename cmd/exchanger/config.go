package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/tnewman/kafka-exchanger/pkg/relay"
)

// Config holds all configurable parameters of the exchanger.
type Config struct {
	GRPCPort    string `mapstructure:"grpc-port"`
	MetricsAddr string `mapstructure:"metrics-addr"`
	LogLevel    string `mapstructure:"log-level"`
	LogFile     string `mapstructure:"log-file"`

	KafkaSeedBrokers []string `mapstructure:"kafka-seed-brokers"`
	InputTopics      []string `mapstructure:"input-topics"`
	OutputTopic      string   `mapstructure:"output-topic"`
	ConsumerGroup    string   `mapstructure:"consumer-group"`
	TransactionalIDs []string `mapstructure:"transactional-ids"`

	MessagesInTransaction int           `mapstructure:"messages-in-transaction"`
	Linger                time.Duration `mapstructure:"linger"`
	TransactionTimeout    time.Duration `mapstructure:"transaction-timeout"`
	InitTimeout           time.Duration `mapstructure:"init-timeout"`

	Tracking       string        `mapstructure:"tracking"`
	ItemsInBucket  int           `mapstructure:"items-in-bucket"`
	MinBuckets     int           `mapstructure:"min-buckets"`
	MaxBuckets     int           `mapstructure:"max-buckets"`
	InFlyLimit     int           `mapstructure:"in-fly-limit"`
	MaxInFlight    int           `mapstructure:"max-in-flight"`
	CommitInterval time.Duration `mapstructure:"commit-interval"`

	Registry    string `mapstructure:"registry"`
	RedisAddr   string `mapstructure:"redis-addr"`
	PostgresDSN string `mapstructure:"postgres-dsn"`
}

const (
	registryMemory   = "memory"
	registryRedis    = "redis"
	registryPostgres = "postgres"
)

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.KafkaSeedBrokers) == 0 {
		errs = append(errs, errors.New("kafka-seed-brokers is required"))
	}
	if len(c.InputTopics) == 0 {
		errs = append(errs, errors.New("input-topics is required"))
	}
	if c.OutputTopic == "" {
		errs = append(errs, errors.New("output-topic is required"))
	}
	for _, topic := range c.InputTopics {
		if topic == c.OutputTopic {
			errs = append(errs, fmt.Errorf("output-topic %q is also an input topic", topic))
		}
	}
	if c.ConsumerGroup == "" {
		errs = append(errs, errors.New("consumer-group is required"))
	}
	if len(c.TransactionalIDs) == 0 {
		errs = append(errs, errors.New("transactional-ids is required"))
	}
	if c.MessagesInTransaction <= 0 {
		errs = append(errs, errors.New("messages-in-transaction must be positive"))
	}
	if c.ItemsInBucket <= 0 {
		errs = append(errs, errors.New("items-in-bucket must be positive"))
	}
	if c.MinBuckets < 1 {
		errs = append(errs, errors.New("min-buckets must be at least 1"))
	}
	if c.MaxBuckets < 0 || (c.MaxBuckets > 0 && c.MaxBuckets < c.MinBuckets) {
		errs = append(errs, errors.New("max-buckets must be 0 or at least min-buckets"))
	}
	if c.InFlyLimit < 0 {
		errs = append(errs, errors.New("in-fly-limit must not be negative"))
	}
	if c.MaxInFlight <= 0 {
		errs = append(errs, errors.New("max-in-flight must be positive"))
	}
	if c.CommitInterval <= 0 {
		errs = append(errs, errors.New("commit-interval must be positive"))
	}
	switch relay.Mode(c.Tracking) {
	case relay.ModeBuckets, relay.ModeHorizon:
	default:
		errs = append(errs, fmt.Errorf("tracking must be %q or %q, got %q", relay.ModeBuckets, relay.ModeHorizon, c.Tracking))
	}
	switch c.Registry {
	case registryMemory:
	case registryRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis-addr is required by the redis registry"))
		}
	case registryPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres-dsn is required by the postgres registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry %q", c.Registry))
	}
	return errors.Join(errs...)
}
