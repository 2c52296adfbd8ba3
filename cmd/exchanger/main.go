package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tnewman/kafka-exchanger/pkg/broker/kafka"
	"github.com/tnewman/kafka-exchanger/pkg/metrics"
	"github.com/tnewman/kafka-exchanger/pkg/producerpool"
	"github.com/tnewman/kafka-exchanger/pkg/registry"
	"github.com/tnewman/kafka-exchanger/pkg/relay"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	shutdownTimeout = 5 * time.Second
	registryTimeout = 10 * time.Second
)

var cfgFile string
var config Config
var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "kafka-exchanger",
	Short: "At-least-once relay between Kafka topics",
	Long: `Consumes records from the input topics, produces them to the output topic in
transactions and commits consumer offsets only once every earlier record is produced.
Offsets are committed outside the producer transactions, so records after the last
commit are relayed again after a restart.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		var err error
		logger, err = newLogger(config.LogLevel, config.LogFile)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		defer func() {
			_ = logger.Sync()
		}()
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return startExchanger(ctx)
	},
	SilenceUsage: true,
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kafka-exchanger.yaml)")

	flags.String("grpc-port", "50051", "Port for the gRPC health server to listen on")
	flags.String("metrics-addr", ":9090", "Address of the prometheus /metrics endpoint")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-file", "", "Also write JSON logs to this rotated file")

	flags.StringSlice("kafka-seed-brokers", []string{"localhost:9092"}, "Comma-separated list of Kafka seed brokers")
	flags.StringSlice("input-topics", nil, "Comma-separated list of topics to consume")
	flags.String("output-topic", "", "Topic records are produced to")
	flags.String("consumer-group", "kafka-exchanger", "Kafka consumer group")
	flags.StringSlice("transactional-ids", []string{"kafka-exchanger-0"}, "Transactional ids, one producer routine each")

	flags.Int("messages-in-transaction", 100, "Maximum number of messages per transaction")
	flags.Duration("linger", time.Millisecond, "How long a producer routine collects a transaction")
	flags.Duration("transaction-timeout", 5*time.Second, "Transaction timeout sent to the coordinator")
	flags.Duration("init-timeout", 60*time.Second, "Timeout of the initial connection of a producer")

	flags.String("tracking", string(relay.ModeBuckets), "In-flight tracking: buckets or horizon")
	flags.Int("items-in-bucket", 100, "Capacity of every bucket")
	flags.Int("min-buckets", 1, "Buckets allocated per partition at start")
	flags.Int("max-buckets", 0, "Maximum buckets per partition, 0 for unbounded")
	flags.Int("in-fly-limit", 10, "Buckets waiting only for completion before a partition is paused, 0 to disable")
	flags.Int("max-in-flight", 1000, "Maximum consumed but not produced messages")
	flags.Duration("commit-interval", time.Second, "Interval of consumer offset commits")

	flags.String("registry", registryMemory, "Bucket registry: memory, redis or postgres")
	flags.String("redis-addr", "localhost:6379", "Redis address of the redis registry")
	flags.String("postgres-dsn", "", "Connection string of the postgres registry")

	cobra.CheckErr(viper.BindPFlags(flags))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".kafka-exchanger")
	}

	viper.SetEnvPrefix("exchanger")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		fmt.Fprintln(os.Stderr, "No config file found, relying on environment variables or flags.")
	} else {
		cobra.CheckErr(err)
	}

	cobra.CheckErr(viper.Unmarshal(&config))
}

func main() {
	Execute()
}

func startExchanger(ctx context.Context) error {
	logged := config
	if logged.PostgresDSN != "" {
		logged.PostgresDSN = "<redacted>"
	}
	logger.Info("Starting Kafka exchanger...", zap.Any("config", logged))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// --- Bucket registry ---
	provider, closeRegistry, err := openRegistry(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRegistry(); err != nil {
			logger.Error("Failed to close bucket registry", zap.Error(err))
		}
	}()
	logger.Info("Bucket registry initialized", zap.String("registry", config.Registry))

	// --- Broker (Kafka) setup ---
	factory := kafka.NewSessionFactory(kafka.SessionConfig{
		SeedBrokers:        config.KafkaSeedBrokers,
		TransactionTimeout: config.TransactionTimeout,
		InitTimeout:        config.InitTimeout,
	}, logger)
	pool, err := producerpool.New(config.TransactionalIDs, factory, producerpool.Options{
		MessagesInTransaction: config.MessagesInTransaction,
		Linger:                config.Linger,
		Logger:                logger,
		Metrics:               m.Pool(),
	})
	if err != nil {
		return fmt.Errorf("failed to create producer pool: %w", err)
	}
	defer pool.Close()

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		SeedBrokers: config.KafkaSeedBrokers,
		Topics:      config.InputTopics,
		Group:       config.ConsumerGroup,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Error("Failed to close Kafka consumer", zap.Error(err))
		}
	}()
	logger.Info("Kafka consumer initialized", zap.Strings("topics", config.InputTopics))

	r, err := relay.New(consumer, pool, relay.Options{
		OutputTopic:    config.OutputTopic,
		Group:          config.ConsumerGroup,
		Mode:           relay.Mode(config.Tracking),
		ItemsInBucket:  config.ItemsInBucket,
		MinBuckets:     config.MinBuckets,
		MaxBuckets:     config.MaxBuckets,
		InFlyLimit:     config.InFlyLimit,
		MaxInFlight:    config.MaxInFlight,
		CommitInterval: config.CommitInterval,
		Registry:       provider,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return err
	}

	// --- gRPC health server setup ---
	lis, err := net.Listen("tcp", ":"+config.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.GRPCPort, err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	logger.Info("gRPC server starting", zap.String("port", config.GRPCPort))
	go func() {
		if serveErr := grpcServer.Serve(lis); serveErr != nil {
			logger.Error("gRPC server failed to serve", zap.Error(serveErr))
		}
	}()

	// --- Metrics server setup ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	metricsServer := &http.Server{Addr: config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if serveErr := metricsServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("Metrics server failed to serve", zap.Error(serveErr))
		}
	}()

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	runErr := r.Run(ctx)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if runErr != nil {
		logger.Error("Relay failed", zap.Error(runErr))
	}

	// --- Graceful Shutdown ---
	logger.Info("Shutting down exchanger...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		logger.Info("gRPC server gracefully stopped.")
	case <-shutdownCtx.Done():
		logger.Warn("gRPC server did not stop gracefully within timeout, forcing shutdown.")
		grpcServer.Stop()
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server did not stop gracefully", zap.Error(err))
	}

	logger.Info("Exchanger stopped.")
	return runErr
}

// openRegistry connects the configured bucket registry.
func openRegistry(ctx context.Context, cfg Config) (registry.Provider, func() error, error) {
	ctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()

	switch cfg.Registry {
	case registryRedis:
		r, err := registry.DialRedis(ctx, cfg.RedisAddr, "", 0, "")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect redis registry: %w", err)
		}
		return r, r.Close, nil
	case registryPostgres:
		p, err := registry.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect postgres registry: %w", err)
		}
		return p, p.Close, nil
	default:
		return registry.NewMemory(), func() error { return nil }, nil
	}
}
