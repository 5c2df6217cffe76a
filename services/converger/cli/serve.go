package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/ticketflow/internal/converge"
	"github.com/ramiqadoumi/ticketflow/internal/kafka"
	"github.com/ramiqadoumi/ticketflow/internal/postgres"
	"github.com/ramiqadoumi/ticketflow/internal/recordstore"
	redisstore "github.com/ramiqadoumi/ticketflow/internal/redis"
	"github.com/ramiqadoumi/ticketflow/internal/sink"
	"github.com/ramiqadoumi/ticketflow/pkg/telemetry"
	"github.com/ramiqadoumi/ticketflow/services/converger"
	"github.com/ramiqadoumi/ticketflow/services/converger/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the converger",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN of the sync ledger; empty disables it")
	serveCmd.Flags().String("group-id", "converger-group", "Kafka consumer group")
	serveCmd.Flags().String("sink-login-url", "https://login.salesforce.com", "downstream login URL")
	serveCmd.Flags().String("sink-client-id", "", "downstream OAuth2 client id")
	serveCmd.Flags().String("sink-client-secret", "", "downstream OAuth2 client secret")
	serveCmd.Flags().String("sink-username", "", "downstream username")
	serveCmd.Flags().String("sink-password", "", "downstream password")
	serveCmd.Flags().String("sink-security-token", "", "downstream security token appended to the password")
	serveCmd.Flags().String("sink-api-version", "v59.0", "downstream REST API version")
	serveCmd.Flags().String("sink-object", "Case", "downstream object created per ticket")
	serveCmd.Flags().String("sink-supplied-email", "", "SuppliedEmail set on created records")
	serveCmd.Flags().Duration("sink-timeout", 30*time.Second, "per-request downstream timeout")
	serveCmd.Flags().Int("sink-retries", 2, "extra attempts for retryable downstream errors")
	serveCmd.Flags().Duration("claim-ttl", 2*time.Minute, "lifetime of a convergence claim")
	serveCmd.Flags().Int("max-sync-failures", 5, "failed syncs before a ticket is dead-lettered; 0 retries forever")
	serveCmd.Flags().Duration("failure-backoff", 30*time.Second, "rest after the first failed sync, growing with failures squared; negative disables")
	serveCmd.Flags().Duration("max-failure-backoff", 15*time.Minute, "upper bound of the rest between failed syncs")
	serveCmd.Flags().Int("max-deliveries", 5, "deliveries of one event before it is dropped")
	serveCmd.Flags().Duration("redelivery-delay", time.Second, "base delay between deliveries")
	serveCmd.Flags().String("metrics-addr", ":9092", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("group_id", serveCmd.Flags(), "group-id")
	bindFlag("sink_login_url", serveCmd.Flags(), "sink-login-url")
	bindFlag("sink_client_id", serveCmd.Flags(), "sink-client-id")
	bindFlag("sink_client_secret", serveCmd.Flags(), "sink-client-secret")
	bindFlag("sink_username", serveCmd.Flags(), "sink-username")
	bindFlag("sink_password", serveCmd.Flags(), "sink-password")
	bindFlag("sink_security_token", serveCmd.Flags(), "sink-security-token")
	bindFlag("sink_api_version", serveCmd.Flags(), "sink-api-version")
	bindFlag("sink_object", serveCmd.Flags(), "sink-object")
	bindFlag("sink_supplied_email", serveCmd.Flags(), "sink-supplied-email")
	bindFlag("sink_timeout", serveCmd.Flags(), "sink-timeout")
	bindFlag("sink_retries", serveCmd.Flags(), "sink-retries")
	bindFlag("claim_ttl", serveCmd.Flags(), "claim-ttl")
	bindFlag("max_sync_failures", serveCmd.Flags(), "max-sync-failures")
	bindFlag("failure_backoff", serveCmd.Flags(), "failure-backoff")
	bindFlag("max_failure_backoff", serveCmd.Flags(), "max-failure-backoff")
	bindFlag("max_deliveries", serveCmd.Flags(), "max-deliveries")
	bindFlag("redelivery_delay", serveCmd.Flags(), "redelivery-delay")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "converger")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "converger", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:         brokers,
		Topic:           recordstore.TopicUpdated,
		GroupID:         cfg.GroupID,
		MaxDeliveries:   cfg.MaxDeliveries,
		RedeliveryDelay: cfg.RedeliveryDelay,
	}, logger)
	defer func() { _ = consumer.Close() }()

	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	store := recordstore.New(
		redisstore.NewTicketStore(redisClient),
		redisstore.NewClaimStore(redisClient),
		producer,
		logger,
	)

	opts := []converge.Option{converge.WithLogger(logger)}
	checks := []telemetry.ReadinessCheck{
		func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		opts = append(opts, converge.WithLedger(postgres.NewRepository(pool)))
		checks = append(checks, pool.Ping)
	}

	client := sink.NewSalesforce(sink.Config{
		LoginURL:      cfg.SinkLoginURL,
		ClientID:      cfg.SinkClientID,
		ClientSecret:  cfg.SinkClientSecret,
		Username:      cfg.SinkUsername,
		Password:      cfg.SinkPassword,
		SecurityToken: cfg.SinkSecurityToken,
		APIVersion:    cfg.SinkAPIVersion,
		Object:        cfg.SinkObject,
		SuppliedEmail: cfg.SinkSuppliedEmail,
		Timeout:       cfg.SinkTimeout,
	})

	trigger := converge.NewTrigger(store, client, converge.Config{
		ClaimTTL:          cfg.ClaimTTL,
		SinkRetries:       cfg.SinkRetries,
		MaxSyncFailures:   cfg.MaxSyncFailures,
		FailureBackoff:    cfg.FailureBackoff,
		MaxFailureBackoff: cfg.MaxFailureBackoff,
	}, opts...)

	c := converger.NewConverger(consumer, trigger, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, checks...)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	logger.Info("converger starting",
		slog.String("topic", recordstore.TopicUpdated),
		slog.Duration("claim_ttl", cfg.ClaimTTL),
		slog.Int("max_sync_failures", cfg.MaxSyncFailures),
		slog.Duration("failure_backoff", cfg.FailureBackoff),
	)

	if err := c.Run(runCtx); err != nil {
		return fmt.Errorf("converger: %w", err)
	}
	logger.Info("stopped cleanly")
	return nil
}
