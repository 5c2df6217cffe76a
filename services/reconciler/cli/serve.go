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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/ticketflow/internal/kafka"
	"github.com/ramiqadoumi/ticketflow/internal/recordstore"
	redisstore "github.com/ramiqadoumi/ticketflow/internal/redis"
	"github.com/ramiqadoumi/ticketflow/pkg/telemetry"
	"github.com/ramiqadoumi/ticketflow/services/reconciler"
	"github.com/ramiqadoumi/ticketflow/services/reconciler/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reconciler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("schedule", "@every 1m", "sweep schedule (cron spec or descriptor)")
	serveCmd.Flags().Int("batch-size", 100, "due tickets fetched per page")
	serveCmd.Flags().Int("max-scan", 1000, "tickets examined per sweep at most")
	serveCmd.Flags().Duration("settle-grace", 2*time.Minute, "age before a complete, unsynced ticket is re-announced")
	serveCmd.Flags().Duration("redrive-after", 0, "age before an incomplete ticket is re-enriched; 0 disables")
	serveCmd.Flags().Duration("recheck-interval", 5*time.Minute, "delay before a waiting ticket is examined again")
	serveCmd.Flags().Duration("abandon-after", 0, "age after which incomplete tickets leave the index; 0 keeps them")
	serveCmd.Flags().Duration("leader-ttl", 3*time.Minute, "leadership lease; must exceed the schedule interval")
	serveCmd.Flags().String("metrics-addr", ":9093", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("schedule", serveCmd.Flags(), "schedule")
	bindFlag("batch_size", serveCmd.Flags(), "batch-size")
	bindFlag("max_scan", serveCmd.Flags(), "max-scan")
	bindFlag("settle_grace", serveCmd.Flags(), "settle-grace")
	bindFlag("redrive_after", serveCmd.Flags(), "redrive-after")
	bindFlag("recheck_interval", serveCmd.Flags(), "recheck-interval")
	bindFlag("abandon_after", serveCmd.Flags(), "abandon-after")
	bindFlag("leader_ttl", serveCmd.Flags(), "leader-ttl")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	instanceID := "reconciler-" + uuid.New().String()[:8]
	logger := buildLogger(cfg.LogLevel, "reconciler").With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "reconciler", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
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
	leader := redisstore.NewLeader(redisClient, reconciler.LeaderKey, instanceID, cfg.LeaderTTL)

	r := reconciler.NewReconciler(store, leader, reconciler.Config{
		Schedule:        cfg.Schedule,
		BatchSize:       cfg.BatchSize,
		MaxScan:         cfg.MaxScan,
		SettleGrace:     cfg.SettleGrace,
		RedriveAfter:    cfg.RedriveAfter,
		RecheckInterval: cfg.RecheckInterval,
		AbandonAfter:    cfg.AbandonAfter,
	}, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger,
		func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	logger.Info("reconciler starting",
		slog.String("schedule", cfg.Schedule),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Duration("settle_grace", cfg.SettleGrace),
		slog.Duration("redrive_after", cfg.RedriveAfter),
		slog.Duration("abandon_after", cfg.AbandonAfter),
	)

	if err := r.Run(runCtx); err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}
	logger.Info("stopped cleanly")
	return nil
}
