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

	"github.com/ramiqadoumi/ticketflow/internal/enrich"
	"github.com/ramiqadoumi/ticketflow/internal/kafka"
	"github.com/ramiqadoumi/ticketflow/internal/postgres"
	"github.com/ramiqadoumi/ticketflow/internal/predictor"
	"github.com/ramiqadoumi/ticketflow/internal/recordstore"
	redisstore "github.com/ramiqadoumi/ticketflow/internal/redis"
	"github.com/ramiqadoumi/ticketflow/pkg/telemetry"
	"github.com/ramiqadoumi/ticketflow/services/enricher"
	"github.com/ramiqadoumi/ticketflow/services/enricher/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the enricher",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN of the audit ledger; empty disables it")
	serveCmd.Flags().String("group-id", "enricher-group", "Kafka consumer group")
	serveCmd.Flags().String("model-endpoint", "http://localhost:8501", "model-serving base URL")
	serveCmd.Flags().String("model-project", "support", "model-serving project")
	serveCmd.Flags().String("priority-model", "priority", "model predicting the priority")
	serveCmd.Flags().String("resolution-time-model", "resolution-time", "model predicting the resolution time")
	serveCmd.Flags().String("language-endpoint", "http://localhost:8502", "language analysis base URL")
	serveCmd.Flags().String("oauth-token-url", "", "OAuth2 token URL for the predictor; empty disables auth")
	serveCmd.Flags().String("oauth-client-id", "", "OAuth2 client id")
	serveCmd.Flags().String("oauth-client-secret", "", "OAuth2 client secret")
	serveCmd.Flags().StringSlice("oauth-scopes", nil, "OAuth2 scopes")
	serveCmd.Flags().Duration("predict-timeout", 30*time.Second, "per-call predictor timeout")
	serveCmd.Flags().Int("predict-rate-limit", 0, "predictor calls per model per window; 0 disables")
	serveCmd.Flags().Duration("predict-rate-window", time.Minute, "predictor rate limit window")
	serveCmd.Flags().Int("max-deliveries", 5, "deliveries of one event before it is dropped")
	serveCmd.Flags().Duration("redelivery-delay", time.Second, "base delay between deliveries")
	serveCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("group_id", serveCmd.Flags(), "group-id")
	bindFlag("model_endpoint", serveCmd.Flags(), "model-endpoint")
	bindFlag("model_project", serveCmd.Flags(), "model-project")
	bindFlag("priority_model", serveCmd.Flags(), "priority-model")
	bindFlag("resolution_time_model", serveCmd.Flags(), "resolution-time-model")
	bindFlag("language_endpoint", serveCmd.Flags(), "language-endpoint")
	bindFlag("oauth_token_url", serveCmd.Flags(), "oauth-token-url")
	bindFlag("oauth_client_id", serveCmd.Flags(), "oauth-client-id")
	bindFlag("oauth_client_secret", serveCmd.Flags(), "oauth-client-secret")
	bindFlag("oauth_scopes", serveCmd.Flags(), "oauth-scopes")
	bindFlag("predict_timeout", serveCmd.Flags(), "predict-timeout")
	bindFlag("predict_rate_limit", serveCmd.Flags(), "predict-rate-limit")
	bindFlag("predict_rate_window", serveCmd.Flags(), "predict-rate-window")
	bindFlag("max_deliveries", serveCmd.Flags(), "max-deliveries")
	bindFlag("redelivery_delay", serveCmd.Flags(), "redelivery-delay")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "enricher")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "enricher", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:         brokers,
		Topic:           recordstore.TopicCreated,
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

	deps := enrich.Deps{Store: store, Timeout: cfg.PredictTimeout, Logger: logger}
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
		deps.Ledger = postgres.NewRepository(pool)
		checks = append(checks, pool.Ping)
	}

	httpClient := predictor.NewHTTPClient(context.Background(), predictor.AuthConfig{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
	}, cfg.PredictTimeout)

	var (
		models   predictor.Client = predictor.NewModelServing(httpClient, cfg.ModelEndpoint, cfg.ModelProject)
		language predictor.Client = predictor.NewLanguage(httpClient, cfg.LanguageEndpoint)
	)
	if cfg.PredictRateLimit > 0 {
		limiter := redisstore.NewRateLimiter(redisClient, cfg.PredictRateLimit, cfg.PredictWindow)
		models = predictor.WithRateLimit(models, limiter)
		language = predictor.WithRateLimit(language, limiter)
	}

	registry := enrich.NewRegistry()
	registry.Register(enrich.NewPriorityTask(deps, models, cfg.PriorityModel))
	registry.Register(enrich.NewResolutionTimeTask(deps, models, cfg.ResolutionTimeModel))
	registry.Register(enrich.NewSentimentTask(deps, language))
	registry.Register(enrich.NewTagsTask(deps, language))

	e := enricher.NewEnricher(consumer, store, registry, enricher.WithLogger(logger))

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, checks...)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, draining in-flight tickets...")
		runCancel()
	}()

	logger.Info("enricher starting",
		slog.String("topic", recordstore.TopicCreated),
		slog.Int("max_deliveries", cfg.MaxDeliveries),
		slog.Duration("predict_timeout", cfg.PredictTimeout),
	)

	if err := e.Run(runCtx); err != nil {
		return fmt.Errorf("enricher: %w", err)
	}

	e.Wait()
	logger.Info("stopped cleanly")
	return nil
}
