package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the enricher service.
type Config struct {
	LogLevel     string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	GroupID      string

	ModelEndpoint       string
	ModelProject        string
	PriorityModel       string
	ResolutionTimeModel string
	LanguageEndpoint    string

	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	PredictTimeout   time.Duration
	PredictRateLimit int
	PredictWindow    time.Duration

	MaxDeliveries   int
	RedeliveryDelay time.Duration

	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:            v.GetString("log_level"),
		KafkaBrokers:        v.GetString("kafka_brokers"),
		RedisAddr:           v.GetString("redis_addr"),
		PostgresDSN:         v.GetString("postgres_dsn"),
		GroupID:             v.GetString("group_id"),
		ModelEndpoint:       v.GetString("model_endpoint"),
		ModelProject:        v.GetString("model_project"),
		PriorityModel:       v.GetString("priority_model"),
		ResolutionTimeModel: v.GetString("resolution_time_model"),
		LanguageEndpoint:    v.GetString("language_endpoint"),
		TokenURL:            v.GetString("oauth_token_url"),
		ClientID:            v.GetString("oauth_client_id"),
		ClientSecret:        v.GetString("oauth_client_secret"),
		Scopes:              v.GetStringSlice("oauth_scopes"),
		PredictTimeout:      v.GetDuration("predict_timeout"),
		PredictRateLimit:    v.GetInt("predict_rate_limit"),
		PredictWindow:       v.GetDuration("predict_rate_window"),
		MaxDeliveries:       v.GetInt("max_deliveries"),
		RedeliveryDelay:     v.GetDuration("redelivery_delay"),
		MetricsAddr:         v.GetString("metrics_addr"),
		OTelEndpoint:        v.GetString("otel_endpoint"),
	}
}
