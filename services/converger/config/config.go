package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the converger service.
type Config struct {
	LogLevel     string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	GroupID      string

	SinkLoginURL      string
	SinkClientID      string
	SinkClientSecret  string
	SinkUsername      string
	SinkPassword      string
	SinkSecurityToken string
	SinkAPIVersion    string
	SinkObject        string
	SinkSuppliedEmail string
	SinkTimeout       time.Duration
	SinkRetries       int

	ClaimTTL          time.Duration
	MaxSyncFailures   int
	FailureBackoff    time.Duration
	MaxFailureBackoff time.Duration

	MaxDeliveries   int
	RedeliveryDelay time.Duration

	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		RedisAddr:         v.GetString("redis_addr"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		GroupID:           v.GetString("group_id"),
		SinkLoginURL:      v.GetString("sink_login_url"),
		SinkClientID:      v.GetString("sink_client_id"),
		SinkClientSecret:  v.GetString("sink_client_secret"),
		SinkUsername:      v.GetString("sink_username"),
		SinkPassword:      v.GetString("sink_password"),
		SinkSecurityToken: v.GetString("sink_security_token"),
		SinkAPIVersion:    v.GetString("sink_api_version"),
		SinkObject:        v.GetString("sink_object"),
		SinkSuppliedEmail: v.GetString("sink_supplied_email"),
		SinkTimeout:       v.GetDuration("sink_timeout"),
		SinkRetries:       v.GetInt("sink_retries"),
		ClaimTTL:          v.GetDuration("claim_ttl"),
		MaxSyncFailures:   v.GetInt("max_sync_failures"),
		FailureBackoff:    v.GetDuration("failure_backoff"),
		MaxFailureBackoff: v.GetDuration("max_failure_backoff"),
		MaxDeliveries:     v.GetInt("max_deliveries"),
		RedeliveryDelay:   v.GetDuration("redelivery_delay"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
	}
}
