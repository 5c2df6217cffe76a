package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the reconciler service.
type Config struct {
	LogLevel        string
	KafkaBrokers    string
	RedisAddr       string
	Schedule        string
	BatchSize       int
	MaxScan         int
	SettleGrace     time.Duration
	RedriveAfter    time.Duration
	RecheckInterval time.Duration
	AbandonAfter    time.Duration
	LeaderTTL       time.Duration
	MetricsAddr     string
	OTelEndpoint    string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		RedisAddr:       v.GetString("redis_addr"),
		Schedule:        v.GetString("schedule"),
		BatchSize:       v.GetInt("batch_size"),
		MaxScan:         v.GetInt("max_scan"),
		SettleGrace:     v.GetDuration("settle_grace"),
		RedriveAfter:    v.GetDuration("redrive_after"),
		RecheckInterval: v.GetDuration("recheck_interval"),
		AbandonAfter:    v.GetDuration("abandon_after"),
		LeaderTTL:       v.GetDuration("leader_ttl"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
	}
}
