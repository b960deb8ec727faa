/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string
	MetricsBind string

	// Scheduling
	SchedulerLookahead time.Duration
	BacktimeMaxTrim    float64       // max speed trim ratio per item
	BacktimeDropBehind time.Duration // lateness at a legal-ID breakpoint that forces a drop

	// Playout sequencer
	PlayoutEnabled      bool          // run the audio sequencer in this process
	SilenceThresholdDB  float64       // dBFS level below which output counts as silent
	SilenceTrigger      time.Duration // sustained silence before failover
	RecoveryThresholdDB float64       // dBFS level required for recovery
	RecoveryHold        time.Duration // sustained recovery level before leaving failover
	PreloadTimeout      time.Duration
	EmergencyCategoryID string // rotation category tapped when failover needs audio
	GStreamerBin        string
	AudioSink           string
	SampleRate          int
	Channels            int

	// Event fan-out
	NATSURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Export archive (S3-compatible object storage, optional)
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string
	S3UsePathStyle    bool

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("MUNINN_ENV", "development"),
		HTTPBind:    getEnv("MUNINN_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("MUNINN_HTTP_PORT", 8080),
		DBBackend:   DatabaseBackend(getEnv("MUNINN_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:       getEnv("MUNINN_DB_DSN", ""),
		MetricsBind: getEnv("MUNINN_METRICS_BIND", "127.0.0.1:9000"),

		SchedulerLookahead: time.Duration(getEnvInt("MUNINN_SCHEDULER_LOOKAHEAD_HOURS", 24)) * time.Hour,
		BacktimeMaxTrim:    getEnvFloat("MUNINN_BACKTIME_MAX_TRIM", 0.06),
		BacktimeDropBehind: time.Duration(getEnvInt("MUNINN_BACKTIME_DROP_BEHIND_SECONDS", 15)) * time.Second,

		PlayoutEnabled:      getEnvBool("MUNINN_PLAYOUT_ENABLED", false),
		SilenceThresholdDB:  getEnvFloat("MUNINN_SILENCE_THRESHOLD_DB", -45),
		SilenceTrigger:      getEnvDurationMS("MUNINN_SILENCE_TRIGGER_MS", 1500),
		RecoveryThresholdDB: getEnvFloat("MUNINN_RECOVERY_THRESHOLD_DB", -35),
		RecoveryHold:        getEnvDurationMS("MUNINN_RECOVERY_HOLD_MS", 3000),
		PreloadTimeout:      getEnvDurationMS("MUNINN_PRELOAD_TIMEOUT_MS", 5000),
		EmergencyCategoryID: getEnv("MUNINN_EMERGENCY_CATEGORY_ID", ""),
		GStreamerBin:        getEnv("MUNINN_GSTREAMER_BIN", "gst-launch-1.0"),
		AudioSink:           getEnv("MUNINN_AUDIO_SINK", "autoaudiosink"),
		SampleRate:          getEnvInt("MUNINN_SAMPLE_RATE", 44100),
		Channels:            getEnvInt("MUNINN_CHANNELS", 2),

		NATSURL:       getEnv("MUNINN_NATS_URL", ""),
		RedisAddr:     getEnv("MUNINN_REDIS_ADDR", ""),
		RedisPassword: getEnv("MUNINN_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("MUNINN_REDIS_DB", 0),

		S3AccessKeyID:     getEnv("MUNINN_S3_ACCESS_KEY_ID", os.Getenv("AWS_ACCESS_KEY_ID")),
		S3SecretAccessKey: getEnv("MUNINN_S3_SECRET_ACCESS_KEY", os.Getenv("AWS_SECRET_ACCESS_KEY")),
		S3Region:          getEnv("MUNINN_S3_REGION", "us-east-1"),
		S3Bucket:          getEnv("MUNINN_S3_BUCKET", ""),
		S3Endpoint:        getEnv("MUNINN_S3_ENDPOINT", ""),
		S3UsePathStyle:    getEnvBool("MUNINN_S3_USE_PATH_STYLE", false),

		TracingEnabled:    getEnvBool("MUNINN_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("MUNINN_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("MUNINN_TRACING_SAMPLE_RATE", 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("MUNINN_DB_DSN must be provided")
	}

	if cfg.BacktimeMaxTrim < 0 || cfg.BacktimeMaxTrim > 0.25 {
		return nil, fmt.Errorf("MUNINN_BACKTIME_MAX_TRIM %.3f outside sane range [0, 0.25]", cfg.BacktimeMaxTrim)
	}

	if cfg.RecoveryThresholdDB <= cfg.SilenceThresholdDB {
		return nil, fmt.Errorf("recovery threshold (%.1f dBFS) must sit above silence threshold (%.1f dBFS)",
			cfg.RecoveryThresholdDB, cfg.SilenceThresholdDB)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		switch val {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return def
}

func getEnvDurationMS(key string, defMS int) time.Duration {
	return time.Duration(getEnvInt(key, defMS)) * time.Millisecond
}
