package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	HTTP        HTTPConfig
	Anomaly     AnomalyConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection, detection request and event settings
type RabbitMQConfig struct {
	URL              string
	DetectExchange   string
	DetectQueue      string
	DetectRoutingKey string
	EventsExchange   string
	MarkedRoutingKey string
	ResetRoutingKey  string
	DLQQueue         string
	PrefetchCount    int
}

// HTTPConfig holds API server settings
type HTTPConfig struct {
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	ZScoreThreshold          float64
	MinReadings              int
	LookbackDays             int
	MovingAverageWindowHours int
	MovingAverageMultiplier  float64
	SummaryDays              int
	MaxLookbackDays          int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "energy-anomaly-engine"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8081),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			DetectExchange:   getEnv("RABBITMQ_DETECT_EXCHANGE", "energy-metering.anomaly.exchange"),
			DetectQueue:      getEnv("RABBITMQ_DETECT_QUEUE", "energy-metering.anomaly.detect.queue"),
			DetectRoutingKey: getEnv("RABBITMQ_DETECT_ROUTING_KEY", "meter.anomaly.detect"),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "energy-metering.anomaly.events.exchange"),
			MarkedRoutingKey: getEnv("RABBITMQ_MARKED_ROUTING_KEY", "meter.anomalies.marked"),
			ResetRoutingKey:  getEnv("RABBITMQ_RESET_ROUTING_KEY", "meter.anomalies.reset"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "energy-metering.anomaly.detect.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 4),
		},
		HTTP: HTTPConfig{
			CORSOrigins:     getEnvAsSlice("HTTP_CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Anomaly: AnomalyConfig{
			ZScoreThreshold:          getEnvAsFloat("ANOMALY_ZSCORE_THRESHOLD", 2.5),
			MinReadings:              getEnvAsInt("ANOMALY_MIN_READINGS", 10),
			LookbackDays:             getEnvAsInt("ANOMALY_LOOKBACK_DAYS", 30),
			MovingAverageWindowHours: getEnvAsInt("ANOMALY_MA_WINDOW_HOURS", 24),
			MovingAverageMultiplier:  getEnvAsFloat("ANOMALY_MA_MULTIPLIER", 2.0),
			SummaryDays:              getEnvAsInt("ANOMALY_SUMMARY_DAYS", 7),
			MaxLookbackDays:          getEnvAsInt("ANOMALY_MAX_LOOKBACK_DAYS", 365),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if err := cfg.Anomaly.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (a AnomalyConfig) validate() error {
	if a.ZScoreThreshold <= 0 {
		return fmt.Errorf("ANOMALY_ZSCORE_THRESHOLD must be positive, got %v", a.ZScoreThreshold)
	}
	if a.MovingAverageWindowHours < 1 {
		return fmt.Errorf("ANOMALY_MA_WINDOW_HOURS must be at least 1, got %d", a.MovingAverageWindowHours)
	}
	if a.MovingAverageMultiplier <= 0 {
		return fmt.Errorf("ANOMALY_MA_MULTIPLIER must be positive, got %v", a.MovingAverageMultiplier)
	}
	if a.MaxLookbackDays < 1 {
		return fmt.Errorf("ANOMALY_MAX_LOOKBACK_DAYS must be at least 1, got %d", a.MaxLookbackDays)
	}
	if a.LookbackDays < 1 || a.LookbackDays > a.MaxLookbackDays {
		return fmt.Errorf("ANOMALY_LOOKBACK_DAYS must be within 1..%d, got %d", a.MaxLookbackDays, a.LookbackDays)
	}
	if a.SummaryDays < 1 || a.SummaryDays > a.MaxLookbackDays {
		return fmt.Errorf("ANOMALY_SUMMARY_DAYS must be within 1..%d, got %d", a.MaxLookbackDays, a.SummaryDays)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
