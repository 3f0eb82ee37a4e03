package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/corebank/settlement/libs/config"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string

	// RowLockTimeout bounds how long a statement waits on a row lock
	// before the attempt is treated as transient contention.
	RowLockTimeout time.Duration
}

func (d DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type KafkaConfig struct {
	Enabled            bool
	Brokers            []string
	ConsumerGroup      string
	TransfersRequested string
	TransfersCompleted string
	TransfersRejected  string
}

type SettlementConfig struct {
	LockWait       time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

type Config struct {
	App        *base.AppConfig
	DB         DBConfig
	Kafka      KafkaConfig
	Settlement SettlementConfig
}

func Load() (*Config, error) {
	app, err := base.Load(os.Getenv("BANK_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: app,
		DB: DBConfig{
			Host:           envString("POSTGRES_HOST", "localhost"),
			Port:           envInt("POSTGRES_PORT", 5432),
			Name:           envString("POSTGRES_DB", "settlement"),
			User:           envString("POSTGRES_USER", "settlement"),
			Password:       envString("POSTGRES_PASSWORD", "settlement"),
			SSLMode:        envString("POSTGRES_SSLMODE", "disable"),
			RowLockTimeout: envDuration("POSTGRES_ROW_LOCK_TIMEOUT", 1500*time.Millisecond),
		},
		Kafka: KafkaConfig{
			Enabled:            envBool("KAFKA_ENABLED", true),
			Brokers:            envCSV("KAFKA_BROKERS", "localhost:9092"),
			ConsumerGroup:      envString("KAFKA_CONSUMER_GROUP", "settlement-service"),
			TransfersRequested: envString("KAFKA_TOPIC_TRANSFERS_REQUESTED", "transfers.requested"),
			TransfersCompleted: envString("KAFKA_TOPIC_TRANSFERS_COMPLETED", "transfers.completed"),
			TransfersRejected:  envString("KAFKA_TOPIC_TRANSFERS_REJECTED", "transfers.rejected"),
		},
		Settlement: SettlementConfig{
			LockWait:       envDuration("SETTLEMENT_LOCK_WAIT", 2*time.Second),
			MaxAttempts:    envInt("SETTLEMENT_MAX_ATTEMPTS", 5),
			RetryBaseDelay: envDuration("SETTLEMENT_RETRY_BASE_DELAY", time.Second),
		},
	}

	if cfg.Settlement.MaxAttempts <= 0 {
		return nil, fmt.Errorf("SETTLEMENT_MAX_ATTEMPTS must be positive")
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func envCSV(key, fallback string) []string {
	raw := envString(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
