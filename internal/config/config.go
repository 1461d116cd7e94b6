package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DSN      string
	HTTPPort string
	Username string
	Password string

	KafkaBrokers []string
	KafkaGroupID string
	KafkaTopic   string

	CodeLength      int
	CodeAlphabet    string
	PINEnabled      bool
	PINLength       int
	MaxCodeAttempts int

	DefaultExpiry time.Duration
	SweepInterval time.Duration
	WarnInterval  time.Duration
	WarnWindow    time.Duration

	AuditFilter string
}

func LoadConfig() *Config {
	brokersStr := getEnv("KAFKA_BROKERS", "localhost:9092")
	return &Config{
		DSN:          getEnv("APP_DSN", "host=localhost user=postgres password=postgres dbname=lockers sslmode=disable"),
		HTTPPort:     getEnv("APP_PORT", "9000"),
		Username:     getEnv("APP_USER", "admin"),
		Password:     getEnv("APP_PASS", "secret"),
		KafkaBrokers: strings.Split(brokersStr, ","),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "audit-group"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "audit-events"),

		CodeLength:      getEnvInt("CODE_LENGTH", 6),
		CodeAlphabet:    getEnv("CODE_ALPHABET", "0123456789"),
		PINEnabled:      getEnvBool("PIN_ENABLED", false),
		PINLength:       getEnvInt("PIN_LENGTH", 4),
		MaxCodeAttempts: getEnvInt("MAX_CODE_ATTEMPTS", 10),

		DefaultExpiry: getEnvDuration("DEFAULT_EXPIRY", 48*time.Hour),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", time.Minute),
		WarnInterval:  getEnvDuration("WARN_INTERVAL", time.Hour),
		WarnWindow:    getEnvDuration("WARN_WINDOW", 24*time.Hour),

		AuditFilter: getEnv("AUDIT_FILTER", ""),
	}
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%s", c.HTTPPort)
}
