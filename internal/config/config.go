package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string

	// ProviderSecretKeys is the raw CREDIT_PROVIDER_SECRET_KEYS JSON object:
	// provider id to either a single ASCII secret or an ordered list of them.
	ProviderSecretKeys string

	// TimestampExpiration bounds now-timestamp on inbound provider callbacks.
	TimestampExpiration time.Duration

	// EligibilityWindow is stamped onto eligibility records as the deadline.
	EligibilityWindow time.Duration

	// IdentityURL locates the account/enrollment service used to fill in
	// learner profile fields and timestamps on outbound requests.
	IdentityURL string

	// AuthSecret signs the HS256 bearer tokens accepted by the API.
	AuthSecret string

	KafkaBrokers []string
	KafkaTopic   string

	ArchiveBucket string
	ArchivePrefix string
}

const (
	defaultAddr                = ":8071"
	defaultTimestampExpiration = 15 * time.Minute
	defaultEligibilityDays     = 365
	defaultKafkaTopic          = "credit.eligibility"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:                getEnv("CREDIT_ADDR", defaultAddr),
		DatabaseURL:         firstNonEmpty(os.Getenv("CREDIT_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		ProviderSecretKeys:  os.Getenv("CREDIT_PROVIDER_SECRET_KEYS"),
		TimestampExpiration: time.Duration(getInt("CREDIT_PROVIDER_TIMESTAMP_EXPIRATION", int(defaultTimestampExpiration/time.Second))) * time.Second,
		EligibilityWindow:   time.Duration(getInt("CREDIT_ELIGIBILITY_WINDOW_DAYS", defaultEligibilityDays)) * 24 * time.Hour,
		IdentityURL:         os.Getenv("CREDIT_IDENTITY_URL"),
		AuthSecret:          os.Getenv("CREDIT_AUTH_SECRET"),
		KafkaTopic:          getEnv("CREDIT_KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveBucket:       os.Getenv("CREDIT_ARCHIVE_BUCKET"),
		ArchivePrefix:       os.Getenv("CREDIT_ARCHIVE_PREFIX"),
	}
	if brokers := os.Getenv("CREDIT_KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or CREDIT_DATABASE_URL required")
	}
	if cfg.AuthSecret == "" {
		return Config{}, fmt.Errorf("CREDIT_AUTH_SECRET required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
