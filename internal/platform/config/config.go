// Package config builds the process configuration from environment variables
// so main stays lean. Every knob has a development default; production
// deployments override through the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	platformstrings "veriflow/pkg/platform/strings"
)

// Config is the full process configuration.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	MintReward      bool

	Postgres  Postgres
	Redis     Redis
	Kafka     Kafka
	Webhook   Webhook
	Providers ProviderGateway
}

// ProviderGateway configures the HTTP facade fronting the external vendors.
// An empty BaseURL selects the in-process sandbox providers.
type ProviderGateway struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Postgres configures the instance store. An empty DSN selects the in-memory
// store.
type Postgres struct {
	DSN string
}

// Redis configures the deduplication store. An empty URL selects the
// in-memory store.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the audit sink. Empty seeds select the in-memory sink.
type Kafka struct {
	Seeds []string
	Topic string
}

// Webhook configures provider webhook authentication. Secrets maps a provider
// name to its HS256 signing secret.
type Webhook struct {
	Audience string
	Secrets  map[string][]byte
}

// FromEnv builds the configuration from VERIFLOW_* environment variables.
func FromEnv() Config {
	return Config{
		Addr:            envStr("VERIFLOW_ADDR", ":8080"),
		ShutdownTimeout: envDur("VERIFLOW_SHUTDOWN_TIMEOUT", 30*time.Second),
		MintReward:      os.Getenv("VERIFLOW_MINT_REWARD") == "true",
		Postgres: Postgres{
			DSN: os.Getenv("VERIFLOW_POSTGRES_DSN"),
		},
		Redis: Redis{
			URL:          os.Getenv("VERIFLOW_REDIS_URL"),
			PoolSize:     envInt("VERIFLOW_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("VERIFLOW_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDur("VERIFLOW_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDur("VERIFLOW_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDur("VERIFLOW_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Seeds: platformstrings.DedupeAndTrim(strings.Split(os.Getenv("VERIFLOW_KAFKA_SEEDS"), ",")),
			Topic: envStr("VERIFLOW_KAFKA_TOPIC", "veriflow.audit"),
		},
		Webhook: Webhook{
			Audience: envStr("VERIFLOW_WEBHOOK_AUDIENCE", "veriflow"),
			Secrets:  parseSecrets(os.Getenv("VERIFLOW_WEBHOOK_SECRETS")),
		},
		Providers: ProviderGateway{
			BaseURL: os.Getenv("VERIFLOW_PROVIDER_GATEWAY_URL"),
			APIKey:  os.Getenv("VERIFLOW_PROVIDER_GATEWAY_API_KEY"),
			Timeout: envDur("VERIFLOW_PROVIDER_GATEWAY_TIMEOUT", 30*time.Second),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// parseSecrets parses "provider=secret,provider=secret" pairs.
func parseSecrets(s string) map[string][]byte {
	secrets := make(map[string][]byte)
	for _, pair := range strings.Split(s, ",") {
		name, secret, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || secret == "" {
			continue
		}
		secrets[name] = []byte(secret)
	}
	return secrets
}
