package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.Postgres.DSN)
	assert.Empty(t, cfg.Kafka.Seeds)
	assert.Equal(t, "veriflow.audit", cfg.Kafka.Topic)
	assert.Equal(t, "veriflow", cfg.Webhook.Audience)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("VERIFLOW_ADDR", ":9090")
	t.Setenv("VERIFLOW_SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("VERIFLOW_KAFKA_SEEDS", "broker-1:9092, broker-2:9092")
	t.Setenv("VERIFLOW_WEBHOOK_SECRETS", "document=s3cret,background=0ther")
	t.Setenv("VERIFLOW_REDIS_POOL_SIZE", "25")

	cfg := FromEnv()
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Seeds)
	assert.Equal(t, []byte("s3cret"), cfg.Webhook.Secrets["document"])
	assert.Equal(t, []byte("0ther"), cfg.Webhook.Secrets["background"])
	assert.Equal(t, 25, cfg.Redis.PoolSize)
}

func TestParseSecretsSkipsMalformedPairs(t *testing.T) {
	secrets := parseSecrets("document=ok,,broken,=nope,background=")
	assert.Len(t, secrets, 1)
	assert.Equal(t, []byte("ok"), secrets["document"])
}
