package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.EqualValues(t, 10485760, cfg.MaxPayloadSize)
	assert.Equal(t, 5000, cfg.MaxMinersPerUpload)
	assert.Equal(t, 60, cfg.MaxRequestRate)
	assert.Equal(t, 3, cfg.ConsumerMaxRetries)
	assert.Equal(t, time.Second, cfg.ConsumerBackoffBase)
	assert.Equal(t, 5*time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, 100, cfg.OutboxBatch)
	assert.Equal(t, 60*time.Second, cfg.EdgePollInterval)
	assert.Equal(t, 10*time.Second, cfg.EdgeJitter)
	assert.Equal(t, 20, cfg.EdgeWorkers)
	assert.Equal(t, 30*time.Minute, cfg.CommandTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_REQUEST_RATE", "120")
	t.Setenv("OUTBOX_BATCH", "250")
	t.Setenv("COMMAND_TTL_MIN", "5")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg := Load()
	assert.Equal(t, 120, cfg.MaxRequestRate)
	assert.Equal(t, 250, cfg.OutboxBatch)
	assert.Equal(t, 5*time.Minute, cfg.CommandTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("MAX_REQUEST_RATE", "not-a-number")
	cfg := Load()
	assert.Equal(t, 60, cfg.MaxRequestRate)
}
