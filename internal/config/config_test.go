package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.SchedulerElected)
	assert.Equal(t, "distq-work", cfg.Queue)
	assert.Equal(t, "distq-deadletter", cfg.DeadLetterQueue)
	assert.Equal(t, 900*time.Second, cfg.MaxRandomDelay)
	assert.Equal(t, TransportRabbitMQ, cfg.Transport)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DISTQ_ENABLED", "false")
	t.Setenv("DISTQ_SCHEDULER_ENABLED", "true")
	t.Setenv("DISTQ_QUEUE", "work-${env}")
	t.Setenv("DISTQ_MAX_RANDOM_DELAY", "30s")
	t.Setenv("DISTQ_SEND_WORKERS", "8")
	t.Setenv("DISTQ_TRANSPORT", TransportRedis)

	cfg := Load()

	assert.False(t, cfg.Enabled)
	assert.True(t, cfg.SchedulerElected)
	assert.Equal(t, "work-${env}", cfg.Queue)
	assert.Equal(t, 30*time.Second, cfg.MaxRandomDelay)
	assert.Equal(t, 8, cfg.SendWorkers)
	assert.Equal(t, TransportRedis, cfg.Transport)
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("DISTQ_MAX_RANDOM_DELAY", "120")
	assert.Equal(t, 120*time.Second, Load().MaxRandomDelay)

	t.Setenv("DISTQ_MAX_RANDOM_DELAY", "garbage")
	assert.Equal(t, 900*time.Second, Load().MaxRandomDelay)
}
