package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func minimal() map[string]string {
	return map[string]string{
		"RUN_SERVICE_URL": "http://runs.local",
		"GROUPME_BOT_ID":  "bot-1",
		"TRIGGER_PHRASE":  "@bot",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(env(minimal()))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, RunServiceHTTP, cfg.RunService.Kind)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, "relay", cfg.Mongo.Database)
	assert.Equal(t, 5*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, 800, cfg.Delivery.ChunkSize)
	assert.Equal(t, 5, cfg.Poll.RetryCeiling)
	assert.Equal(t, time.Second, cfg.Poll.Backoff)
	assert.Equal(t, 10*time.Minute, cfg.Poll.Timeout)
	assert.Equal(t, int64(64), cfg.Engine.MaxConcurrent)
	assert.InDelta(t, 1.0, cfg.Delivery.Rate, 1e-9)
	assert.Equal(t, 1, cfg.Delivery.Burst)
	assert.False(t, cfg.Debug)
}

func TestLoadEnvOverrides(t *testing.T) {
	vals := minimal()
	vals["STORE_BACKEND"] = "redis"
	vals["REDIS_URL"] = "localhost:6379"
	vals["SESSION_TIMEOUT"] = "2m"
	vals["CHUNK_SIZE"] = "400"
	vals["POLL_TIMEOUT"] = "30s"
	vals["MAX_CONCURRENT_INSTANCES"] = "8"
	vals["DELIVERY_RATE"] = "30/m"
	vals["DEBUG"] = "true"

	cfg, err := LoadFrom(env(vals))
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, 400, cfg.Delivery.ChunkSize)
	assert.Equal(t, 30*time.Second, cfg.Poll.Timeout)
	assert.Equal(t, int64(8), cfg.Engine.MaxConcurrent)
	assert.InDelta(t, 0.5, cfg.Delivery.Rate, 1e-9)
	assert.True(t, cfg.Debug)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
run_service:
  kind: griptape
  api_key: key
  app_id: app
session:
  timeout: 7m
delivery:
  chunk_size: 500
groupme:
  bot_id: yaml-bot
  trigger_phrase: "@relay"
`), 0o600))

	cfg, err := LoadFrom(env(map[string]string{
		"RELAY_CONFIG":   path,
		"GROUPME_BOT_ID": "env-bot",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, RunServiceGriptape, cfg.RunService.Kind)
	assert.Equal(t, 7*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, 500, cfg.Delivery.ChunkSize)
	assert.Equal(t, "env-bot", cfg.GroupMe.BotID)
	assert.Equal(t, "@relay", cfg.GroupMe.TriggerPhrase)
	assert.Equal(t, 5, cfg.Poll.RetryCeiling)
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadFrom(env(map[string]string{}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "RUN_SERVICE_URL is required")
	assert.ErrorContains(t, err, "GROUPME_BOT_ID is required")
	assert.ErrorContains(t, err, "TRIGGER_PHRASE is required")

	vals := minimal()
	vals["STORE_BACKEND"] = "mongo"
	_, err = LoadFrom(env(vals))
	assert.ErrorContains(t, err, "MONGO_URI is required")

	vals = minimal()
	vals["CHUNK_SIZE"] = "lots"
	_, err = LoadFrom(env(vals))
	assert.ErrorContains(t, err, "CHUNK_SIZE")

	vals = minimal()
	vals["DELIVERY_RATE"] = "3/d"
	_, err = LoadFrom(env(vals))
	assert.ErrorContains(t, err, "unknown rate unit")

	_, err = LoadFrom(env(map[string]string{"RELAY_CONFIG": filepath.Join(t.TempDir(), "missing.yaml")}))
	assert.ErrorContains(t, err, "read config file")
}
