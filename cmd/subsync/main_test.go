package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/internal/config"
)

const purchaseBody = `{
  "api_version": "1.0",
  "event": {
    "id": "evt_replay_1",
    "type": "INITIAL_PURCHASE",
    "app_user_id": "7f3c2a1e-5b4d-4c6e-8f9a-0b1c2d3e4f5a",
    "product_id": "pro_monthly",
    "entitlement_ids": ["pro"],
    "purchased_at_ms": 1714557600000,
    "expiration_at_ms": 1717236000000,
    "event_timestamp_ms": 1714557600000,
    "store": "APP_STORE",
    "environment": "PRODUCTION"
  }
}`

func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE", "memory")
	t.Setenv("APP_ENV", "test")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("REDIS_URL", "")
	t.Setenv("RABBITMQ_URL", "")
	t.Setenv("PROVIDER_API_KEY", "")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestReplay_ReconcilesStoredBodies(t *testing.T) {
	memoryEnv(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "purchase.json")
	bad := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(good, []byte(purchaseBody), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))

	out, err := execute(t, "replay", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 events failed")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	var first, second replayResult
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))

	assert.Equal(t, "created", first.Outcome)
	assert.Equal(t, "candidate_unauthenticated", first.Resolution)
	assert.NotEmpty(t, first.RecordID)
	assert.Empty(t, first.Error)

	assert.Equal(t, "failed", second.Outcome)
	assert.NotEmpty(t, second.Error)
}

func TestReplay_MissingFile(t *testing.T) {
	memoryEnv(t)

	_, err := execute(t, "replay", filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestSync_RequiresAPIKey(t *testing.T) {
	memoryEnv(t)

	_, err := execute(t, "sync", "--user", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROVIDER_API_KEY")

	_, err = execute(t, "sync")
	assert.Error(t, err, "--user is required")
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	memoryEnv(t)

	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE=postgres")
}

func TestInvalidConfigFailsEarly(t *testing.T) {
	memoryEnv(t)
	t.Setenv("STORE", "sqlite")

	_, err := execute(t, "replay", "-")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := newLogger(&config.Config{AppEnv: "production", LogLevel: "WARN"}, &buf)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
	logger.Warn().Str("k", "v").Msg("hello")
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())), "production logs are JSON")

	logger = newLogger(&config.Config{AppEnv: "production", LogLevel: "verbose"}, &buf)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())

	buf.Reset()
	logger = newLogger(&config.Config{AppEnv: "development", LogLevel: "debug"}, &buf)
	logger.Debug().Msg("console")
	assert.Contains(t, buf.String(), "console")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestServe_HelpDocumentsSecretTransports(t *testing.T) {
	out, err := execute(t, "serve", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "LEGACY_SECRET_TRANSPORT=true")
	assert.Contains(t, out, "ENABLE_HMAC")
}
