package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seqvault/internal/bytesize"
)

const ingestYAML = `
log:
  level: debug
  format: json

broker:
  host: mq.local
  user: lega
  password: secret
  queue: files
  exchange: seqvault
  routing_key: archived

db:
  host: db.local
  user: ingest
  password: secret
  database: seqvault
  try_attempts: 30
  try_interval: 250ms

inbox:
  driver: FileStorage
  posix:
    location: /ega/inbox/%s

archive:
  driver: S3Storage
  s3:
    url: http://minio:9000
    bucket: archive
    accesskey: ak
    secretkey: sk
    connecttimeout: 90s
    chunksize: 16MiB
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestNewConfigIngest(t *testing.T) {
	cfg, err := NewConfig(ServiceIngest, writeConfig(t, ingestYAML))
	require.NoError(t, err)

	assert.Equal(t, ServiceIngest, cfg.Service)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Equal(t, "mq.local", cfg.Broker.Host)
	assert.Equal(t, "files", cfg.Broker.Queue)
	assert.Equal(t, "seqvault", cfg.Broker.Exchange)

	assert.Equal(t, "db.local", cfg.Database.Host)
	assert.Equal(t, 30, cfg.Database.TryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Database.TryInterval)

	assert.Equal(t, "FileStorage", cfg.Inbox.Driver)
	assert.Equal(t, "/ega/inbox/%s", cfg.Inbox.Posix.Location)
	assert.Equal(t, "S3Storage", cfg.Archive.Driver)
	assert.Equal(t, 90*time.Second, cfg.Archive.S3.ConnectTimeout)
	assert.Equal(t, 16*bytesize.MiB, cfg.Archive.S3.ChunkSize)
}

func TestNewConfigAppliesDefaults(t *testing.T) {
	cfg, err := NewConfig(ServiceIngest, writeConfig(t, ingestYAML))
	require.NoError(t, err)

	assert.Equal(t, 5672, cfg.Broker.Port)
	assert.Equal(t, "/", cfg.Broker.Vhost)
	assert.Equal(t, "error", cfg.Broker.RoutingError)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "prefer", cfg.Database.SSLMode)
	assert.Equal(t, 8080, cfg.Ops.Port)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.Endpoint)
	assert.InDelta(t, 1.0, cfg.Telemetry.SampleRate, 0.001)
	assert.NotEmpty(t, cfg.Telemetry.Profiling.ProfileTypes)
}

func TestNewConfigUnknownService(t *testing.T) {
	_, err := NewConfig("mystery", writeConfig(t, ingestYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")
}

func TestNewConfigReportsMissingKeys(t *testing.T) {
	incomplete := `
broker:
  host: mq.local
  user: lega
  password: secret
  queue: files
db:
  host: db.local
  user: ingest
  password: secret
  database: seqvault
`

	_, err := NewConfig(ServiceIngest, writeConfig(t, incomplete))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inbox.driver")
	assert.Contains(t, err.Error(), "archive.driver")

	// The same file is complete for finalize, which needs no storage.
	_, err = NewConfig(ServiceFinalize, writeConfig(t, incomplete))
	assert.NoError(t, err)
}

func TestNewConfigVerifyNeedsMasterKey(t *testing.T) {
	verifyYAML := `
broker:
  host: mq.local
  user: lega
  password: secret
  queue: archived
db:
  host: db.local
  user: verify
  password: secret
  database: seqvault
archive:
  driver: FileStorage
  posix:
    location: /ega/archive
`

	_, err := NewConfig(ServiceVerify, writeConfig(t, verifyYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master_key.loader")

	complete := verifyYAML + `
master_key:
  loader: C4GHFileKey
  filepath: /keys/master.key.sec
  passphrase: secret
`

	cfg, err := NewConfig(ServiceVerify, writeConfig(t, complete))
	require.NoError(t, err)
	assert.Equal(t, "C4GHFileKey", cfg.MasterKey.Loader)
}

func TestNewConfigRejectsBadOpsPort(t *testing.T) {
	bad := ingestYAML + `
ops:
  enabled: true
  port: 99999
`

	_, err := NewConfig(ServiceIngest, writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max")
}

func TestNewConfigRejectsBadTelemetryRate(t *testing.T) {
	bad := ingestYAML + `
telemetry:
  enabled: true
  sample_rate: 1.5
`

	_, err := NewConfig(ServiceIngest, writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lte")
}

func TestNewConfigEnvOverridesFile(t *testing.T) {
	t.Setenv("SEQVAULT_BROKER_HOST", "mq.override")
	t.Setenv("SEQVAULT_DB_TRY_ATTEMPTS", "5")

	cfg, err := NewConfig(ServiceIngest, writeConfig(t, ingestYAML))
	require.NoError(t, err)

	assert.Equal(t, "mq.override", cfg.Broker.Host)
	assert.Equal(t, 5, cfg.Database.TryAttempts)
}

func TestNewConfigFromEnvironmentOnly(t *testing.T) {
	env := map[string]string{
		"SEQVAULT_BROKER_HOST":     "mq.env",
		"SEQVAULT_BROKER_USER":     "lega",
		"SEQVAULT_BROKER_PASSWORD": "secret",
		"SEQVAULT_BROKER_QUEUE":    "stableIDs",
		"SEQVAULT_DB_HOST":         "db.env",
		"SEQVAULT_DB_USER":         "finalize",
		"SEQVAULT_DB_PASSWORD":     "secret",
		"SEQVAULT_DB_DATABASE":     "seqvault",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	// Point the file search at an empty directory.
	t.Setenv("CONFIGFILE", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := NewConfig(ServiceFinalize, "")
	require.NoError(t, err)

	assert.Equal(t, "mq.env", cfg.Broker.Host)
	assert.Equal(t, "stableIDs", cfg.Broker.Queue)
	assert.Equal(t, "db.env", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestConfigFileFlagBeatsEnvVar(t *testing.T) {
	flagged := writeConfig(t, ingestYAML)
	other := writeConfig(t, ingestYAML+"\nops:\n  enabled: true\n")
	t.Setenv("CONFIGFILE", other)

	cfg, err := NewConfig(ServiceIngest, flagged)
	require.NoError(t, err)
	assert.False(t, cfg.Ops.Enabled)
}
