package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  addr: ":9090"
  tls_cert: /etc/pipedrop/cert.pem
  tls_key: /etc/pipedrop/key.pem
metrics:
  addr: "127.0.0.1:9091"
relay:
  sink_depth: 8
  copy_buffer_size: 65536
logging:
  enabled: false
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "/etc/pipedrop/cert.pem", cfg.Server.TLSCert)
	assert.Equal(t, "127.0.0.1:9091", cfg.Metrics.Addr)
	assert.Equal(t, 8, cfg.Relay.SinkDepth)
	assert.Equal(t, 65536, cfg.Relay.CopyBufferSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.LoggingEnabled())
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "server: [broken"))
	assert.Error(t, err)
}

func TestValidateRejectsLoneTLSSetting(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `
server:
  tls_cert: /etc/pipedrop/cert.pem
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls_cert and tls_key")
}

func TestValidateRejectsNegativeRelayTuning(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `
relay:
  sink_depth: -1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink_depth must not be negative")

	_, err = Load(writeConfig(t, `
relay:
  copy_buffer_size: -8
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy_buffer_size must not be negative")
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `
logging:
  level: loud
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "level must be one of")
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `
logging:
  format: xml
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format must be")
}

func TestLoggingEnabledDefaultsToTrue(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
server:
  addr: ":8080"
`))
	require.NoError(t, err)
	assert.True(t, cfg.LoggingEnabled())

	var nilCfg *Config
	assert.True(t, nilCfg.LoggingEnabled())
}
