package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "loopcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_MasterConfig(t *testing.T) {
	path := writeConfig(t, `
role: master
log_level: debug
master:
  host: 0.0.0.0
  port: 11311
  heartbeat_interval: 5s
  questionable_after_misses: 3
  down_after_silence: 15s
`)

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, RoleMaster, f.Role)
	require.Equal(t, "debug", f.LogLevel)
	require.NotNil(t, f.Master)
	require.Equal(t, uint32(11311), f.Master.Port)
}

func TestLoad_NodeConfig(t *testing.T) {
	path := writeConfig(t, `
role: node
node:
  host: 127.0.0.1
  port: 11212
  max_bytes: 1073741824
  master_address: 127.0.0.1:11311
`)

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, RoleNode, f.Role)
	require.Equal(t, uint64(1073741824), f.Node.MaxBytes)
}

func TestLoad_EnvSubstitution(t *testing.T) {
	t.Setenv("LOOPCACHE_PORT", "9999")
	path := writeConfig(t, `
role: node
node:
  host: 127.0.0.1
  port: ${LOOPCACHE_PORT}
  max_bytes: 1024
  master_address: 127.0.0.1:11311
`)

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint32(9999), f.Node.Port)
}

func TestLoad_RejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
role: node
node:
  host: 127.0.0.1
  port: 11212
  master_address: 127.0.0.1:11311
`) // max_bytes omitted

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsUnknownRole(t *testing.T) {
	path := writeConfig(t, `role: bogus`)
	_, err := Load(path)
	require.Error(t, err)
}
