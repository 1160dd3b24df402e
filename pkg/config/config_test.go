package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectorion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_role: master
bind_address: "127.0.0.1:7001"
data_dir: /var/lib/vectorion
log_size: 5000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, RoleMaster, cfg.NodeRole)
	assert.Equal(t, "127.0.0.1:7001", cfg.BindAddress)
	assert.Equal(t, "/var/lib/vectorion", cfg.DataDir)
	assert.Equal(t, uint64(5000), cfg.LogSize)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectorion.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from/file\n"), 0o644))

	t.Setenv("VECTORION_DATA_DIR", "/from/env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.DataDir)
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().NodeRole, cfg.NodeRole)
}

func TestValidateRejectsReplicaWithoutMaster(t *testing.T) {
	cfg := Default()
	cfg.NodeRole = RoleReplica
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	cfg := Default()
	cfg.NodeRole = "bogus"
	assert.Error(t, cfg.Validate())
}
