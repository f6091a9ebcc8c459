package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validYAML = `
discovery:
  type: local
  local:
    cleanup_interval_seconds: 120
    persistence_file_path: /tmp/shield/directory.json
actor_system:
  node_id: auto
  worker_threads: 8
  heartbeat_interval_seconds: 5
  discovery_interval_seconds: 60
lua_vm_pool:
  initial_size: 2
  min_size: 1
  max_size: 4
  idle_timeout_ms: 300000
  acquire_timeout_ms: 2000
  preload_scripts: true
  script_paths: ["scripts/boot.lua"]
`

func writeTemp(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "local", cfg.Discovery.Type)
	require.Equal(t, 8, cfg.ActorSystem.WorkerThreads)
	require.Equal(t, 4, cfg.LuaVMPool.MaxSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsUnknownDiscoveryType(t *testing.T) {
	cfg := &Config{Discovery: DiscoveryConfig{Type: "mongo"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingDiscoveryType(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsEtcdWithoutEndpoints(t *testing.T) {
	cfg := &Config{Discovery: DiscoveryConfig{Type: "etcd"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadPoolBounds(t *testing.T) {
	cfg := &Config{
		Discovery: DiscoveryConfig{Type: "local"},
		LuaVMPool: LuaVMPoolConfig{InitialSize: 5, MinSize: 2, MaxSize: 4},
	}
	require.Error(t, cfg.Validate())
}

func TestResolveNodeIDHonorsExplicitValue(t *testing.T) {
	cfg := &Config{ActorSystem: ActorSystemConfig{NodeID: "node-7"}}
	require.Equal(t, "node-7", cfg.ResolveNodeID())
}

func TestResolveNodeIDGeneratesDistinctAutoValues(t *testing.T) {
	cfg := &Config{ActorSystem: ActorSystemConfig{NodeID: "auto"}}
	a := cfg.ResolveNodeID()
	b := cfg.ResolveNodeID()
	require.NotEqual(t, a, b)
}

func TestDiscoveryConfigTranslation(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	dc := cfg.DiscoveryConfig()
	require.EqualValues(t, "local", dc.Type)
	require.Equal(t, "/tmp/shield/directory.json", dc.Local.PersistenceFilePath)
}

func TestVMPoolConfigTranslation(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	pc := cfg.VMPoolConfig()
	require.Equal(t, 2, pc.InitialSize)
	require.Equal(t, 4, pc.MaxSize)
	require.True(t, pc.PreloadScripts)
	require.Equal(t, []string{"scripts/boot.lua"}, pc.ScriptPaths)
}
