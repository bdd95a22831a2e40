package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/nodekeeper/internal/platform"
)

func testDirs(t *testing.T) platform.Dirs {
	t.Helper()
	return platform.DirsFor(platform.Linux, t.TempDir(), "")
}

func writeTOML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	dirs := testDirs(t)
	cfg, err := LoadWithDirs("", dirs)
	require.NoError(t, err)

	assert.Equal(t, dirs.Bin, cfg.Install.Dir)
	assert.Equal(t, "reth", cfg.Install.Binary)
	assert.Equal(t, "v1.5.0", cfg.Install.FallbackVersion)
	assert.Equal(t, 10*time.Second, cfg.Install.ResolveTimeout)
	assert.Equal(t, 60*time.Second, cfg.Install.IdleTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Install.DownloadTimeout)

	assert.Equal(t, "mainnet", cfg.Node.Chain)
	assert.Equal(t, dirs.Data, cfg.Node.DataDir)
	assert.Equal(t, "127.0.0.1:9001", cfg.Node.MetricsAddr)
	assert.Equal(t, 50, cfg.Node.LogFile.MaxSize)
	assert.Equal(t, 3, cfg.Node.LogFile.MaxFiles)
	assert.Equal(t, 10*time.Second, cfg.Node.StopGrace)
	assert.Equal(t, 1000, cfg.Node.LogCapacity)

	assert.Equal(t, "http://127.0.0.1:9001/metrics", cfg.Metrics.Endpoint)
	assert.Equal(t, time.Second, cfg.Metrics.Interval)
	assert.Equal(t, 60, cfg.Metrics.Capacity)

	assert.Equal(t, []int{8545, 8546, 8551}, cfg.Detect.Ports)
	assert.Equal(t, "reth", cfg.Detect.ProcessName)
	assert.Equal(t, 1536.0, cfg.Requirements.DiskGB)
	assert.Equal(t, 8.0, cfg.Requirements.MemoryGB)
	assert.Equal(t, []string{"sqlite://" + dirs.History}, cfg.History.DSNs)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeTOML(t, `
tick_interval = "250ms"

[install]
version = "v1.4.8"
idle_timeout = "5s"

[node]
chain = "sepolia"
metrics_addr = "0.0.0.0:9100"
extra_args = ["--http", "--ws"]
env = ["RUST_LOG=debug"]
stop_grace = "3s"

[node.log_file]
max_files = 7

[metrics]
custom = ["reth_network_outgoing_connections"]

[history]
dsn = ["sqlite://:memory:", "opensearch://localhost:9200/nodes"]

[log.slog]
level = "debug"
format = "json"
`)
	cfg, err := LoadWithDirs(path, testDirs(t))
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, "v1.4.8", cfg.Install.Version)
	assert.Equal(t, 5*time.Second, cfg.Install.IdleTimeout)
	assert.Equal(t, "sepolia", cfg.Node.Chain)
	assert.Equal(t, []string{"--http", "--ws"}, cfg.Node.ExtraArgs)
	assert.Equal(t, 3*time.Second, cfg.Node.StopGrace)
	assert.Equal(t, 7, cfg.Node.LogFile.MaxFiles)
	assert.Equal(t, 50, cfg.Node.LogFile.MaxSize)
	assert.Equal(t, "http://0.0.0.0:9100/metrics", cfg.Metrics.Endpoint)
	assert.Equal(t, []string{"reth_network_outgoing_connections"}, cfg.Metrics.Custom)
	assert.Len(t, cfg.History.DSNs, 2)
	assert.Equal(t, "json", cfg.Log.Slog.Format)

	nodeEnv, err := cfg.NodeEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"RUST_LOG=debug"}, nodeEnv)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeTOML(t, "[node]\nchain = \"sepolia\"\n")
	t.Setenv("NODEKEEPER_NODE_CHAIN", "holesky")
	t.Setenv("NODEKEEPER_METRICS_INTERVAL", "2s")
	t.Setenv("NODEKEEPER_INSTALL_VERSION", "v1.3.0")

	cfg, err := LoadWithDirs(path, testDirs(t))
	require.NoError(t, err)
	assert.Equal(t, "holesky", cfg.Node.Chain)
	assert.Equal(t, 2*time.Second, cfg.Metrics.Interval)
	assert.Equal(t, "v1.3.0", cfg.Install.Version)
}

func TestExplicitMissingFileFails(t *testing.T) {
	_, err := LoadWithDirs(filepath.Join(t.TempDir(), "nope.toml"), testDirs(t))
	assert.Error(t, err)
}

func TestMalformedFileFails(t *testing.T) {
	path := writeTOML(t, "[node\nchain=")
	_, err := LoadWithDirs(path, testDirs(t))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	path := writeTOML(t, `
tick_interval = "0s"
[metrics]
interval = "-1s"
capacity = 0
[detect]
ports = [0, 70000]
[log.slog]
level = "loud"
`)
	_, err := LoadWithDirs(path, testDirs(t))
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"tick_interval", "metrics.interval", "metrics.capacity", "invalid port 0", "invalid port 70000", "loud"} {
		assert.Contains(t, msg, want)
	}
}

func TestWriteDefaultsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.toml")
	require.NoError(t, WriteDefaults(path, false))
	assert.Error(t, WriteDefaults(path, false), "existing file is kept")
	require.NoError(t, WriteDefaults(path, true))

	cfg, err := LoadWithDirs(path, testDirs(t))
	require.NoError(t, err)
	assert.Equal(t, "mainnet", cfg.Node.Chain)
	assert.Equal(t, "reth", cfg.Install.Binary)
}
