//go:build !windows

package manager

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/nodekeeper/internal/config"
	"github.com/loykin/nodekeeper/internal/detector"
	"github.com/loykin/nodekeeper/internal/history"
	"github.com/loykin/nodekeeper/internal/history/sqlite"
	"github.com/loykin/nodekeeper/internal/installer"
	"github.com/loykin/nodekeeper/internal/lifecycle"
	"github.com/loykin/nodekeeper/internal/metrics"
	"github.com/loykin/nodekeeper/internal/platform"
	"github.com/loykin/nodekeeper/internal/process"
	"github.com/loykin/nodekeeper/internal/release"
	"github.com/loykin/nodekeeper/internal/sysreq"
)

const assetPath = "/releases/download/v1.5.0/reth-v1.5.0-x86_64-unknown-linux-gnu.tar.gz"

func nodeArchive(t *testing.T, script string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	body := []byte("#!/bin/sh\n" + script)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "reth", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

// releaseServer serves the node archive and a metrics payload.
func releaseServer(t *testing.T, archive []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case assetPath:
			if archive == nil {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(archive)
		case "/metrics":
			_, _ = w.Write([]byte("# TYPE reth_network_connected_peers gauge\nreth_network_connected_peers 7\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, srv *httptest.Server) *config.Config {
	t.Helper()
	dirs := platform.DirsFor(platform.Linux, t.TempDir(), "")
	cfg, err := config.LoadWithDirs("", dirs)
	require.NoError(t, err)
	cfg.Install.Version = "v1.5.0"
	cfg.Install.BaseURL = srv.URL
	cfg.Metrics.Endpoint = srv.URL + "/metrics"
	cfg.Metrics.Interval = 20 * time.Millisecond
	cfg.Node.StopGrace = 2 * time.Second
	cfg.Node.LogFile.Dir = ""
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *sqlite.Sink) {
	t.Helper()
	m, err := New(cfg, nil)
	require.NoError(t, err)
	sink, err := sqlite.New(":memory:")
	require.NoError(t, err)
	m.SetHistorySinks(sink)
	m.SetDetectors()
	m.SetPlatform(platform.Linux, platform.AMD64)
	t.Cleanup(func() {
		_ = m.Stop()
		_ = m.Close()
	})
	return m, sink
}

func eventTypes(t *testing.T, m *Manager) []history.EventType {
	t.Helper()
	events, err := m.History(context.Background(), 50)
	require.NoError(t, err)
	out := make([]history.EventType, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i].Type)
	}
	return out
}

func tickUntil(t *testing.T, m *Manager, pred func() bool) []process.LogLine {
	t.Helper()
	var all []process.LogLine
	require.Eventually(t, func() bool {
		all = append(all, m.Tick()...)
		return pred()
	}, 5*time.Second, 20*time.Millisecond)
	return all
}

func TestInstallStartStopReset(t *testing.T) {
	srv := releaseServer(t, nodeArchive(t, `echo "args: $*"
echo "WARN no peers yet"
exec sleep 30
`))
	m, _ := newTestManager(t, testConfig(t, srv))

	var seen []lifecycle.Kind
	m.Machine().Observe(func(_, to lifecycle.State) {
		if len(seen) == 0 || seen[len(seen)-1] != to.Kind {
			seen = append(seen, to.Kind)
		}
	})

	res, err := m.Install(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "v1.5.0", res.Version)
	assert.FileExists(t, res.BinaryPath)
	assert.Equal(t, []lifecycle.Kind{lifecycle.FetchingVersion, lifecycle.Downloading, lifecycle.Extracting, lifecycle.Completed}, seen)

	snap := m.Snapshot()
	assert.Equal(t, lifecycle.Completed, snap.State.Kind)
	assert.Equal(t, "v1.5.0", snap.Version)

	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), process.ErrAlreadyRunning)
	assert.Equal(t, lifecycle.Running, m.Snapshot().State.Kind)
	assert.ErrorIs(t, m.Reset(), ErrNodeRunning)

	var lines []process.LogLine
	tickUntil(t, m, func() bool {
		lines = m.Logs(0)
		return len(lines) >= 2
	})
	assert.Contains(t, lines[0].Content, "args: node --full --log.stdout.format terminal --chain mainnet")
	assert.Equal(t, process.LevelWarn, lines[1].Level)
	assert.Len(t, m.Logs(1), 1)

	require.Eventually(t, func() bool {
		for _, s := range m.Series() {
			if s.Key == metrics.KeyPeers && s.Latest != nil {
				return *s.Latest == 7
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, m.AvailableMetrics(), "reth_network_connected_peers")
	assert.True(t, m.Snapshot().Metrics.Polling)

	require.NoError(t, m.Stop())
	snap = m.Snapshot()
	assert.Equal(t, lifecycle.Stopped, snap.State.Kind)
	assert.False(t, snap.Node.Running)
	assert.False(t, snap.Metrics.Polling)
	require.NoError(t, m.Stop(), "stopping twice is a no-op")

	require.NoError(t, m.Start(), "a stopped node can be started again")
	require.NoError(t, m.Stop())

	require.NoError(t, m.Reset())
	assert.Equal(t, lifecycle.Idle, m.Snapshot().State.Kind)

	assert.Equal(t, []history.EventType{
		history.EventInstallStarted, history.EventInstalled,
		history.EventStart, history.EventStop,
		history.EventStart, history.EventStop,
		history.EventReset,
	}, eventTypes(t, m))
}

func TestTickNoticesExit(t *testing.T) {
	srv := releaseServer(t, nodeArchive(t, "echo \"ERROR database locked\"\nexit 3\n"))
	m, _ := newTestManager(t, testConfig(t, srv))
	_, err := m.Install(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, m.Start())

	var lines []process.LogLine
	lines = tickUntil(t, m, func() bool { return m.Snapshot().State.Kind == lifecycle.Stopped })
	lines = append(lines, m.Tick()...)

	found := false
	for _, l := range append(lines, m.Logs(0)...) {
		if strings.Contains(l.Content, "database locked") {
			found = true
			assert.Equal(t, process.LevelError, l.Level)
		}
	}
	assert.True(t, found, "last output before exit is kept")

	snap := m.Snapshot()
	assert.False(t, snap.Node.Running)
	assert.Contains(t, snap.LastExit, "exit status 3")

	types := eventTypes(t, m)
	assert.Equal(t, history.EventExit, types[len(types)-1])
}

func TestConcurrentStartStopStayConsistent(t *testing.T) {
	srv := releaseServer(t, nodeArchive(t, "exec sleep 30\n"))
	cfg := testConfig(t, srv)
	cfg.Metrics.Endpoint = ""
	m, _ := newTestManager(t, cfg)
	_, err := m.Install(context.Background(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				if (i+j)%2 == 0 {
					_ = m.Start()
				} else {
					_ = m.Stop()
				}
				m.Tick()
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, snap.State.Kind == lifecycle.Running, snap.Node.Running,
		"state %s with running=%v", snap.State.Kind, snap.Node.Running)

	require.NoError(t, m.Stop())
	snap = m.Snapshot()
	assert.NotEqual(t, lifecycle.Running, snap.State.Kind)
	assert.False(t, snap.Node.Running)
}

func TestInstallFailureThenReset(t *testing.T) {
	srv := releaseServer(t, nil)
	m, _ := newTestManager(t, testConfig(t, srv))

	_, err := m.Install(context.Background(), nil)
	require.Error(t, err)
	st := m.Snapshot().State
	assert.Equal(t, lifecycle.Error, st.Kind)
	assert.Contains(t, st.Message, "HTTP 404")

	_, err = m.Install(context.Background(), nil)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition, "error is terminal until reset")
	assert.ErrorIs(t, m.Start(), lifecycle.ErrInvalidTransition)

	require.NoError(t, m.Reset())
	assert.Equal(t, lifecycle.Idle, m.Snapshot().State.Kind)
	assert.Equal(t, []history.EventType{
		history.EventInstallStarted, history.EventInstallFailed, history.EventReset,
	}, eventTypes(t, m))
}

func TestStartRequiresInstall(t *testing.T) {
	srv := releaseServer(t, nil)
	m, _ := newTestManager(t, testConfig(t, srv))

	assert.ErrorIs(t, m.Start(), lifecycle.ErrInvalidTransition)
	require.NoError(t, m.Machine().Transition(lifecycle.State{Kind: lifecycle.Completed}))
	assert.ErrorIs(t, m.Start(), ErrNotInstalled)
}

func TestStartFailureMovesToError(t *testing.T) {
	srv := releaseServer(t, nil)
	cfg := testConfig(t, srv)
	bin := filepath.Join(cfg.Install.Dir, "reth")
	require.NoError(t, os.MkdirAll(cfg.Install.Dir, 0o755))
	// Not executable, so spawning fails.
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o644))
	m, _ := newTestManager(t, cfg)
	m.Prepare(context.Background())
	require.Equal(t, lifecycle.Completed, m.Snapshot().State.Kind)

	require.Error(t, m.Start())
	st := m.Snapshot().State
	assert.Equal(t, lifecycle.Error, st.Kind)
	assert.Contains(t, st.Message, "failed to start node")
	assert.Equal(t, history.EventStartFailed, eventTypes(t, m)[0])
}

type fakeDetector struct{ alive bool }

func (f fakeDetector) Alive(context.Context) (bool, error) { return f.alive, nil }
func (f fakeDetector) Describe() string                    { return "fake" }

func TestPrepareAdoptsInstalledBinary(t *testing.T) {
	srv := releaseServer(t, nil)
	cfg := testConfig(t, srv)
	require.NoError(t, os.MkdirAll(cfg.Install.Dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Install.Dir, "reth"), []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))
	require.NoError(t, installer.WriteMarker(cfg.Install.Dir, "v1.4.8"))

	m, _ := newTestManager(t, cfg)
	m.SetDetectors(fakeDetector{alive: false}, fakeDetector{alive: true})
	snap := m.Prepare(context.Background())

	assert.Equal(t, lifecycle.Completed, snap.State.Kind)
	assert.Equal(t, "v1.4.8", snap.Version)
	assert.True(t, snap.External.Found)
	assert.Equal(t, "fake", snap.External.By)
	assert.False(t, snap.Node.Running, "a detected node is never adopted as supervised")
}

func TestExternalNodeLogIsFollowed(t *testing.T) {
	srv := releaseServer(t, nil)
	cfg := testConfig(t, srv)
	cfg.Node.LogFile.Dir = t.TempDir()
	logPath := filepath.Join(cfg.Node.LogFile.Dir, cfg.Node.Chain, "reth.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	require.NoError(t, os.WriteFile(logPath, []byte("INFO synced block 1\nWARN slow peer\n"), 0o644))
	require.NoError(t, os.MkdirAll(cfg.Install.Dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Install.Dir, "reth"), []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))

	m, _ := newTestManager(t, cfg)
	m.SetDetectors(fakeDetector{alive: true})
	snap := m.Prepare(context.Background())

	assert.True(t, snap.External.Found)
	assert.Equal(t, logPath, snap.External.LogPath)
	assert.False(t, snap.Node.Running, "following a log never makes the node supervised")
	assert.Equal(t, lifecycle.Completed, snap.State.Kind)
	lines := m.Logs(0)
	require.Len(t, lines, 2)
	assert.Equal(t, process.LevelWarn, lines[1].Level)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ERROR external failure\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	tickUntil(t, m, func() bool {
		ls := m.Logs(1)
		return len(ls) == 1 && ls[0].Content == "ERROR external failure"
	})
	assert.Equal(t, lifecycle.Completed, m.Snapshot().State.Kind)

	require.NoError(t, m.Start())
	assert.Empty(t, m.Snapshot().External.LogPath, "starting our own node ends the follow")
	require.NoError(t, m.Stop())

	m.SetDetectors(fakeDetector{alive: true})
	assert.Equal(t, logPath, m.Detect(context.Background()).LogPath)
	m.SetDetectors(fakeDetector{alive: false})
	res := m.Detect(context.Background())
	assert.False(t, res.Found)
	assert.Empty(t, m.Snapshot().External.LogPath)
}

func TestPrepareAutoStart(t *testing.T) {
	srv := releaseServer(t, nil)
	cfg := testConfig(t, srv)
	cfg.Node.AutoStart = true
	require.NoError(t, os.MkdirAll(cfg.Install.Dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Install.Dir, "reth"), []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))

	m, _ := newTestManager(t, cfg)
	snap := m.Prepare(context.Background())
	assert.Equal(t, lifecycle.Running, snap.State.Kind)
	assert.True(t, snap.Node.Running)
}

type fakeLatest struct {
	tag string
	err error
}

func (f fakeLatest) Latest(context.Context) (release.Version, error) {
	return release.Version{Tag: f.tag}, f.err
}

func TestCheckUpdate(t *testing.T) {
	srv := releaseServer(t, nodeArchive(t, "exit 0\n"))
	m, _ := newTestManager(t, testConfig(t, srv))
	_, err := m.Install(context.Background(), nil)
	require.NoError(t, err)

	m.SetVersionSource(nil, fakeLatest{tag: "v1.6.0"})
	info, err := m.CheckUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.5.0", info.Installed)
	assert.Equal(t, "v1.6.0", info.Latest)
	assert.True(t, info.Available)
	require.NotNil(t, m.Snapshot().Update)

	m.SetVersionSource(nil, fakeLatest{tag: "1.5.0"})
	info, err = m.CheckUpdate(context.Background())
	require.NoError(t, err)
	assert.False(t, info.Available)

	m.SetVersionSource(nil, fakeLatest{err: errors.New("rate limited")})
	_, err = m.CheckUpdate(context.Background())
	assert.ErrorContains(t, err, "rate limited")
}

type fakeHost struct{}

func (fakeHost) FreeDisk(context.Context, string) (uint64, error) { return 2 << 40, nil }
func (fakeHost) TotalMemory(context.Context) (uint64, error)      { return 16 << 30, nil }

func TestRequirements(t *testing.T) {
	srv := releaseServer(t, nil)
	m, _ := newTestManager(t, testConfig(t, srv))
	m.SetHost(fakeHost{})
	r, err := m.Requirements(context.Background())
	require.NoError(t, err)
	assert.True(t, r.AllMet())
	assert.Equal(t, sysreq.DefaultDiskGB, r.Disk.RequiredGB)
}

func TestCustomMetrics(t *testing.T) {
	srv := releaseServer(t, nil)
	cfg := testConfig(t, srv)
	cfg.Metrics.Custom = []string{"reth_db_table_size_bytes"}
	m, _ := newTestManager(t, cfg)

	assert.False(t, m.AddCustomMetric("reth_db_table_size_bytes"))
	assert.True(t, m.AddCustomMetric("reth_network_outgoing_connections"))
	assert.True(t, m.RemoveCustomMetric("reth_network_outgoing_connections"))

	custom := 0
	for _, s := range m.Series() {
		if s.Custom {
			custom++
		}
	}
	assert.Equal(t, 1, custom)
}

func TestHistoryWithoutSinks(t *testing.T) {
	srv := releaseServer(t, nil)
	m, err := New(testConfig(t, srv), nil)
	require.NoError(t, err)
	_, err = m.History(context.Background(), 10)
	assert.ErrorIs(t, err, history.ErrNoReader)
}

func TestExcludePID(t *testing.T) {
	ds := []detector.Detector{
		detector.PIDFileDetector{PIDFile: "x"},
		detector.PortDetector{},
		detector.NameDetector{Name: "reth", Exclude: []int{1}},
		detector.CommandDetector{Command: "true"},
	}
	out := excludePID(ds, 42)
	require.Len(t, out, 2)
	nd, ok := out[0].(detector.NameDetector)
	require.True(t, ok)
	assert.Equal(t, []int{1, 42}, nd.Exclude)
	assert.Equal(t, []int{1}, ds[2].(detector.NameDetector).Exclude, "input is not modified")
}
