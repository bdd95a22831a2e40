// Package manager coordinates install, supervision, metrics polling and
// history for the one node nodekeeper looks after. The HTTP API and the CLI
// drive everything through a Manager.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loykin/nodekeeper/internal/config"
	"github.com/loykin/nodekeeper/internal/detector"
	"github.com/loykin/nodekeeper/internal/history"
	"github.com/loykin/nodekeeper/internal/installer"
	"github.com/loykin/nodekeeper/internal/lifecycle"
	"github.com/loykin/nodekeeper/internal/metrics"
	"github.com/loykin/nodekeeper/internal/platform"
	"github.com/loykin/nodekeeper/internal/process"
	"github.com/loykin/nodekeeper/internal/release"
	"github.com/loykin/nodekeeper/internal/sysreq"
)

var (
	ErrNotInstalled = errors.New("node is not installed")
	ErrInstalling   = errors.New("install already in progress")
	ErrNodeRunning  = errors.New("node is running; stop it first")
)

// LatestSource returns the newest published release, surfacing failures.
type LatestSource interface {
	Latest(ctx context.Context) (release.Version, error)
}

// Snapshot is what the presentation layer renders.
type Snapshot struct {
	State      lifecycle.State        `json:"state"`
	Version    string                 `json:"version,omitempty"`
	BinaryPath string                 `json:"binary_path,omitempty"`
	Node       process.Status         `json:"node"`
	LastExit   string                 `json:"last_exit,omitempty"`
	External   detector.Result        `json:"external"`
	Metrics    MetricsStatus          `json:"metrics"`
	Update     *UpdateInfo            `json:"update,omitempty"`
	Resources  *metrics.ResourceUsage `json:"resources,omitempty"`
}

// MetricsStatus reports whether scraping is producing data.
type MetricsStatus struct {
	Endpoint  string    `json:"endpoint,omitempty"`
	Polling   bool      `json:"polling"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// UpdateInfo is the result of CheckUpdate.
type UpdateInfo struct {
	Installed string    `json:"installed"`
	Latest    string    `json:"latest"`
	Available bool      `json:"available"`
	CheckedAt time.Time `json:"checked_at"`
}

// Manager owns the lifecycle machine, the supervisor and the poller.
type Manager struct {
	cfg *config.Config
	log *slog.Logger

	machine    *lifecycle.Machine
	sup        *process.Supervisor
	tracker    *metrics.Tracker
	poller     *metrics.Poller
	sampler    *metrics.ResourceSampler
	resolver   *release.Resolver
	downloader *installer.Downloader

	// op serializes Start, Stop, Reset and Tick so the machine and the
	// supervisor change together.
	op sync.Mutex

	mu         sync.Mutex
	recorder   *history.Recorder
	versions   installer.VersionSource
	latest     LatestSource
	detectors  []detector.Detector
	host       sysreq.Host
	goos       platform.OS
	arch       platform.Arch
	installed  installer.Result
	installing bool
	external   detector.Result
	update     *UpdateInfo
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds a Manager from cfg. A nil logger uses slog.Default.
func New(cfg *config.Config, log *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("manager: nil config")
	}
	if log == nil {
		log = slog.Default()
	}
	nodeEnv, err := cfg.NodeEnv()
	if err != nil {
		return nil, err
	}
	client := &http.Client{}
	resolver := &release.Resolver{
		Endpoint: cfg.Install.ReleaseEndpoint,
		Fallback: cfg.Install.FallbackVersion,
		Timeout:  cfg.Install.ResolveTimeout,
		Token:    cfg.Install.GitHubToken,
		Client:   client,
		Logger:   log,
	}
	tracker := metrics.NewTracker(cfg.Metrics.Capacity)
	for _, name := range cfg.Metrics.Custom {
		tracker.AddCustom(name)
	}
	m := &Manager{
		cfg:     cfg,
		log:     log.With("component", "manager"),
		machine: lifecycle.NewMachine(),
		sup: process.NewSupervisor(process.Config{
			Name:        cfg.Install.Binary,
			Node:        cfg.Node.NodeOptions,
			Env:         nodeEnv,
			WorkDir:     cfg.Node.WorkDir,
			PIDFile:     cfg.Node.PIDFile,
			StopGrace:   cfg.Node.StopGrace,
			LogCapacity: cfg.Node.LogCapacity,
			QueueSize:   cfg.Node.QueueSize,
			Capture:     cfg.Log,
			Logger:      log,
		}),
		tracker: tracker,
		poller: &metrics.Poller{
			Endpoint: cfg.Metrics.Endpoint,
			Interval: cfg.Metrics.Interval,
			Client:   &http.Client{Timeout: 5 * time.Second},
			Tracker:  tracker,
			Logger:   log,
		},
		sampler:  &metrics.ResourceSampler{},
		resolver: resolver,
		downloader: &installer.Downloader{
			BaseURL:     cfg.Install.BaseURL,
			Binary:      cfg.Install.Binary,
			Client:      client,
			IdleTimeout: cfg.Install.IdleTimeout,
			Timeout:     cfg.Install.DownloadTimeout,
			MaxSize:     cfg.Install.MaxArchiveMB << 20,
			Logger:      log,
		},
		versions: resolver,
		latest:   resolver,
	}
	m.detectors = m.defaultDetectors()
	m.machine.Observe(m.onTransition)
	return m, nil
}

// SetHistorySinks replaces the history sinks. Passing none disables history.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.recorder = history.NewRecorder(m.log, sinks...)
	m.mu.Unlock()
}

// SetVersionSource overrides release resolution for installs and update
// checks.
func (m *Manager) SetVersionSource(v installer.VersionSource, latest LatestSource) {
	m.mu.Lock()
	if v != nil {
		m.versions = v
	}
	if latest != nil {
		m.latest = latest
	}
	m.mu.Unlock()
}

// SetDetectors overrides the external node detectors.
func (m *Manager) SetDetectors(ds ...detector.Detector) {
	m.mu.Lock()
	m.detectors = ds
	m.mu.Unlock()
}

// SetHost overrides the host probe used by Requirements.
func (m *Manager) SetHost(h sysreq.Host) {
	m.mu.Lock()
	m.host = h
	m.mu.Unlock()
}

// SetPlatform overrides the install target; empty values keep the runtime's.
func (m *Manager) SetPlatform(goos platform.OS, arch platform.Arch) {
	m.mu.Lock()
	m.goos, m.arch = goos, arch
	m.mu.Unlock()
}

// Machine exposes the lifecycle machine for observers.
func (m *Manager) Machine() *lifecycle.Machine { return m.machine }

func (m *Manager) record(e history.Event) {
	m.mu.Lock()
	rec := m.recorder
	m.mu.Unlock()
	if e.Node == "" {
		e.Node = m.cfg.Install.Binary
	}
	rec.Record(context.Background(), e)
}

func (m *Manager) onTransition(from, to lifecycle.State) {
	if from.Kind != to.Kind {
		metrics.RecordStateTransition(string(from.Kind), string(to.Kind))
		m.log.Debug("state changed", "from", from.String(), "to", to.String())
	}
	switch to.Kind {
	case lifecycle.Downloading:
		metrics.SetInstallProgress(to.Progress)
	case lifecycle.Extracting, lifecycle.Completed:
		metrics.SetInstallProgress(100)
	case lifecycle.Idle:
		metrics.SetInstallProgress(0)
	}
}

// Prepare adopts a binary installed by an earlier run and looks for a node
// that is already running outside this session. It is meant to be called
// once at startup.
func (m *Manager) Prepare(ctx context.Context) Snapshot {
	m.mu.Lock()
	goos := m.goos
	m.mu.Unlock()
	if res, ok := installer.Installed(m.cfg.Install.Dir, m.cfg.Install.Binary, goos); ok {
		m.mu.Lock()
		m.installed = res
		m.mu.Unlock()
		if m.machine.Current().Kind == lifecycle.Idle {
			_ = m.machine.Transition(lifecycle.State{Kind: lifecycle.Completed})
		}
		m.log.Info("found installed node", "version", res.Version, "binary", res.BinaryPath)
	}
	if m.cfg.Detect.Enabled {
		res := m.Detect(ctx)
		if res.Found {
			m.log.Warn("a node is already running outside nodekeeper", "by", res.By, "pid", res.PID)
		}
	}
	if m.cfg.Node.AutoStart && m.machine.Current().Kind == lifecycle.Completed && !m.externalFound() {
		if err := m.Start(); err != nil {
			m.log.Error("auto start failed", "error", err)
		}
	}
	return m.Snapshot()
}

func (m *Manager) externalFound() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.external.Found
}

// Install runs the acquisition pipeline. The machine must be Idle; call
// Reset first to reinstall or update. onProgress may be nil.
func (m *Manager) Install(ctx context.Context, onProgress installer.ProgressCallback) (installer.Result, error) {
	m.mu.Lock()
	if m.installing {
		m.mu.Unlock()
		return installer.Result{}, ErrInstalling
	}
	if m.sup.IsRunning() {
		m.mu.Unlock()
		return installer.Result{}, ErrNodeRunning
	}
	m.installing = true
	p := &installer.Pipeline{
		Versions:   m.versions,
		Downloader: m.downloader,
		Machine:    m.machine,
		InstallDir: m.cfg.Install.Dir,
		OS:         m.goos,
		Arch:       m.arch,
		Version:    m.cfg.Install.Version,
		OnProgress: onProgress,
		Logger:     m.log,
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.installing = false
		m.mu.Unlock()
	}()

	if cur := m.machine.Current(); cur.Kind != lifecycle.Idle {
		return installer.Result{}, fmt.Errorf("%w: install from %s", lifecycle.ErrInvalidTransition, cur.Kind)
	}
	m.record(history.Event{Type: history.EventInstallStarted, Version: m.cfg.Install.Version})
	res, err := p.Run(ctx)
	if err != nil {
		m.record(history.Event{Type: history.EventInstallFailed, Message: err.Error(), State: string(lifecycle.Error)})
		return installer.Result{}, err
	}
	m.mu.Lock()
	m.installed = res
	m.update = nil
	m.mu.Unlock()
	m.record(history.Event{Type: history.EventInstalled, Version: res.Version, State: string(lifecycle.Completed)})

	if m.cfg.Node.AutoStart {
		if err := m.Start(); err != nil {
			return res, fmt.Errorf("installed %s but start failed: %w", res.Version, err)
		}
	}
	return res, nil
}

// Start launches the installed binary. The machine must be Completed or
// Stopped. A failed spawn moves it to Error.
func (m *Manager) Start() error {
	m.op.Lock()
	defer m.op.Unlock()
	cur := m.machine.Current()
	if cur.Kind == lifecycle.Running {
		return process.ErrAlreadyRunning
	}
	if !lifecycle.CanTransition(cur.Kind, lifecycle.Running) {
		return fmt.Errorf("%w: start from %s", lifecycle.ErrInvalidTransition, cur.Kind)
	}
	m.mu.Lock()
	inst := m.installed
	external := m.external
	m.mu.Unlock()
	if inst.BinaryPath == "" {
		return ErrNotInstalled
	}
	if external.Found {
		m.log.Warn("starting while another node was detected", "by", external.By, "pid", external.PID)
	}

	if err := m.sup.Start(inst.BinaryPath); err != nil {
		if errors.Is(err, process.ErrAlreadyRunning) {
			return err
		}
		msg := "failed to start node: " + err.Error()
		_ = m.machine.Fail(msg)
		m.record(history.Event{Type: history.EventStartFailed, Version: inst.Version, Message: err.Error(), State: string(lifecycle.Error)})
		return err
	}
	st := m.sup.Status()
	if err := m.machine.Transition(lifecycle.State{Kind: lifecycle.Running}); err != nil {
		_ = m.sup.Stop()
		return err
	}
	m.sampler.Reset()
	m.startPoller()
	m.record(history.Event{Type: history.EventStart, Version: inst.Version, PID: st.PID, State: string(lifecycle.Running)})
	return nil
}

// Stop terminates the node. Stopping when nothing runs is a no-op.
func (m *Manager) Stop() error {
	m.op.Lock()
	defer m.op.Unlock()
	st := m.sup.Status()
	err := m.sup.Stop()
	m.stopPoller()
	m.sampler.Reset()
	if m.machine.Current().Kind == lifecycle.Running {
		_ = m.machine.Transition(lifecycle.State{Kind: lifecycle.Stopped})
	}
	if st.PID != 0 {
		ev := history.Event{Type: history.EventStop, Version: m.installedVersion(), PID: st.PID, State: string(lifecycle.Stopped)}
		if err != nil {
			ev.Message = err.Error()
		}
		m.record(ev)
	}
	return err
}

func (m *Manager) installedVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed.Version
}

// Tick drains new log lines and polls the child. When the child is found
// gone the machine moves to Stopped. It returns the newly drained lines.
func (m *Manager) Tick() []process.LogLine {
	m.op.Lock()
	defer m.op.Unlock()
	lines := m.sup.Drain()
	if m.machine.Current().Kind != lifecycle.Running {
		return lines
	}
	st := m.sup.Status()
	if m.sup.PollStatus() {
		if _, err := m.sampler.Sample(st.PID); err != nil {
			m.log.Debug("resource sample failed", "pid", st.PID, "error", err)
		}
		return lines
	}
	// Collect whatever the readers flushed before the exit was noticed.
	lines = append(lines, m.sup.Drain()...)
	m.stopPoller()
	m.sampler.Reset()
	_ = m.machine.Transition(lifecycle.State{Kind: lifecycle.Stopped})
	ev := history.Event{Type: history.EventExit, Version: m.installedVersion(), PID: st.PID, State: string(lifecycle.Stopped)}
	if err := m.sup.LastExit(); err != nil {
		ev.Message = err.Error()
	}
	m.log.Warn("node exited", "pid", st.PID, "reason", ev.Message)
	m.record(ev)
	return lines
}

// Run calls Tick every interval until ctx is done. Unless node.keep_running
// is set the node is stopped on return.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = m.cfg.TickInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if m.cfg.Node.KeepRunning {
				m.log.Info("leaving node running", "pid", m.sup.Status().PID)
				m.stopPoller()
				return nil
			}
			return m.Stop()
		case <-t.C:
			m.Tick()
		}
	}
}

// Reset returns the machine to Idle so Install can run again. The node must
// not be running.
func (m *Manager) Reset() error {
	m.op.Lock()
	defer m.op.Unlock()
	if m.sup.IsRunning() {
		return ErrNodeRunning
	}
	m.mu.Lock()
	busy := m.installing
	m.mu.Unlock()
	if busy {
		return ErrInstalling
	}
	prev := m.machine.Current()
	if err := m.machine.Reset(); err != nil {
		return err
	}
	m.record(history.Event{Type: history.EventReset, Version: m.installedVersion(), Message: prev.String(), State: string(lifecycle.Idle)})
	return nil
}

// Snapshot returns a consistent view for display.
func (m *Manager) Snapshot() Snapshot {
	s := Snapshot{
		State: m.machine.Current(),
		Node:  m.sup.Status(),
		Metrics: MetricsStatus{
			Endpoint:  m.cfg.Metrics.Endpoint,
			UpdatedAt: m.tracker.UpdatedAt(),
		},
	}
	if err := m.sup.LastExit(); err != nil {
		s.LastExit = err.Error()
	}
	if s.Node.PID != 0 {
		if u := m.sampler.Last(); int(u.PID) == s.Node.PID {
			s.Resources = &u
		}
	}
	following := m.sup.Following()
	m.mu.Lock()
	s.Version = m.installed.Version
	s.BinaryPath = m.installed.BinaryPath
	s.External = m.external
	s.External.LogPath = following
	s.Metrics.Polling = m.pollCancel != nil
	if m.update != nil {
		u := *m.update
		s.Update = &u
	}
	m.mu.Unlock()
	return s
}

// CheckUpdate compares the installed tag with the latest release. Unlike
// installs it surfaces resolution failures instead of falling back.
func (m *Manager) CheckUpdate(ctx context.Context) (UpdateInfo, error) {
	m.mu.Lock()
	src := m.latest
	installed := m.installed.Version
	m.mu.Unlock()
	v, err := src.Latest(ctx)
	if err != nil {
		return UpdateInfo{}, fmt.Errorf("check latest release: %w", err)
	}
	info := UpdateInfo{
		Installed: installed,
		Latest:    v.Tag,
		Available: release.IsUpdateAvailable(installed, v.Tag),
		CheckedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.update = &info
	m.mu.Unlock()
	return info, nil
}

// Logs returns the newest n buffered lines, or all of them when n <= 0.
func (m *Manager) Logs(n int) []process.LogLine {
	if n <= 0 {
		return m.sup.Lines()
	}
	return m.sup.Tail(n)
}

// Series returns every tracked metric series.
func (m *Manager) Series() []metrics.SeriesSnapshot { return m.tracker.Snapshot() }

// AvailableMetrics lists metric names in the last scrape.
func (m *Manager) AvailableMetrics() []string { return m.tracker.Available() }

// AddCustomMetric starts tracking name. It reports false if already tracked.
func (m *Manager) AddCustomMetric(name string) bool { return m.tracker.AddCustom(name) }

// RemoveCustomMetric stops tracking a custom metric.
func (m *Manager) RemoveCustomMetric(name string) bool { return m.tracker.RemoveCustom(name) }

// History returns recent lifecycle events, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = m.cfg.History.Limit
	}
	m.mu.Lock()
	rec := m.recorder
	m.mu.Unlock()
	return rec.Recent(ctx, limit)
}

// Requirements checks disk and memory against the configured minimums.
func (m *Manager) Requirements(ctx context.Context) (sysreq.Report, error) {
	m.mu.Lock()
	host := m.host
	m.mu.Unlock()
	return sysreq.Checker{
		DataDir:  m.cfg.Node.DataDir,
		DiskGB:   m.cfg.Requirements.DiskGB,
		MemoryGB: m.cfg.Requirements.MemoryGB,
		Host:     host,
	}.Check(ctx)
}

// Detect scans for a node not owned by this manager. The supervised child
// is excluded. The result is informational and never changes the state.
func (m *Manager) Detect(ctx context.Context) detector.Result {
	m.mu.Lock()
	ds := append([]detector.Detector(nil), m.detectors...)
	m.mu.Unlock()
	var res detector.Result
	if own := m.sup.Status().PID; own != 0 {
		res = detector.Scan(ctx, excludePID(ds, own)...)
	} else {
		res = detector.Scan(ctx, ds...)
	}
	switch {
	case res.Found && !m.sup.IsRunning():
		res.LogPath = m.followExternal()
	case !res.Found:
		m.sup.Unfollow()
	}
	m.mu.Lock()
	m.external = res
	m.mu.Unlock()
	return res
}

// followExternal tails the newest log file of a node found outside
// supervision so its output reaches Logs. It returns the followed path.
func (m *Manager) followExternal() string {
	path, err := process.FindNodeLog(m.cfg.Node.LogFile.Dir, m.cfg.Node.Chain)
	if err != nil {
		m.log.Info("external node log not found", "error", err)
		return ""
	}
	if err := m.sup.Follow(path, process.DefaultFollowSeed); err != nil {
		m.log.Warn("follow external node log", "path", path, "error", err)
		return ""
	}
	return path
}

// Close stops background polling and log following, then closes history
// sinks. It does not stop the node.
func (m *Manager) Close() error {
	m.stopPoller()
	m.sup.Unfollow()
	m.mu.Lock()
	rec := m.recorder
	m.recorder = nil
	m.mu.Unlock()
	return rec.Close()
}

func (m *Manager) startPoller() {
	if m.cfg.Metrics.Endpoint == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.pollCancel, m.pollDone = cancel, done
	go func() {
		defer close(done)
		m.poller.Run(ctx)
	}()
}

func (m *Manager) stopPoller() {
	m.mu.Lock()
	cancel, done := m.pollCancel, m.pollDone
	m.pollCancel, m.pollDone = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
