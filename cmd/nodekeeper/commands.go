package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/nodekeeper/internal/auth"
	"github.com/loykin/nodekeeper/internal/config"
	"github.com/loykin/nodekeeper/internal/history/factory"
	"github.com/loykin/nodekeeper/internal/lifecycle"
	"github.com/loykin/nodekeeper/internal/manager"
	"github.com/loykin/nodekeeper/internal/metrics"
	"github.com/loykin/nodekeeper/internal/server"
	nktls "github.com/loykin/nodekeeper/internal/tls"
	"github.com/loykin/nodekeeper/pkg/client"
)

// command carries what every subcommand needs. Output goes to out so tests
// can capture it.
type command struct {
	out    io.Writer
	global *GlobalFlags
}

func newCommand(out io.Writer) *command {
	return &command{out: out, global: &GlobalFlags{}}
}

func (c *command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *command) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// cliLogger keeps one-shot commands quiet: warnings and up, on stderr.
func cliLogger(cfg *config.Config) *slog.Logger {
	lc := cfg.Log
	if logLevelBelowWarn(lc.Slog.Level) {
		lc.Slog.Level = "warn"
	}
	return lc.NewSloggerTo(os.Stderr)
}

func logLevelBelowWarn(level string) bool {
	switch strings.ToLower(level) {
	case "warn", "warning", "error":
		return false
	}
	return true
}

// openHistory attaches the configured sinks to mgr.
func openHistory(cfg *config.Config, mgr *manager.Manager) error {
	if !cfg.History.Enabled {
		return nil
	}
	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	mgr.SetHistorySinks(sinks...)
	return nil
}

// localManager builds a Manager for one-shot commands. It never starts the
// node and runs detection only when detect is set.
func (c *command) localManager(ctx context.Context, cfg *config.Config, detect bool) (*manager.Manager, error) {
	cfg.Node.AutoStart = false
	cfg.Detect.Enabled = cfg.Detect.Enabled && detect
	mgr, err := manager.New(cfg, cliLogger(cfg))
	if err != nil {
		return nil, err
	}
	if err := openHistory(cfg, mgr); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	mgr.Prepare(ctx)
	return mgr, nil
}

// apiClient targets --api-url or the address the config serves on.
func (c *command) apiClient(cfg *config.Config) (*client.Client, error) {
	cc := client.Config{
		BaseURL: c.global.APIUrl,
		Timeout: c.global.APITimeout,
		Token:   c.global.Token,
	}
	if cfg != nil {
		if cc.BaseURL == "" {
			scheme := "http"
			if cfg.Server.TLS.Enabled {
				scheme = "https"
			}
			cc.BaseURL = scheme + "://" + cfg.Server.Listen + cfg.Server.BasePath
		}
		if cc.Token == "" {
			cc.Token = cfg.Server.Auth.Token
		}
		if cfg.Server.TLS.Enabled {
			cert, _ := nktls.Paths(cfg.Server.TLS)
			cc.TLS = &client.TLSClientConfig{CACert: cert}
		}
	}
	return client.New(cc)
}

// remote returns a client for commands that need the daemon.
func (c *command) remote() (*client.Client, error) {
	var cfg *config.Config
	if c.global.APIUrl == "" {
		var err error
		if cfg, err = c.loadConfig(); err != nil {
			return nil, err
		}
	}
	return c.apiClient(cfg)
}

// Run supervises the node until SIGINT/SIGTERM.
func (c *command) Run(ctx context.Context, f RunFlags) error {
	if f.Daemonize {
		pid, err := daemonize(os.Args[1:], f.PIDFile, f.LogFile)
		if err != nil {
			return err
		}
		c.printf("Daemon started with PID %d\n", pid)
		return nil
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log := cfg.Log.NewSlogger()
	slog.SetDefault(log)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("failed to register metrics", "error", err)
	}
	mgr, err := manager.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	if err := openHistory(cfg, mgr); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if rep, err := mgr.Requirements(ctx); err != nil {
		log.Warn("requirement check failed", "error", err)
	} else if !rep.AllMet() {
		log.Warn("host is below the node's requirements", "disk", rep.Disk.String(), "memory", rep.Memory.String())
	}
	snap := mgr.Prepare(ctx)
	log.Info("nodekeeper ready", "state", snap.State.String(), "version", snap.Version)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.Enabled && !f.NoServer {
		srv, err := server.NewServer(cfg.Server, mgr)
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
		protocol := "HTTP"
		if cfg.Server.TLS.Enabled {
			protocol = "HTTPS"
		}
		log.Info("serving API", "protocol", protocol, "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		return mgr.Run(gctx, cfg.TickInterval)
	})
	err = g.Wait()
	log.Info("shutting down")
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (c *command) Install(ctx context.Context, f InstallFlags) error {
	if f.Remote {
		cl, err := c.remote()
		if err != nil {
			return err
		}
		if _, err := cl.Install(ctx, false); err != nil {
			return err
		}
		if !f.Wait {
			c.printf("install started; follow it with 'nodekeeper status'\n")
			return nil
		}
		bar := newDownloadProgress(c.out, "remote install")
		bar.percent = true
		res, err := cl.WaitInstall(ctx, func(s client.State) {
			if s.Kind == string(lifecycle.Downloading) {
				bar.Update(int64(s.Progress*10), 1000)
			}
		})
		bar.Done(err == nil)
		if err != nil {
			return err
		}
		c.printf("installed %s at %s\n", res.Version, res.BinaryPath)
		return nil
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if cl, err := c.apiClient(cfg); err == nil {
		if s, err := cl.State(ctx); err == nil && s.Node.Running {
			return errors.New("the daemon is running the node; stop it or use --remote")
		}
	}
	if f.Version != "" {
		cfg.Install.Version = f.Version
	}
	cfg.Node.AutoStart = false
	mgr, err := manager.New(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	if err := openHistory(cfg, mgr); err != nil {
		return err
	}

	label := cfg.Install.Binary
	if cfg.Install.Version != "" {
		label += " " + cfg.Install.Version
	}
	bar := newDownloadProgress(c.out, label)
	mgr.Machine().Observe(func(from, to lifecycle.State) {
		if from.Kind != to.Kind && to.Kind != lifecycle.Downloading && bar.progress == nil {
			c.printf("  %s\n", to.Kind)
		}
	})
	res, err := mgr.Install(ctx, bar.Update)
	bar.Done(err == nil)
	if err != nil {
		return err
	}
	c.printf("installed %s at %s\n", res.Version, res.BinaryPath)
	return nil
}

func (c *command) Status(ctx context.Context, f StatusFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if cl, err := c.apiClient(cfg); err == nil {
		if s, err := cl.State(ctx); err == nil {
			if f.JSON {
				return c.printJSON(s)
			}
			c.printSnapshot(s)
			return nil
		}
	}

	mgr, err := c.localManager(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	s := mgr.Snapshot()
	if f.JSON {
		return c.printJSON(s)
	}
	c.printf("daemon:   not reachable\n")
	if s.Version != "" || s.BinaryPath != "" {
		c.printf("installed: %s (%s)\n", orDash(s.Version), s.BinaryPath)
	} else {
		c.printf("installed: no\n")
	}
	if s.External.Found {
		c.printf("external: %s\n", s.External.String())
	} else {
		c.printf("external: none\n")
	}
	return nil
}

func (c *command) printSnapshot(s client.Snapshot) {
	w := tabwriter.NewWriter(c.out, 0, 2, 2, ' ', 0)
	state := s.State.Kind
	switch {
	case s.State.Kind == string(lifecycle.Downloading):
		state = fmt.Sprintf("%s (%.1f%%)", state, s.State.Progress)
	case s.State.Message != "":
		state = fmt.Sprintf("%s: %s", state, s.State.Message)
	}
	_, _ = fmt.Fprintf(w, "state:\t%s\n", state)
	_, _ = fmt.Fprintf(w, "version:\t%s\n", orDash(s.Version))
	if s.Node.Running {
		_, _ = fmt.Fprintf(w, "node:\trunning (pid %d, since %s)\n", s.Node.PID, s.Node.StartedAt.Format(time.RFC3339))
	} else {
		_, _ = fmt.Fprintf(w, "node:\tstopped\n")
	}
	if s.LastExit != "" {
		_, _ = fmt.Fprintf(w, "last exit:\t%s\n", s.LastExit)
	}
	if s.Resources != nil {
		_, _ = fmt.Fprintf(w, "resources:\tcpu %.1f%%, mem %.0f MB\n", s.Resources.CPUPercent, s.Resources.MemoryMB)
	}
	if s.External.Found {
		_, _ = fmt.Fprintf(w, "external:\t%s pid %d\n", s.External.By, s.External.PID)
		if s.External.LogPath != "" {
			_, _ = fmt.Fprintf(w, "following:\t%s\n", s.External.LogPath)
		}
	}
	_, _ = fmt.Fprintf(w, "metrics:\t%s (polling %t)\n", orDash(s.Metrics.Endpoint), s.Metrics.Polling)
	if s.Update != nil && s.Update.Available {
		_, _ = fmt.Fprintf(w, "update:\t%s available\n", s.Update.Latest)
	}
	_ = w.Flush()
}

func (c *command) Start(cmd *cobra.Command) error {
	return c.nodeAction(cmd.Context(), (*client.Client).StartNode)
}

func (c *command) Stop(cmd *cobra.Command) error {
	return c.nodeAction(cmd.Context(), (*client.Client).StopNode)
}

func (c *command) Reset(cmd *cobra.Command) error {
	return c.nodeAction(cmd.Context(), (*client.Client).Reset)
}

func (c *command) nodeAction(ctx context.Context, fn func(*client.Client, context.Context) (client.Snapshot, error)) error {
	cl, err := c.remote()
	if err != nil {
		return err
	}
	s, err := fn(cl, ctx)
	if err != nil {
		return err
	}
	c.printSnapshot(s)
	return nil
}

func (c *command) Logs(ctx context.Context, f LogsFlags) error {
	cl, err := c.remote()
	if err != nil {
		return err
	}
	lines, err := cl.Logs(ctx, f.Tail)
	if err != nil {
		return err
	}
	for _, l := range lines {
		c.printf("%s %-5s %s\n", l.Timestamp, strings.ToUpper(l.Level), l.Content)
	}
	return nil
}

func (c *command) CheckUpdate(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	mgr, err := c.localManager(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	info, err := mgr.CheckUpdate(ctx)
	if err != nil {
		return err
	}
	switch {
	case info.Installed == "":
		c.printf("not installed; latest is %s\n", info.Latest)
	case info.Available:
		c.printf("update available: %s -> %s\n", info.Installed, info.Latest)
	default:
		c.printf("up to date (%s)\n", info.Installed)
	}
	return nil
}

func (c *command) Scrape(ctx context.Context, f ScrapeFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	endpoint := f.Endpoint
	if endpoint == "" {
		endpoint = cfg.Metrics.Endpoint
	}
	if endpoint == "" {
		return errors.New("no metrics endpoint configured")
	}
	text, err := metrics.Fetch(ctx, &http.Client{Timeout: c.global.APITimeout}, endpoint)
	if err != nil {
		return err
	}
	parsed := metrics.Parse(text)
	tracker := metrics.NewTracker(1)
	for _, name := range cfg.Metrics.Custom {
		tracker.AddCustom(name)
	}
	tracker.Update(parsed, time.Now())

	w := tabwriter.NewWriter(c.out, 0, 2, 2, ' ', 0)
	for _, s := range tracker.Snapshot() {
		if s.Latest == nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Key, formatValue(*s.Latest), s.Unit, s.Name)
	}
	_ = w.Flush()
	if f.All {
		c.printf("\n%d metrics in payload:\n", len(parsed))
		for _, name := range metrics.Names(parsed) {
			c.printf("  %s\n", name)
		}
	}
	return nil
}

func (c *command) Requirements(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	mgr, err := manager.New(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	rep, err := mgr.Requirements(ctx)
	if err != nil {
		return err
	}
	c.printf("data dir: %s\n", rep.Path)
	c.printf("disk:     %s\n", rep.Disk)
	c.printf("memory:   %s\n", rep.Memory)
	if !rep.AllMet() {
		return errors.New("host does not meet the node's requirements")
	}
	return nil
}

func (c *command) History(ctx context.Context, f HistoryFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return errors.New("history is disabled in the config")
	}
	mgr, err := manager.New(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	if err := openHistory(cfg, mgr); err != nil {
		return err
	}
	events, err := mgr.History(ctx, f.Limit)
	if err != nil {
		return err
	}
	if f.JSON {
		return c.printJSON(events)
	}
	w := tabwriter.NewWriter(c.out, 0, 2, 2, ' ', 0)
	for _, e := range events {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.OccurredAt.Local().Format(time.RFC3339), e.Type, orDash(e.Version), e.Message)
	}
	return w.Flush()
}

func (c *command) Detect(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	mgr, err := manager.New(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	res := mgr.Detect(ctx)
	if !res.Found {
		c.printf("no running node found\n")
	} else {
		c.printf("%s\n", res.String())
	}
	for _, e := range res.Errors {
		c.printf("  warning: %s\n", e)
	}
	return nil
}

func (c *command) AddMetric(ctx context.Context, name string) error {
	cl, err := c.remote()
	if err != nil {
		return err
	}
	if err := cl.AddCustomMetric(ctx, name); err != nil {
		return err
	}
	c.printf("tracking %s\n", name)
	return nil
}

func (c *command) RemoveMetric(ctx context.Context, name string) error {
	cl, err := c.remote()
	if err != nil {
		return err
	}
	if err := cl.RemoveCustomMetric(ctx, name); err != nil {
		return err
	}
	c.printf("stopped tracking %s\n", name)
	return nil
}

func (c *command) ListMetrics(ctx context.Context) error {
	cl, err := c.remote()
	if err != nil {
		return err
	}
	series, err := cl.Series(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 2, 2, ' ', 0)
	for _, s := range series {
		latest := "-"
		if s.Latest != nil {
			latest = formatValue(*s.Latest)
		}
		kind := "builtin"
		if s.Custom {
			kind = "custom"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Key, latest, s.Unit, kind)
	}
	return w.Flush()
}

func (c *command) ConfigInit(f ConfigInitFlags) error {
	path := f.Path
	if path == "" {
		path = c.global.ConfigPath
	}
	if path == "" {
		path = config.DefaultDirs().Config
	}
	if err := config.WriteDefaults(path, f.Force); err != nil {
		return err
	}
	c.printf("wrote %s\n", path)
	return nil
}

func (c *command) HashPassword(in io.Reader, args []string) error {
	var pw string
	if len(args) > 0 {
		pw = args[0]
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	hash, err := auth.HashPassword(pw)
	if err != nil {
		return err
	}
	c.printf("%s\n", hash)
	return nil
}

func (c *command) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
