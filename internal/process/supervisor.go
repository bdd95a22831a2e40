// Package process supervises the single node child process: it spawns the
// installed binary, captures and classifies its output, polls its health
// and shuts it down gracefully.
package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/nodekeeper/internal/logger"
	"github.com/loykin/nodekeeper/internal/metrics"
)

// ErrAlreadyRunning is returned by Start while a child is owned.
var ErrAlreadyRunning = errors.New("node process already running")

var (
	errExitedCleanly = errors.New("exited with status 0")
	errVanished      = errors.New("process no longer alive")
)

const (
	// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
	DefaultStopGrace = 10 * time.Second
	killWait         = 5 * time.Second
	readerFlushWait  = time.Second
)

// Config configures a Supervisor. Zero fields take defaults.
type Config struct {
	Name      string
	Node      NodeOptions
	Env       []string
	WorkDir   string
	PIDFile   string
	StopGrace time.Duration
	// LogCapacity bounds the in-memory history; QueueSize bounds undrained lines.
	LogCapacity int
	QueueSize   int
	// Capture tees raw stdout/stderr to rotating files when File is set.
	Capture logger.Config
	Probe   Probe
	Logger  *slog.Logger
}

// Status is a point-in-time view of the supervised child.
type Status struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Binary    string    `json:"binary,omitempty"`
}

// handle owns one live child. done is closed once the child is reaped and
// exitErr is set before that.
type handle struct {
	cmd       *exec.Cmd
	pid       int
	binary    string
	startedAt time.Time
	done      chan struct{}
	exitErr   error
	readers   sync.WaitGroup
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Supervisor owns at most one child at a time.
type Supervisor struct {
	cfg   Config
	log   *slog.Logger
	probe Probe
	now   func() time.Time

	mu     sync.Mutex
	h      *handle
	alive  bool
	follow *follower

	queue *lineQueue
	buf   *LogBuffer
	// lastExit explains why the previous child went away, if it did so on
	// its own.
	lastExit error
}

// NewSupervisor returns an idle supervisor.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Name == "" {
		cfg.Name = "reth"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	probe := cfg.Probe
	if probe == nil {
		probe = ProbeAlive
	}
	return &Supervisor{
		cfg:   cfg,
		log:   log.With("component", "supervisor", "name", cfg.Name),
		probe: probe,
		now:   time.Now,
		queue: newLineQueue(cfg.QueueSize),
		buf:   NewLogBuffer(cfg.LogCapacity),
	}
}

// Start spawns binaryPath with the configured arguments. Both pipe readers
// start before Start returns.
func (s *Supervisor) Start(binaryPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h != nil {
		return ErrAlreadyRunning
	}
	s.stopFollowLocked()

	args := s.cfg.Node.Args()
	cmd := exec.Command(binaryPath, args...)
	configureSysProcAttr(cmd)
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		metrics.IncNodeStartFailure()
		return fmt.Errorf("start %s: %w", binaryPath, err)
	}
	closeAll(outW, errW)

	h := &handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		binary:    binaryPath,
		startedAt: s.now(),
		done:      make(chan struct{}),
	}

	var capOut, capErr io.WriteCloser
	if s.cfg.Capture.File.Enabled() {
		capOut, capErr, err = s.cfg.Capture.ProcessWriters(s.cfg.Name)
		if err != nil {
			s.log.Warn("output capture disabled", "error", err)
		}
	}
	h.readers.Add(2)
	go func() {
		defer h.readers.Done()
		readLines(Stdout, outR, s.queue, writerOrNil(capOut), s.now)
	}()
	go func() {
		defer h.readers.Done()
		readLines(Stderr, errR, s.queue, writerOrNil(capErr), s.now)
	}()
	go func() {
		h.readers.Wait()
		closeAll(capOut, capErr)
	}()
	go func() {
		h.exitErr = cmd.Wait()
		close(h.done)
	}()

	if s.cfg.PIDFile != "" {
		if err := WritePIDFile(s.cfg.PIDFile, h.pid); err != nil {
			s.log.Warn("write pid file", "path", s.cfg.PIDFile, "error", err)
		}
	}
	s.h = h
	s.alive = true
	s.lastExit = nil
	s.log.Info("node started", "pid", h.pid, "binary", binaryPath, "args", args)
	metrics.IncNodeStart()
	metrics.SetNodeRunning(true)
	return nil
}

// Stop terminates the child: SIGTERM to its process group, then SIGKILL
// after the grace period. The handle is cleared even when signaling fails.
// Exit caused by these signals is not reported as an error.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.h
	if h == nil {
		return nil
	}
	defer s.clearLocked()

	if h.exited() {
		s.log.Info("node already exited", "pid", h.pid, "error", h.exitErr)
		return nil
	}

	var errs []error
	if err := terminate(h.cmd.Process); err != nil {
		errs = append(errs, fmt.Errorf("terminate pid %d: %w", h.pid, err))
	}
	select {
	case <-h.done:
		s.log.Info("node stopped", "pid", h.pid)
	case <-time.After(s.cfg.StopGrace):
		s.log.Warn("node ignored SIGTERM, killing", "pid", h.pid, "grace", s.cfg.StopGrace)
		if err := kill(h.cmd.Process); err != nil {
			errs = append(errs, fmt.Errorf("kill pid %d: %w", h.pid, err))
		}
		select {
		case <-h.done:
			metrics.IncNodeKill()
		case <-time.After(killWait):
			errs = append(errs, fmt.Errorf("pid %d did not exit after kill", h.pid))
		}
	}
	s.waitReaders(h)
	return errors.Join(errs...)
}

// PollStatus reports whether the child is still alive without blocking.
// A reaped child, a probe that finds it gone or zombie, or a probe error
// all clear the handle.
func (s *Supervisor) PollStatus() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.h
	if h == nil {
		return false
	}
	if h.exited() {
		s.log.Info("node exited", "pid", h.pid, "error", h.exitErr)
		s.lastExit = h.exitErr
		if s.lastExit == nil {
			s.lastExit = errExitedCleanly
		}
		s.waitReaders(h)
		s.clearLocked()
		return false
	}
	alive, err := s.probe(h.pid)
	if err != nil {
		s.log.Warn("liveness probe failed, treating node as exited", "pid", h.pid, "error", err)
	}
	if err != nil || !alive {
		s.lastExit = err
		if s.lastExit == nil {
			s.lastExit = errVanished
		}
		s.clearLocked()
		return false
	}
	s.alive = true
	return true
}

// LastExit returns why the previous child ended on its own, or nil when it
// was stopped through Stop or never started.
func (s *Supervisor) LastExit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExit
}

// IsRunning reports whether a handle exists and the last poll found it alive.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h != nil && s.alive
}

// Status returns the current child status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return Status{}
	}
	return Status{Running: s.alive, PID: s.h.pid, StartedAt: s.h.startedAt, Binary: s.h.binary}
}

// Drain moves every queued line into the buffer and returns them.
func (s *Supervisor) Drain() []LogLine {
	lines := s.queue.drain()
	if len(lines) > 0 {
		s.buf.Push(lines...)
	}
	return lines
}

// Lines returns the buffered history, oldest first.
func (s *Supervisor) Lines() []LogLine { return s.buf.Lines() }

// Tail returns the newest n buffered lines.
func (s *Supervisor) Tail(n int) []LogLine { return s.buf.Tail(n) }

// waitReaders lets the readers flush the last lines after exit. A
// grandchild holding the pipes open bounds this by readerFlushWait.
func (s *Supervisor) waitReaders(h *handle) {
	done := make(chan struct{})
	go func() {
		h.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(readerFlushWait):
	}
}

func (s *Supervisor) clearLocked() {
	if s.cfg.PIDFile != "" {
		_ = os.Remove(s.cfg.PIDFile)
	}
	s.h = nil
	s.alive = false
	metrics.SetNodeRunning(false)
}

func writerOrNil(w io.WriteCloser) io.Writer {
	if w == nil {
		return nil
	}
	return w
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
