package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/nodekeeper/internal/metrics"
)

const (
	// DefaultFollowSeed is how many existing lines of a followed log are
	// loaded into the buffer up front.
	DefaultFollowSeed = 50
	followInterval    = 250 * time.Millisecond
)

// ErrNoNodeLog is returned by FindNodeLog when no *.log file exists.
var ErrNoNodeLog = errors.New("no node log file found")

// FindNodeLog returns the most recently modified *.log file in dir/chain,
// falling back to dir itself.
func FindNodeLog(dir, chain string) (string, error) {
	if dir == "" {
		return "", ErrNoNodeLog
	}
	var dirs []string
	if chain != "" {
		dirs = append(dirs, filepath.Join(dir, chain))
	}
	dirs = append(dirs, dir)
	for _, d := range dirs {
		if p, ok := newestLog(d); ok {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoNodeLog, dir)
}

func newestLog(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var (
		best    string
		bestMod time.Time
	)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best, bestMod = filepath.Join(dir, e.Name()), info.ModTime()
		}
	}
	return best, best != ""
}

// follower is a running tail of one file.
type follower struct {
	path   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Follow loads the last seed lines of path into the buffer, then forwards
// lines appended to it into the same queue the pipe readers use. It is for
// a node nodekeeper did not spawn and never marks the node as running.
// Start ends the follow.
func (s *Supervisor) Follow(path string, seed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h != nil {
		return ErrAlreadyRunning
	}
	if s.follow != nil && s.follow.path == path {
		return nil
	}
	// #nosec G304 path comes from the configured log directory
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open node log: %w", err)
	}
	t := &tailer{path: path, f: f, q: s.queue, now: s.now, log: s.log, interval: followInterval}
	lines, err := t.seed(seed)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("read node log: %w", err)
	}
	s.stopFollowLocked()
	s.buf.Push(lines...)

	ctx, cancel := context.WithCancel(context.Background())
	fl := &follower{path: path, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(fl.done)
		t.run(ctx)
	}()
	s.follow = fl
	s.log.Info("following node log", "path", path, "seeded", len(lines))
	return nil
}

// Unfollow stops tailing. It is a no-op when nothing is followed.
func (s *Supervisor) Unfollow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopFollowLocked()
}

// Following returns the followed log path, or "".
func (s *Supervisor) Following() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.follow == nil {
		return ""
	}
	return s.follow.path
}

func (s *Supervisor) stopFollowLocked() {
	fl := s.follow
	if fl == nil {
		return
	}
	s.follow = nil
	fl.cancel()
	<-fl.done
	s.log.Info("stopped following node log", "path", fl.path)
}

// tailer reads complete lines from f starting at off. A trailing line
// without its newline is held in partial until the rest arrives.
type tailer struct {
	path     string
	f        *os.File
	off      int64
	partial  []byte
	q        *lineQueue
	now      func() time.Time
	log      *slog.Logger
	interval time.Duration
}

// seed reads f to its end and returns the last n non-empty lines.
func (t *tailer) seed(n int) ([]LogLine, error) {
	if n <= 0 {
		n = DefaultFollowSeed
	}
	var keep []string
	err := t.readAvailable(func(line string) {
		keep = append(keep, line)
		if len(keep) > n {
			keep = append(keep[:0], keep[1:]...)
		}
	})
	if err != nil {
		return nil, err
	}
	now := t.now()
	out := make([]LogLine, 0, len(keep))
	for _, l := range keep {
		out = append(out, NewLogLine(File, l, now))
	}
	return out, nil
}

func (t *tailer) run(ctx context.Context) {
	defer func() { _ = t.f.Close() }()
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		t.reopenIfReplaced()
		if err := t.readAvailable(t.put); err != nil {
			t.log.Warn("read node log", "path", t.path, "error", err)
		}
	}
}

func (t *tailer) put(content string) {
	line := NewLogLine(File, content, t.now())
	metrics.IncLogLine(string(line.Level))
	t.q.put(line)
}

// readAvailable emits every complete line between off and the current end
// of the file. Lines are cut at maxLineSize like pipe output.
func (t *tailer) readAvailable(emit func(string)) error {
	br := bufio.NewReaderSize(t.f, 64*1024)
	for {
		chunk, err := br.ReadSlice('\n')
		t.off += int64(len(chunk))
		if room := maxLineSize - len(t.partial); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			t.partial = append(t.partial, chunk...)
		}
		switch {
		case err == nil:
			line := strings.TrimSpace(string(t.partial))
			t.partial = t.partial[:0]
			if line != "" {
				emit(line)
			}
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			return nil
		default:
			return err
		}
	}
}

// reopenIfReplaced starts from the top when the file was truncated, and
// switches to the new file when the path was rotated to another inode.
func (t *tailer) reopenIfReplaced() {
	cur, err := t.f.Stat()
	if err != nil {
		return
	}
	if cur.Size() < t.off {
		if _, err := t.f.Seek(0, io.SeekStart); err == nil {
			t.off = 0
			t.partial = t.partial[:0]
		}
		return
	}
	next, err := os.Stat(t.path)
	if err != nil || os.SameFile(cur, next) {
		return
	}
	// #nosec G304 same path as the original open
	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	_ = t.readAvailable(t.put)
	_ = t.f.Close()
	t.f, t.off = f, 0
	t.partial = t.partial[:0]
}
