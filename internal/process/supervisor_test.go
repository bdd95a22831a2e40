//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/nodekeeper/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode writes an executable shell script standing in for the node binary.
func fakeNode(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reth")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func drainUntil(t *testing.T, s *Supervisor, pred func([]LogLine) bool) []LogLine {
	t.Helper()
	var all []LogLine
	require.Eventually(t, func() bool {
		all = append(all, s.Drain()...)
		return pred(all)
	}, 5*time.Second, 20*time.Millisecond)
	return all
}

func contains(lines []LogLine, sub string) (LogLine, bool) {
	for _, l := range lines {
		if strings.Contains(l.Content, sub) {
			return l, true
		}
	}
	return LogLine{}, false
}

func TestSupervisorCapturesAndStops(t *testing.T) {
	bin := fakeNode(t, `echo "args: $*"
echo "WARN low peer count"
echo "INFO from stderr" 1>&2
exec sleep 30
`)
	pidFile := filepath.Join(t.TempDir(), "reth.pid")
	s := NewSupervisor(Config{PIDFile: pidFile, Node: NodeOptions{Chain: "holesky"}})

	require.NoError(t, s.Start(bin))
	assert.ErrorIs(t, s.Start(bin), ErrAlreadyRunning)
	assert.True(t, s.IsRunning())
	assert.True(t, s.PollStatus())

	pid, err := ReadPIDFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, s.Status().PID, pid)

	lines := drainUntil(t, s, func(ls []LogLine) bool { return len(ls) >= 3 })
	l, ok := contains(lines, "args: node --full --log.stdout.format terminal --chain holesky")
	require.True(t, ok, "args line missing: %+v", lines)
	assert.Equal(t, LevelInfo, l.Level)
	l, _ = contains(lines, "WARN low peer count")
	assert.Equal(t, LevelWarn, l.Level)
	l, _ = contains(lines, "INFO from stderr")
	assert.Equal(t, LevelError, l.Level)
	assert.Len(t, s.Lines(), len(lines))

	start := time.Now()
	require.NoError(t, s.Stop())
	assert.Less(t, time.Since(start), DefaultStopGrace)
	assert.False(t, s.IsRunning())
	assert.False(t, s.PollStatus())
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.Stop(), "stop without a child is a no-op")
}

func TestSupervisorEscalatesToKill(t *testing.T) {
	bin := fakeNode(t, `trap '' TERM
echo ready
while true; do sleep 1; done
`)
	s := NewSupervisor(Config{StopGrace: 300 * time.Millisecond})
	require.NoError(t, s.Start(bin))
	drainUntil(t, s, func(ls []LogLine) bool { _, ok := contains(ls, "ready"); return ok })

	start := time.Now()
	require.NoError(t, s.Stop())
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.False(t, s.IsRunning())
}

func TestSupervisorPollAfterExternalKill(t *testing.T) {
	bin := fakeNode(t, "exec sleep 30\n")
	s := NewSupervisor(Config{})
	require.NoError(t, s.Start(bin))
	pid := s.Status().PID
	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

	require.Eventually(t, func() bool { return !s.PollStatus() }, 5*time.Second, 20*time.Millisecond)
	assert.False(t, s.IsRunning())
	assert.Equal(t, Status{}, s.Status())

	require.NoError(t, s.Start(bin), "a new child may start once the old one is gone")
	require.NoError(t, s.Stop())
}

func TestSupervisorNaturalExitDrainsTail(t *testing.T) {
	bin := fakeNode(t, "echo one\necho two\n")
	s := NewSupervisor(Config{})
	require.NoError(t, s.Start(bin))
	require.Eventually(t, func() bool { return !s.PollStatus() }, 5*time.Second, 20*time.Millisecond)
	lines := drainUntil(t, s, func(ls []LogLine) bool { return len(ls) == 2 })
	assert.Equal(t, "one", lines[0].Content)
	assert.Equal(t, "two", lines[1].Content)
}

func TestSupervisorProbeErrorIsFailSafe(t *testing.T) {
	bin := fakeNode(t, "exec sleep 30\n")
	s := NewSupervisor(Config{Probe: func(int) (bool, error) { return false, errors.New("probe unavailable") }})
	require.NoError(t, s.Start(bin))
	pid := s.Status().PID
	t.Cleanup(func() { _ = syscall.Kill(-pid, syscall.SIGKILL) })

	assert.False(t, s.PollStatus())
	assert.False(t, s.IsRunning())
}

func TestSupervisorStartFailure(t *testing.T) {
	s := NewSupervisor(Config{})
	err := s.Start(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.False(t, s.IsRunning())
	assert.False(t, s.PollStatus())
}

func TestSupervisorCapturesToFiles(t *testing.T) {
	dir := t.TempDir()
	bin := fakeNode(t, "echo captured-out\necho captured-err 1>&2\n")
	s := NewSupervisor(Config{Capture: logger.Config{File: logger.FileConfig{Dir: dir}}})
	require.NoError(t, s.Start(bin))
	require.Eventually(t, func() bool { return !s.PollStatus() }, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(dir, "reth.stdout.log"))
		return err == nil && strings.Contains(string(b), "captured-out")
	}, 5*time.Second, 20*time.Millisecond)
	b, err := os.ReadFile(filepath.Join(dir, "reth.stderr.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "captured-err")
}

func TestProbeAlive(t *testing.T) {
	ok, err := ProbeAlive(os.Getpid())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = ProbeAlive(0)
	assert.False(t, ok)
}

func TestSupervisorSurvivesOverlongLine(t *testing.T) {
	bin := fakeNode(t, `head -c 1100000 /dev/zero | tr '\0' 'a'
echo
echo after-long-line
exec sleep 30
`)
	s := NewSupervisor(Config{})
	require.NoError(t, s.Start(bin))
	t.Cleanup(func() { _ = s.Stop() })

	lines := drainUntil(t, s, func(ls []LogLine) bool { _, ok := contains(ls, "after-long-line"); return ok })
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Len(t, lines[0].Content, maxLineSize)
	assert.True(t, s.PollStatus(), "node must keep running after a long line")
	assert.NoError(t, s.LastExit())
}

func TestSupervisorKeepsNewestThousandLines(t *testing.T) {
	bin := fakeNode(t, `i=1
while [ $i -le 1500 ]; do echo "line $i"; i=$((i+1)); done
`)
	s := NewSupervisor(Config{})
	require.NoError(t, s.Start(bin))
	require.Eventually(t, func() bool { return !s.PollStatus() }, 10*time.Second, 20*time.Millisecond)
	drainUntil(t, s, func(ls []LogLine) bool { return len(ls) == 1500 })

	lines := s.Lines()
	require.Len(t, lines, DefaultLogCapacity)
	for i, l := range lines {
		require.Equal(t, fmt.Sprintf("line %d", 501+i), l.Content)
	}
}
