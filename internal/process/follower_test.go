//go:build !windows

package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendFile(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestFindNodeLog(t *testing.T) {
	dir := t.TempDir()
	_, err := FindNodeLog(dir, "mainnet")
	assert.ErrorIs(t, err, ErrNoNodeLog)
	_, err = FindNodeLog("", "mainnet")
	assert.ErrorIs(t, err, ErrNoNodeLog)

	top := filepath.Join(dir, "top.log")
	require.NoError(t, os.WriteFile(top, nil, 0o644))
	got, err := FindNodeLog(dir, "mainnet")
	require.NoError(t, err)
	assert.Equal(t, top, got, "falls back to the base directory")

	chainDir := filepath.Join(dir, "mainnet")
	require.NoError(t, os.MkdirAll(chainDir, 0o755))
	old := filepath.Join(chainDir, "reth-old.log")
	newest := filepath.Join(chainDir, "reth.log")
	require.NoError(t, os.WriteFile(old, nil, 0o644))
	require.NoError(t, os.WriteFile(newest, nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(chainDir, "notes.txt"), nil, 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Mkdir(filepath.Join(chainDir, "dir.log"), 0o755))

	got, err = FindNodeLog(dir, "mainnet")
	require.NoError(t, err)
	assert.Equal(t, newest, got)
}

func TestFollowSeedsAndTails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reth.log")
	var b strings.Builder
	for i := 1; i <= 60; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	b.WriteString("\n")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	s := NewSupervisor(Config{})
	require.NoError(t, s.Follow(path, 0))
	defer s.Unfollow()
	assert.Equal(t, path, s.Following())
	require.NoError(t, s.Follow(path, 0), "following the same file again is a no-op")

	lines := s.Lines()
	require.Len(t, lines, DefaultFollowSeed)
	assert.Equal(t, "line 11", lines[0].Content)
	assert.Equal(t, "line 60", lines[len(lines)-1].Content)

	appendFile(t, path, "ERROR peer banned\nhalf")
	drained := drainUntil(t, s, func(ls []LogLine) bool {
		_, ok := contains(ls, "peer banned")
		return ok
	})
	l, _ := contains(drained, "peer banned")
	assert.Equal(t, LevelError, l.Level)
	_, ok := contains(drained, "half")
	assert.False(t, ok, "an unterminated line waits for its newline")

	appendFile(t, path, " a line\n")
	drainUntil(t, s, func(ls []LogLine) bool {
		_, ok := contains(ls, "half a line")
		return ok
	})

	st := s.Status()
	assert.False(t, st.Running)
	assert.Zero(t, st.PID)
	assert.False(t, s.IsRunning())
	assert.False(t, s.PollStatus())

	s.Unfollow()
	assert.Empty(t, s.Following())
	s.Unfollow()
}

func TestFollowRestartsAfterTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reth.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("old line\n", 20)), 0o644))

	s := NewSupervisor(Config{})
	require.NoError(t, s.Follow(path, 5))
	defer s.Unfollow()
	assert.Len(t, s.Lines(), 5)

	require.NoError(t, os.WriteFile(path, []byte("fresh\n"), 0o644))
	drainUntil(t, s, func(ls []LogLine) bool {
		_, ok := contains(ls, "fresh")
		return ok
	})
}

func TestFollowSwitchesToRotatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reth.log")
	require.NoError(t, os.WriteFile(path, []byte("before\n"), 0o644))

	s := NewSupervisor(Config{})
	require.NoError(t, s.Follow(path, 0))
	defer s.Unfollow()

	require.NoError(t, os.Rename(path, filepath.Join(dir, "reth.log.1")))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 64)+"\nafter rotation\n"), 0o644))
	drainUntil(t, s, func(ls []LogLine) bool {
		_, ok := contains(ls, "after rotation")
		return ok
	})
}

func TestFollowMissingFile(t *testing.T) {
	s := NewSupervisor(Config{})
	assert.Error(t, s.Follow(filepath.Join(t.TempDir(), "absent.log"), 0))
	assert.Empty(t, s.Following())
}

func TestStartEndsFollow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reth.log")
	require.NoError(t, os.WriteFile(path, []byte("external\n"), 0o644))
	s := NewSupervisor(Config{})
	require.NoError(t, s.Follow(path, 0))

	require.NoError(t, s.Start(fakeNode(t, "exec sleep 30\n")))
	defer func() { _ = s.Stop() }()
	assert.Empty(t, s.Following())
	assert.ErrorIs(t, s.Follow(path, 0), ErrAlreadyRunning)
	assert.True(t, s.IsRunning())
}
