package process

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := map[string]Level{
		"2024-01-01 ERROR failed to connect":   LevelError,
		"err: connection reset":                LevelError,
		"WARN peer dropped":                    LevelWarn,
		"warning: low disk":                    LevelWarn,
		"DEBUG stage checkpoint":               LevelDebug,
		"TRACE rlp decode":                     LevelTrace,
		"INFO Status connected_peers=12":       LevelInfo,
		"warn and error in one line":           LevelError,
		"debug trace":                          LevelDebug,
		"":                                     LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, Classify(in), "%q", in)
	}
}

func TestNewLogLine(t *testing.T) {
	now := time.Date(2024, 5, 1, 13, 4, 5, 0, time.Local)
	l := NewLogLine(Stdout, "INFO imported block", now)
	assert.Equal(t, LogLine{Timestamp: "13:04:05", Content: "INFO imported block", Level: LevelInfo}, l)

	l = NewLogLine(Stderr, "INFO harmless text on stderr", now)
	assert.Equal(t, LevelError, l.Level)
}

func TestLogBufferKeepsNewestInOrder(t *testing.T) {
	b := NewLogBuffer(0)
	require.Equal(t, DefaultLogCapacity, b.Cap())
	for i := 0; i < 1500; i++ {
		b.Push(LogLine{Content: fmt.Sprintf("line %d", i)})
	}
	lines := b.Lines()
	require.Len(t, lines, 1000)
	for i, l := range lines {
		assert.Equal(t, fmt.Sprintf("line %d", 500+i), l.Content)
	}

	tail := b.Tail(3)
	require.Len(t, tail, 3)
	assert.Equal(t, "line 1497", tail[0].Content)
	assert.Equal(t, "line 1499", tail[2].Content)

	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Lines())
}

func TestLogBufferPartial(t *testing.T) {
	b := NewLogBuffer(5)
	b.Push(LogLine{Content: "a"}, LogLine{Content: "b"})
	assert.Equal(t, []LogLine{{Content: "a"}, {Content: "b"}}, b.Lines())
	assert.Len(t, b.Tail(10), 2)
}

func TestLineQueueEvictsOldest(t *testing.T) {
	q := newLineQueue(3)
	for i := 0; i < 5; i++ {
		q.put(LogLine{Content: fmt.Sprint(i)})
	}
	got := q.drain()
	require.Len(t, got, 3)
	assert.Equal(t, "2", got[0].Content)
	assert.Equal(t, "4", got[2].Content)
	assert.Empty(t, q.drain())
}

func TestNodeOptionsArgs(t *testing.T) {
	assert.Equal(t, []string{"node", "--full", "--log.stdout.format", "terminal"}, NodeOptions{}.Args())

	o := NodeOptions{
		Chain:       "sepolia",
		DataDir:     "/data",
		MetricsAddr: "127.0.0.1:9001",
		LogFile:     LogFile{Dir: "/logs"},
		ExtraArgs:   []string{"--http"},
	}
	assert.Equal(t, []string{
		"node", "--full", "--log.stdout.format", "terminal",
		"--chain", "sepolia",
		"--datadir", "/data",
		"--metrics", "127.0.0.1:9001",
		"--log.file.directory", "/logs",
		"--log.file.format", "terminal",
		"--log.file.filter", "info",
		"--log.file.max-size", "50",
		"--log.file.max-files", "3",
		"--http",
	}, o.Args())
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := t.TempDir() + "/run/reth.pid"
	require.NoError(t, WritePIDFile(path, 4242))
	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	bad := t.TempDir() + "/bad.pid"
	require.NoError(t, WritePIDFile(bad, -1))
	_, err = ReadPIDFile(bad)
	assert.Error(t, err)
}
