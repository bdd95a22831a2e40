package process

import (
	"strings"
	"time"
)

// Level is the severity assigned to a captured line.
type Level string

const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelDebug Level = "debug"
	LevelTrace Level = "trace"
	LevelInfo  Level = "info"
)

// Levels lists every level in classification priority order.
var Levels = []Level{LevelError, LevelWarn, LevelDebug, LevelTrace, LevelInfo}

// TimestampLayout is the wall-clock format stamped on captured lines.
const TimestampLayout = "15:04:05"

// Stream identifies where a line came from: a child pipe or a followed
// log file.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	File   Stream = "file"
)

// LogLine is one classified line of child output.
type LogLine struct {
	Timestamp string `json:"timestamp"`
	Content   string `json:"content"`
	Level     Level  `json:"level"`
}

// Classify assigns a level by case-insensitive substring match, first hit wins:
// "error"/"err", then "warn", then "debug", then "trace", else info.
func Classify(content string) Level {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "err"):
		return LevelError
	case strings.Contains(lower, "warn"):
		return LevelWarn
	case strings.Contains(lower, "debug"):
		return LevelDebug
	case strings.Contains(lower, "trace"):
		return LevelTrace
	default:
		return LevelInfo
	}
}

// NewLogLine stamps content with now. Lines read from stderr are always errors.
func NewLogLine(stream Stream, content string, now time.Time) LogLine {
	level := LevelError
	if stream != Stderr {
		level = Classify(content)
	}
	return LogLine{
		Timestamp: now.Format(TimestampLayout),
		Content:   content,
		Level:     level,
	}
}
