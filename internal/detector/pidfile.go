package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PIDMeta is the optional JSON line that follows the PID in a pid file.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// pidAlive returns true if a process with given pid exists.
func pidAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// PIDFileDetector detects a node via a PID file left by a previous run.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) read() (int, PIDMeta, error) {
	var meta PIDMeta
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		return 0, meta, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, meta, fmt.Errorf("invalid pid in %s: %w", d.PIDFile, err)
	}
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &meta)
	}
	return pid, meta, nil
}

func (d PIDFileDetector) Alive(ctx context.Context) (bool, error) {
	pid, meta, err := d.read()
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if meta.StartUnix > 0 {
		cur := ProcStartUnix(pid)
		if cur > 0 && cur != meta.StartUnix {
			return false, nil // PID reused; not our node
		}
	}
	return pidAlive(ctx, pid), nil
}

func (d PIDFileDetector) Locate(context.Context) (int, error) {
	pid, _, err := d.read()
	return pid, err
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive(ctx context.Context) (bool, error) { return pidAlive(ctx, d.PID), nil }
func (d PIDDetector) Locate(context.Context) (int, error)     { return d.PID, nil }
func (d PIDDetector) Describe() string                        { return fmt.Sprintf("pid:%d", d.PID) }
