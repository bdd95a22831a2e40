package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/nodekeeper/internal/detector"
)

// WritePIDFile records pid at path, creating parent directories. A second
// line carries the process start time so a reused PID is not mistaken for
// the node by detector.PIDFileDetector.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	content := strconv.Itoa(pid) + "\n"
	if start := detector.ProcStartUnix(pid); start > 0 {
		meta, err := json.Marshal(detector.PIDMeta{StartUnix: start})
		if err == nil {
			content += string(meta) + "\n"
		}
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadPIDFile reads a PID written by WritePIDFile.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d in %s", pid, path)
	}
	return pid, nil
}
