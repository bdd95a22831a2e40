package process

import (
	"errors"
	"runtime"
	"slices"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Probe reports whether pid is a live, non-zombie process.
type Probe func(pid int) (bool, error)

// ProbeAlive checks pid through gopsutil.
func ProbeAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil || !ok {
		return false, err
	}
	if runtime.GOOS == "windows" {
		return true, nil
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, err
	}
	st, err := p.Status()
	if err != nil {
		return false, err
	}
	return !slices.Contains(st, gopsproc.Zombie), nil
}
