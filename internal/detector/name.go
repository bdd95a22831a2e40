package detector

import (
	"context"
	"errors"
	"slices"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrNotFound is returned by Locate when no process matches.
var ErrNotFound = errors.New("process not found")

// NameDetector scans the process table for an executable name.
// Exclude lists PIDs to ignore, typically the supervised child.
type NameDetector struct {
	Name    string
	Exclude []int
}

func (d NameDetector) find(ctx context.Context) (int, error) {
	if d.Name == "" {
		return 0, errors.New("empty process name")
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	want := strings.TrimSuffix(strings.ToLower(d.Name), ".exe")
	for _, p := range procs {
		if slices.Contains(d.Exclude, int(p.Pid)) {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.TrimSuffix(strings.ToLower(name), ".exe") == want {
			return int(p.Pid), nil
		}
	}
	return 0, ErrNotFound
}

func (d NameDetector) Alive(ctx context.Context) (bool, error) {
	_, err := d.find(ctx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (d NameDetector) Locate(ctx context.Context) (int, error) { return d.find(ctx) }

func (d NameDetector) Describe() string { return "name:" + d.Name }
