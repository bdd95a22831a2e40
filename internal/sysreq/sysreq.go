// Package sysreq checks whether the host can carry a full node.
package sysreq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	DefaultDiskGB   = 1536.0
	DefaultMemoryGB = 8.0

	bytesPerGB = 1024 * 1024 * 1024
)

// Host reports raw capacities. The gopsutil implementation is used unless a
// Checker is given another one.
type Host interface {
	FreeDisk(ctx context.Context, path string) (uint64, error)
	TotalMemory(ctx context.Context) (uint64, error)
}

type gopsHost struct{}

func (gopsHost) FreeDisk(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

func (gopsHost) TotalMemory(ctx context.Context) (uint64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return v.Total, nil
}

// Status is one measured requirement.
type Status struct {
	AvailableGB float64 `json:"available_gb"`
	RequiredGB  float64 `json:"required_gb"`
	Met         bool    `json:"met"`
}

func newStatus(bytes uint64, required float64) Status {
	gb := float64(bytes) / bytesPerGB
	return Status{AvailableGB: gb, RequiredGB: required, Met: gb >= required}
}

func (s Status) String() string {
	mark := "ok"
	if !s.Met {
		mark = "insufficient"
	}
	return fmt.Sprintf("%.1f GB of %.0f GB (%s)", s.AvailableGB, s.RequiredGB, mark)
}

// Report is the outcome of Check.
type Report struct {
	Path   string `json:"path"`
	Disk   Status `json:"disk"`
	Memory Status `json:"memory"`
}

// AllMet reports whether every requirement is satisfied.
func (r Report) AllMet() bool { return r.Disk.Met && r.Memory.Met }

// Checker measures free disk space where the node keeps its data and total
// physical memory.
type Checker struct {
	DataDir  string
	DiskGB   float64
	MemoryGB float64
	Host     Host
}

// Check measures the host. A data directory that does not exist yet is
// measured at its closest existing ancestor.
func (c Checker) Check(ctx context.Context) (Report, error) {
	host := c.Host
	if host == nil {
		host = gopsHost{}
	}
	diskGB, memGB := c.DiskGB, c.MemoryGB
	if diskGB <= 0 {
		diskGB = DefaultDiskGB
	}
	if memGB <= 0 {
		memGB = DefaultMemoryGB
	}
	path := existingAncestor(c.DataDir)

	free, err := host.FreeDisk(ctx, path)
	if err != nil {
		return Report{}, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	total, err := host.TotalMemory(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("memory info: %w", err)
	}
	return Report{
		Path:   path,
		Disk:   newStatus(free, diskGB),
		Memory: newStatus(total, memGB),
	}, nil
}

func existingAncestor(dir string) string {
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return string(filepath.Separator)
	}
	dir = filepath.Clean(dir)
	for {
		if _, err := os.Stat(dir); err == nil || !errors.Is(err, os.ErrNotExist) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
