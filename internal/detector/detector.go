// Package detector looks for a node that nodekeeper did not spawn in this
// session: a leftover child from an earlier run, or one started by hand.
// Results are informational. A detected node never counts as supervised.
package detector

import (
	"context"
	"fmt"
	"strings"
)

// Detector is a strategy that determines if a node is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the node is detected as running.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Locator is implemented by detectors that can also name the PID they found.
type Locator interface {
	Locate(ctx context.Context) (int, error)
}

// Result summarizes a Scan. LogPath is filled in by the caller when it
// follows the found node's log file.
type Result struct {
	Found   bool     `json:"found"`
	By      string   `json:"by,omitempty"`
	PID     int      `json:"pid,omitempty"`
	LogPath string   `json:"log_path,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func (r Result) String() string {
	if !r.Found {
		return "no external node"
	}
	if r.PID > 0 {
		return fmt.Sprintf("external node (pid %d) via %s", r.PID, r.By)
	}
	return "external node via " + r.By
}

// Scan runs detectors in order and stops at the first positive one.
// Detector errors are collected and do not stop the scan.
func Scan(ctx context.Context, detectors ...Detector) Result {
	var res Result
	for _, d := range detectors {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, err.Error())
			break
		}
		alive, err := d.Alive(ctx)
		if err != nil {
			res.Errors = append(res.Errors, d.Describe()+": "+err.Error())
			continue
		}
		if !alive {
			continue
		}
		res.Found = true
		res.By = d.Describe()
		if l, ok := d.(Locator); ok {
			if pid, err := l.Locate(ctx); err == nil {
				res.PID = pid
			}
		}
		return res
	}
	return res
}

// Describe lists the detectors in order, for logs.
func Describe(detectors []Detector) string {
	parts := make([]string, 0, len(detectors))
	for _, d := range detectors {
		parts = append(parts, d.Describe())
	}
	return strings.Join(parts, ", ")
}
