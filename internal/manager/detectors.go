package manager

import (
	"time"

	"github.com/loykin/nodekeeper/internal/detector"
)

// defaultDetectors builds the detector chain from config: the pid file of
// a previous session first, then the optional command, then the node's
// ports and finally the process table.
func (m *Manager) defaultDetectors() []detector.Detector {
	c := m.cfg
	var ds []detector.Detector
	if c.Node.PIDFile != "" {
		ds = append(ds, detector.PIDFileDetector{PIDFile: c.Node.PIDFile})
	}
	if c.Detect.Command != "" {
		ds = append(ds, detector.CommandDetector{Command: c.Detect.Command})
	}
	if len(c.Detect.Ports) > 0 {
		ds = append(ds, detector.PortDetector{Host: c.Detect.Host, Ports: c.Detect.Ports, Timeout: 300 * time.Millisecond})
	}
	if c.Detect.ProcessName != "" {
		ds = append(ds, detector.NameDetector{Name: c.Detect.ProcessName})
	}
	return ds
}

// excludePID drops detectors that would only find our own child and
// teaches the process scan to skip it. Port probes cannot tell owners
// apart cheaply and are dropped while a child runs.
func excludePID(ds []detector.Detector, pid int) []detector.Detector {
	out := make([]detector.Detector, 0, len(ds))
	for _, d := range ds {
		switch v := d.(type) {
		case detector.PIDFileDetector, detector.PortDetector:
			continue
		case detector.NameDetector:
			v.Exclude = append(append([]int(nil), v.Exclude...), pid)
			out = append(out, v)
		default:
			out = append(out, d)
		}
	}
	return out
}
