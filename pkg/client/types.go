package client

import "time"

// State mirrors the install/run lifecycle state.
type State struct {
	Kind     string  `json:"kind"`
	Progress float64 `json:"progress,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// NodeStatus is the supervised child as seen by the daemon.
type NodeStatus struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Binary    string    `json:"binary,omitempty"`
}

// DetectResult reports a node found outside the daemon's supervision.
type DetectResult struct {
	Found   bool     `json:"found"`
	By      string   `json:"by,omitempty"`
	PID     int      `json:"pid,omitempty"`
	LogPath string   `json:"log_path,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

type MetricsStatus struct {
	Endpoint  string    `json:"endpoint,omitempty"`
	Polling   bool      `json:"polling"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type UpdateInfo struct {
	Installed string    `json:"installed"`
	Latest    string    `json:"latest"`
	Available bool      `json:"available"`
	CheckedAt time.Time `json:"checked_at"`
}

// Resources is the node's last sampled CPU and memory use.
type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot is the response of GET /state and of the node control endpoints.
type Snapshot struct {
	State      State         `json:"state"`
	Version    string        `json:"version,omitempty"`
	BinaryPath string        `json:"binary_path,omitempty"`
	Node       NodeStatus    `json:"node"`
	LastExit   string        `json:"last_exit,omitempty"`
	External   DetectResult  `json:"external"`
	Metrics    MetricsStatus `json:"metrics"`
	Update     *UpdateInfo   `json:"update,omitempty"`
	Resources  *Resources    `json:"resources,omitempty"`
}

// InstallResult is returned by a blocking install.
type InstallResult struct {
	Version    string `json:"version"`
	BinaryPath string `json:"binary_path"`
}

type LogLine struct {
	Timestamp string `json:"timestamp"`
	Content   string `json:"content"`
	Level     string `json:"level"`
}

type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type Series struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Unit        string   `json:"unit"`
	Description string   `json:"description,omitempty"`
	Custom      bool     `json:"custom,omitempty"`
	Latest      *float64 `json:"latest,omitempty"`
	Min         float64  `json:"min"`
	Max         float64  `json:"max"`
	Samples     []Sample `json:"samples"`
}

type RequirementStatus struct {
	AvailableGB float64 `json:"available_gb"`
	RequiredGB  float64 `json:"required_gb"`
	Met         bool    `json:"met"`
}

type Requirements struct {
	Path   string            `json:"path"`
	Disk   RequirementStatus `json:"disk"`
	Memory RequirementStatus `json:"memory"`
}

// Event is one lifecycle history entry.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Node       string    `json:"node"`
	Version    string    `json:"version,omitempty"`
	PID        int       `json:"pid,omitempty"`
	State      string    `json:"state,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
