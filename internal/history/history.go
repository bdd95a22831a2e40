// Package history exports node lifecycle events to external stores for
// auditing. Sinks are best effort: callers log failures and carry on.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/nodekeeper/internal/metrics"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventInstallStarted EventType = "install_started"
	EventInstalled      EventType = "installed"
	EventInstallFailed  EventType = "install_failed"
	EventStart          EventType = "start"
	EventStartFailed    EventType = "start_failed"
	EventStop           EventType = "stop"
	EventExit           EventType = "exit"
	EventReset          EventType = "reset"
)

// Table is the relational table every SQL sink writes to.
const Table = "node_history"

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Node       string    `json:"node"`
	Version    string    `json:"version,omitempty"`
	PID        int       `json:"pid,omitempty"`
	State      string    `json:"state,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can return what they stored.
// Recent returns up to limit events, newest first.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Named sinks label their failures in metrics and logs.
type Named interface {
	Name() string
}

// Recorder fans events out to every sink, logging and counting failures
// instead of returning them.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
}

// NewRecorder returns a recorder over sinks. A nil logger uses slog.Default.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, logger: logger, timeout: 5 * time.Second}
}

// Record stamps e if needed and sends it to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			name := sinkName(s)
			metrics.IncHistoryError(name)
			r.logger.Warn("history sink failed", "sink", name, "event", e.Type, "error", err)
		}
	}
}

// Recent reads from the first sink that implements Reader.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Event, error) {
	if r != nil {
		for _, s := range r.sinks {
			if rd, ok := s.(Reader); ok {
				return rd.Recent(ctx, limit)
			}
		}
	}
	return nil, ErrNoReader
}

// ErrNoReader is returned when no configured sink can be queried.
var ErrNoReader = errors.New("no queryable history sink configured")

// Close closes every sink that has a Close method.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func sinkName(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
