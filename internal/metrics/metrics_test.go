package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncNodeStart()
	IncNodeKill()
	SetNodeRunning(true)
	IncLogLine("warn")
	IncLogDropped()
	RecordStateTransition("completed", "running")
	SetInstallProgress(42)
	IncScrapeError()
	ObserveScrapeDuration(0.01)
	IncHistoryError("sqlite")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"nodekeeper_node_starts_total":             false,
		"nodekeeper_node_kills_total":              false,
		"nodekeeper_node_running":                  false,
		"nodekeeper_log_lines_total":               false,
		"nodekeeper_log_lines_dropped_total":       false,
		"nodekeeper_lifecycle_transitions_total":   false,
		"nodekeeper_lifecycle_current_state":       false,
		"nodekeeper_install_progress_percent":      false,
		"nodekeeper_scrape_errors_total":           false,
		"nodekeeper_scrape_duration_seconds":       false,
		"nodekeeper_history_send_errors_total":     false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", mf.GetName())
			}
		}
	}
	for n, ok := range want {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerForServesRegistry(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	IncNodeStart()

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "nodekeeper_node_starts_total") {
		t.Fatalf("metrics output missing starts counter")
	}

	// The exposition we serve is readable by our own parser.
	parsed := Parse(string(b))
	if _, ok := parsed["nodekeeper_node_starts_total"]; !ok {
		t.Fatalf("parser could not read served metrics: %v", Names(parsed))
	}
}
