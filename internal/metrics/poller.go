package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// DefaultPollInterval is the scrape cadence.
const DefaultPollInterval = time.Second

// Poller scrapes the node endpoint on a fixed cadence and feeds a Tracker.
type Poller struct {
	Endpoint string
	Interval time.Duration
	Client   *http.Client
	Tracker  *Tracker
	Logger   *slog.Logger
}

// PollOnce performs one fetch → parse → update cycle.
func (p *Poller) PollOnce(ctx context.Context) error {
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	start := time.Now()
	text, err := Fetch(ctx, client, endpoint)
	if err != nil {
		IncScrapeError()
		return err
	}
	ObserveScrapeDuration(time.Since(start).Seconds())
	p.Tracker.Update(Parse(text), time.Now())
	return nil
}

// Run polls until ctx is done. Fetch failures are logged and counted, never fatal.
func (p *Poller) Run(ctx context.Context) {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	failures := 0
	for {
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures == 1 || failures%30 == 0 {
				log.Debug("metrics scrape failed", "endpoint", p.Endpoint, "failures", failures, "error", err)
			}
		} else {
			failures = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Available returns the sorted names of the last scraped payload.
func (p *Poller) Available() []string { return p.Tracker.Available() }
