package metrics

import (
	"math"
	"sync"
	"time"
)

// DefaultSeriesCapacity is the number of samples each series retains.
const DefaultSeriesCapacity = 60

// Sample is one observation of a series.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series is a named, capacity-bounded ring of samples. The oldest sample is
// evicted once capacity is reached.
type Series struct {
	Key         string
	Name        string
	Unit        string
	Description string

	mu      sync.RWMutex
	samples []Sample
	start   int
	count   int
}

// NewSeries returns an empty series. A non-positive capacity uses DefaultSeriesCapacity.
func NewSeries(key, name, unit, description string, capacity int) *Series {
	if capacity <= 0 {
		capacity = DefaultSeriesCapacity
	}
	return &Series{Key: key, Name: name, Unit: unit, Description: description, samples: make([]Sample, capacity)}
}

// Push appends a sample.
func (s *Series) Push(ts time.Time, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.samples)
	if s.count < n {
		s.samples[(s.start+s.count)%n] = Sample{Timestamp: ts, Value: v}
		s.count++
		return
	}
	s.samples[s.start] = Sample{Timestamp: ts, Value: v}
	s.start = (s.start + 1) % n
}

// Len returns the number of retained samples.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Samples returns retained samples oldest first.
func (s *Series) Samples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, s.count)
	for i := range out {
		out[i] = s.samples[(s.start+i)%len(s.samples)]
	}
	return out
}

// Latest returns the newest sample.
func (s *Series) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return Sample{}, false
	}
	return s.samples[(s.start+s.count-1)%len(s.samples)], true
}

// MinMax returns the smallest and largest retained values, or zeros when empty.
func (s *Series) MinMax() (float64, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return 0, 0
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < s.count; i++ {
		v := s.samples[(s.start+i)%len(s.samples)].Value
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// SeriesSnapshot is a copy of a series suitable for JSON.
type SeriesSnapshot struct {
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

func (s *Series) snapshot(custom bool) SeriesSnapshot {
	snap := SeriesSnapshot{
		Key:         s.Key,
		Name:        s.Name,
		Unit:        s.Unit,
		Description: s.Description,
		Custom:      custom,
		Samples:     s.Samples(),
	}
	if l, ok := s.Latest(); ok {
		v := l.Value
		snap.Latest = &v
	}
	snap.Min, snap.Max = s.MinMax()
	return snap
}
