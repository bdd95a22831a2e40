package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

const bytesPerMB = 1_048_576.0

// Node metric names folded into the built-in series.
const (
	MetricPeers           = "reth_network_connected_peers"
	MetricChainHeight     = "reth_blockchain_tree_canonical_chain_height"
	MetricResidentMemory  = "reth_process_resident_memory_bytes"
	MetricTxPool          = "reth_transaction_pool_transactions"
	MetricActiveDownloads = "reth_consensus_engine_beacon_active_block_downloads"
	MetricGasPerSecond    = "reth_sync_execution_gas_per_second"
	MetricCPUSeconds      = "reth_process_cpu_seconds_total"
)

// Built-in series keys.
const (
	KeySyncProgress    = "sync_progress"
	KeyPeers           = "peers"
	KeyBlockHeight     = "block_height"
	KeyMemory          = "memory"
	KeyTxPool          = "tx_pool"
	KeyActiveDownloads = "active_downloads"
	KeyCPU             = "cpu"
)

type builtin struct {
	key, name, unit, desc string
}

var builtins = []builtin{
	{KeySyncProgress, "Sync Progress", "%", "0 while syncing, 100 once a chain height is known and no sync activity remains"},
	{KeyPeers, "Connected Peers", "peers", MetricPeers},
	{KeyBlockHeight, "Block Height", "blocks", MetricChainHeight},
	{KeyMemory, "Memory Usage", "MB", MetricResidentMemory},
	{KeyTxPool, "TX Pool Size", "txs", MetricTxPool},
	{KeyActiveDownloads, "Active Downloads", "blocks", MetricActiveDownloads},
	{KeyCPU, "CPU Usage", "%", "rate of " + MetricCPUSeconds},
}

// direct maps a scraped name to the built-in series it feeds unchanged
// apart from scaling.
var direct = map[string]string{
	MetricPeers:           KeyPeers,
	MetricChainHeight:     KeyBlockHeight,
	MetricResidentMemory:  KeyMemory,
	MetricTxPool:          KeyTxPool,
	MetricActiveDownloads: KeyActiveDownloads,
}

type cpuPoint struct {
	at      time.Time
	seconds float64
}

// Tracker folds parsed payloads into the built-in series and any custom
// series added by name. It is safe for concurrent use.
type Tracker struct {
	capacity int

	mu        sync.RWMutex
	series    map[string]*Series
	custom    map[string]*Series
	customIDs []string
	available []string
	lastCPU   *cpuPoint
	updatedAt time.Time
}

// NewTracker returns a tracker whose series hold capacity samples each.
func NewTracker(capacity int) *Tracker {
	t := &Tracker{
		capacity: capacity,
		series:   make(map[string]*Series, len(builtins)),
		custom:   make(map[string]*Series),
	}
	for _, b := range builtins {
		t.series[b.key] = NewSeries(b.key, b.name, b.unit, b.desc, capacity)
	}
	return t
}

func parseValue(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	return v, err == nil
}

// Update applies one parsed payload observed at now. Unknown names are
// ignored and tracked names absent from parsed leave their series unchanged.
func (t *Tracker) Update(parsed map[string]string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for metric, key := range direct {
		v, ok := parseValue(parsed[metric])
		if !ok {
			continue
		}
		if metric == MetricResidentMemory {
			v /= bytesPerMB
		}
		t.series[key].Push(now, v)
	}

	syncing := false
	for _, m := range []string{MetricGasPerSecond, MetricActiveDownloads} {
		if v, ok := parseValue(parsed[m]); ok && v > 0 {
			syncing = true
		}
	}
	if syncing {
		t.series[KeySyncProgress].Push(now, 0)
	} else if h, ok := t.series[KeyBlockHeight].Latest(); ok && h.Value > 0 {
		t.series[KeySyncProgress].Push(now, 100)
	}

	if secs, ok := parseValue(parsed[MetricCPUSeconds]); ok {
		if p := t.lastCPU; p != nil && secs >= p.seconds && now.After(p.at) {
			rate := (secs - p.seconds) / now.Sub(p.at).Seconds() * 100
			t.series[KeyCPU].Push(now, rate)
		}
		t.lastCPU = &cpuPoint{at: now, seconds: secs}
	}

	for name, s := range t.custom {
		v, ok := parseValue(parsed[name])
		if !ok {
			continue
		}
		if s.Unit == "MB" {
			v /= bytesPerMB
		}
		s.Push(now, v)
	}

	t.available = Names(parsed)
	t.updatedAt = now
}

// AddCustom starts tracking a scraped metric by name. It reports false when
// the name is empty or already tracked.
func (t *Tracker) AddCustom(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.custom[name]; ok {
		return false
	}
	t.custom[name] = NewSeries(name, DisplayName(name), InferUnit(name), name, t.capacity)
	t.customIDs = append(t.customIDs, name)
	return true
}

// RemoveCustom stops tracking name.
func (t *Tracker) RemoveCustom(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.custom[name]; !ok {
		return false
	}
	delete(t.custom, name)
	for i, id := range t.customIDs {
		if id == name {
			t.customIDs = append(t.customIDs[:i], t.customIDs[i+1:]...)
			break
		}
	}
	return true
}

// Available returns the sorted metric names seen in the last payload.
func (t *Tracker) Available() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.available...)
}

// UpdatedAt returns when Update last ran.
func (t *Tracker) UpdatedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updatedAt
}

// Series returns the series for a built-in key or a custom metric name.
func (t *Tracker) Series(key string) (*Series, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.series[key]; ok {
		return s, true
	}
	s, ok := t.custom[key]
	return s, ok
}

// Snapshot copies built-in series in display order followed by custom
// series in the order they were added.
func (t *Tracker) Snapshot() []SeriesSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SeriesSnapshot, 0, len(t.series)+len(t.custom))
	for _, b := range builtins {
		out = append(out, t.series[b.key].snapshot(false))
	}
	for _, id := range t.customIDs {
		out = append(out, t.custom[id].snapshot(true))
	}
	return out
}

// InferUnit guesses a display unit from a metric name.
func InferUnit(name string) string {
	switch {
	case strings.Contains(name, "_bytes"):
		return "MB"
	case strings.Contains(name, "_seconds"):
		return "s"
	case strings.Contains(name, "_percent"):
		return "%"
	case strings.Contains(name, "_count"), strings.Contains(name, "_total"):
		return "count"
	default:
		return ""
	}
}

// DisplayName title-cases the underscore-separated words of name.
func DisplayName(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
