package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Persistence service operation types
const (
	OpTxStart     OperationType = "tx_start"
	OpTxCommit    OperationType = "tx_commit"
	OpTxAbort     OperationType = "tx_abort"
	OpWrite       OperationType = "write"
	OpModify      OperationType = "modify"
	OpDelete      OperationType = "delete"
	OpReadSector  OperationType = "read_sector"
	OpReadEntry   OperationType = "read_entry"
	OpBind        OperationType = "bind"
	OpUnbind      OperationType = "unbind"
	OpSingleEntry OperationType = "single_entry"
)

// AtomicCollector provides centralized statistics collection with minimal contention
// using atomic operations for thread safety
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // only taken to create new counters

	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	live   map[string]uint64
	liveMu sync.RWMutex

	recoveryStats RecoveryStats

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex
}

// RecoveryStats tracks what the last bind had to do to bring the volume up
type RecoveryStats struct {
	JournalElementsReplayed atomic.Uint64
	EntriesScanned          atomic.Uint64
	CorruptBlocks           atomic.Uint64
	Duration                atomic.Int64 // nanoseconds
	Count                   atomic.Uint64
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // nanoseconds
	max   atomic.Uint64
	min   atomic.Uint64 // zero until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		live:       make(map[string]uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)
	c.touch(op)
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.getOrCreateCounter(op).Add(1)
	c.touch(op)

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current || tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

func (c *AtomicCollector) touch(op OperationType) {
	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackLiveEntries records the number of live entries in a sector
func (c *AtomicCollector) TrackLiveEntries(sector string, count uint64) {
	c.liveMu.Lock()
	c.live[sector] = count
	c.liveMu.Unlock()
}

// StartRecovery resets recovery statistics and returns the start time
func (c *AtomicCollector) StartRecovery() time.Time {
	c.recoveryStats.JournalElementsReplayed.Store(0)
	c.recoveryStats.EntriesScanned.Store(0)
	c.recoveryStats.CorruptBlocks.Store(0)
	c.recoveryStats.Duration.Store(0)
	return time.Now()
}

// FinishRecovery completes recovery statistics
func (c *AtomicCollector) FinishRecovery(startTime time.Time, journalReplayed, entriesScanned, corruptBlocks uint64) {
	c.recoveryStats.JournalElementsReplayed.Store(journalReplayed)
	c.recoveryStats.EntriesScanned.Store(entriesScanned)
	c.recoveryStats.CorruptBlocks.Store(corruptBlocks)
	c.recoveryStats.Duration.Store(time.Since(startTime).Nanoseconds())
	c.recoveryStats.Count.Add(1)
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64, len(c.errors))
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	c.liveMu.RLock()
	live := make(map[string]uint64, len(c.live))
	for sector, n := range c.live {
		live[sector] = n
	}
	c.liveMu.RUnlock()
	stats["live_entries"] = live

	recovery := map[string]interface{}{
		"journal_elements_replayed": c.recoveryStats.JournalElementsReplayed.Load(),
		"entries_scanned":           c.recoveryStats.EntriesScanned.Load(),
		"corrupt_blocks":            c.recoveryStats.CorruptBlocks.Load(),
		"count":                     c.recoveryStats.Count.Load(),
	}
	if d := c.recoveryStats.Duration.Load(); d > 0 {
		recovery["duration_ms"] = d / int64(time.Millisecond)
	}
	stats["recovery"] = recovery

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}
		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}
		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}
