package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_TrackOperation(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpWrite)
	collector.TrackOperation(OpWrite)
	collector.TrackOperation(OpTxCommit)

	stats := collector.GetStats()

	if stats["write_ops"].(uint64) != 2 {
		t.Errorf("Expected 2 write operations, got %v", stats["write_ops"])
	}
	if stats["tx_commit_ops"].(uint64) != 1 {
		t.Errorf("Expected 1 commit, got %v", stats["tx_commit_ops"])
	}
	if _, exists := stats["last_write_time"]; !exists {
		t.Errorf("Expected last_write_time to exist in stats")
	}
}

func TestCollector_TrackOperationWithLatency(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperationWithLatency(OpReadSector, 100)
	collector.TrackOperationWithLatency(OpReadSector, 200)
	collector.TrackOperationWithLatency(OpReadSector, 300)

	latencyStats, ok := collector.GetStats()["read_sector_latency"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected read_sector_latency to be a map")
	}

	if count := latencyStats["count"].(uint64); count != 3 {
		t.Errorf("Expected 3 latency records, got %v", count)
	}
	if avg := latencyStats["avg_ns"].(uint64); avg != 200 {
		t.Errorf("Expected average latency 200ns, got %v", avg)
	}
	if min := latencyStats["min_ns"].(uint64); min != 100 {
		t.Errorf("Expected min latency 100ns, got %v", min)
	}
	if max := latencyStats["max_ns"].(uint64); max != 300 {
		t.Errorf("Expected max latency 300ns, got %v", max)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	collector := NewAtomicCollector()
	const numGoroutines = 10
	const opsPerGoroutine = 999

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				switch j % 3 {
				case 0:
					collector.TrackOperation(OpWrite)
				case 1:
					collector.TrackOperation(OpDelete)
				case 2:
					collector.TrackOperationWithLatency(OpTxCommit, uint64(j))
				}
			}
		}()
	}

	wg.Wait()

	stats := collector.GetStats()
	expected := uint64(numGoroutines * opsPerGoroutine / 3)
	for _, key := range []string{"write_ops", "delete_ops", "tx_commit_ops"} {
		if got := stats[key].(uint64); got != expected {
			t.Errorf("%s: expected %d, got %d", key, expected, got)
		}
	}
}

func TestCollector_GetStatsFiltered(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpTxStart)
	collector.TrackOperation(OpTxAbort)
	collector.TrackOperation(OpReadEntry)
	collector.TrackError("commit_io")

	txStats := collector.GetStatsFiltered("tx_")
	if _, exists := txStats["tx_start_ops"]; !exists {
		t.Errorf("Expected tx_start_ops in filtered stats")
	}
	if _, exists := txStats["tx_abort_ops"]; !exists {
		t.Errorf("Expected tx_abort_ops in filtered stats")
	}
	if _, exists := txStats["read_entry_ops"]; exists {
		t.Errorf("Did not expect read_entry_ops in tx-filtered stats")
	}

	errorStats := collector.GetStatsFiltered("error")
	errs, ok := errorStats["errors"].(map[string]uint64)
	if !ok || errs["commit_io"] != 1 {
		t.Errorf("Expected commit_io error count of 1, got %v", errorStats["errors"])
	}
}

func TestCollector_TrackBytes(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackBytes(true, 2048)
	collector.TrackBytes(false, 512)

	stats := collector.GetStats()
	if n := stats["total_bytes_written"].(uint64); n != 2048 {
		t.Errorf("Expected 2048 bytes written, got %v", n)
	}
	if n := stats["total_bytes_read"].(uint64); n != 512 {
		t.Errorf("Expected 512 bytes read, got %v", n)
	}
}

func TestCollector_TrackLiveEntries(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackLiveEntries("sep_edges", 10)
	collector.TrackLiveEntries("sep_edges", 12)
	collector.TrackLiveEntries("dieh_record", 3)

	live := collector.GetStats()["live_entries"].(map[string]uint64)
	if live["sep_edges"] != 12 {
		t.Errorf("Expected 12 live sep_edges entries, got %d", live["sep_edges"])
	}
	if live["dieh_record"] != 3 {
		t.Errorf("Expected 3 live dieh_record entries, got %d", live["dieh_record"])
	}
}

func TestCollector_RecoveryStats(t *testing.T) {
	collector := NewAtomicCollector()

	startTime := collector.StartRecovery()
	time.Sleep(10 * time.Millisecond)
	collector.FinishRecovery(startTime, 5, 1000, 2)

	recovery, ok := collector.GetStats()["recovery"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected recovery stats to be a map")
	}

	if n := recovery["journal_elements_replayed"].(uint64); n != 5 {
		t.Errorf("Expected 5 replayed elements, got %v", n)
	}
	if n := recovery["entries_scanned"].(uint64); n != 1000 {
		t.Errorf("Expected 1000 scanned entries, got %v", n)
	}
	if n := recovery["corrupt_blocks"].(uint64); n != 2 {
		t.Errorf("Expected 2 corrupt blocks, got %v", n)
	}
	if n := recovery["count"].(uint64); n != 1 {
		t.Errorf("Expected 1 recovery, got %v", n)
	}
	if _, exists := recovery["duration_ms"]; !exists {
		t.Errorf("Expected recovery duration to be recorded")
	}
}
