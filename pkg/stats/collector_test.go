package stats

import (
	"sync"
	"testing"
)

func TestCollector_TrackOperation(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpSend)
	collector.TrackOperation(OpSend)
	collector.TrackOperation(OpReceive)

	stats := collector.GetStats()
	if stats["send_ops"].(uint64) != 2 {
		t.Errorf("Expected 2 send operations, got %v", stats["send_ops"])
	}
	if stats["receive_ops"].(uint64) != 1 {
		t.Errorf("Expected 1 receive operation, got %v", stats["receive_ops"])
	}
	if _, exists := stats["last_send_time"]; !exists {
		t.Errorf("Expected last_send_time to exist in stats")
	}

	if got := collector.Count(OpSend); got != 2 {
		t.Errorf("Count(OpSend) = %d, want 2", got)
	}
	if got := collector.Count(OpInternal); got != 0 {
		t.Errorf("Count(OpInternal) = %d, want 0", got)
	}
}

func TestCollector_TrackOperationWithLatency(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperationWithLatency(OpSend, 100)
	collector.TrackOperationWithLatency(OpSend, 200)
	collector.TrackOperationWithLatency(OpSend, 300)

	latencyStats, ok := collector.GetStats()["send_latency"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected send_latency to be a map")
	}
	if count := latencyStats["count"].(uint64); count != 3 {
		t.Errorf("Expected 3 latency records, got %v", count)
	}
	if avg := latencyStats["avg_ns"].(uint64); avg != 200 {
		t.Errorf("Expected average latency of 200ns, got %v", avg)
	}
	if min := latencyStats["min_ns"].(uint64); min != 100 {
		t.Errorf("Expected min latency of 100ns, got %v", min)
	}
	if max := latencyStats["max_ns"].(uint64); max != 300 {
		t.Errorf("Expected max latency of 300ns, got %v", max)
	}
}

func TestCollector_QueueDepth(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackQueueDepth(3)
	collector.TrackQueueDepth(7)
	collector.TrackQueueDepth(2)

	stats := collector.GetStats()
	if stats["queue_depth"].(uint64) != 2 {
		t.Errorf("Expected queue depth 2, got %v", stats["queue_depth"])
	}
	if stats["queue_high_water"].(uint64) != 7 {
		t.Errorf("Expected high water 7, got %v", stats["queue_high_water"])
	}
}

func TestCollector_ErrorsAndBytes(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackError("malformed_token")
	collector.TrackError("malformed_token")
	collector.TrackError("checksum")
	collector.TrackBytes(true, 12)
	collector.TrackBytes(false, 30)

	stats := collector.GetStats()
	errorStats := stats["errors"].(map[string]uint64)
	if errorStats["malformed_token"] != 2 || errorStats["checksum"] != 1 {
		t.Errorf("unexpected error stats %v", errorStats)
	}
	if stats["bytes_sent"].(uint64) != 12 || stats["bytes_received"].(uint64) != 30 {
		t.Errorf("unexpected byte counters %v / %v", stats["bytes_sent"], stats["bytes_received"])
	}
}

func TestCollector_GetStatsFiltered(t *testing.T) {
	collector := NewAtomicCollector()
	collector.TrackOperation(OpTick)
	collector.TrackOperation(OpSend)

	filtered := collector.GetStatsFiltered("tick")
	if _, ok := filtered["tick_ops"]; !ok {
		t.Errorf("expected tick_ops in filtered stats: %v", filtered)
	}
	if _, ok := filtered["send_ops"]; ok {
		t.Errorf("send_ops should have been filtered out")
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	collector := NewAtomicCollector()
	const workers = 10
	const perWorker = 1000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				collector.TrackOperation(OpEnqueue)
				collector.TrackQueueDepth(uint64(j))
			}
		}()
	}
	wg.Wait()

	if got := collector.Count(OpEnqueue); got != workers*perWorker {
		t.Errorf("expected %d enqueues, got %d", workers*perWorker, got)
	}
	if hw := collector.GetStats()["queue_high_water"].(uint64); hw != perWorker-1 {
		t.Errorf("expected high water %d, got %d", perWorker-1, hw)
	}
}
