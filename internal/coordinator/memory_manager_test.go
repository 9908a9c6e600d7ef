package coordinator

import "testing"

// TestCanAdmitRespectsVectorCountLimit verifies admission control rejects
// new vectors once the configured count limit is reached.
func TestCanAdmitRespectsVectorCountLimit(t *testing.T) {
	m := NewMemoryManager(MemoryConfig{MaxVectors: 2, MaxMemoryBytes: 1 << 30})

	if !m.CanAdmit(4) {
		t.Fatal("CanAdmit rejected the first vector under an empty budget")
	}
	m.RecordAdded(4)
	if !m.CanAdmit(4) {
		t.Fatal("CanAdmit rejected the second vector under budget")
	}
	m.RecordAdded(4)
	if m.CanAdmit(4) {
		t.Error("CanAdmit accepted a third vector past MaxVectors")
	}
}

// TestCanAdmitRespectsByteBudget verifies admission control rejects vectors
// that would exceed the configured byte budget even under the count limit.
func TestCanAdmitRespectsByteBudget(t *testing.T) {
	m := NewMemoryManager(MemoryConfig{MaxVectors: 1000, MaxMemoryBytes: 100})
	m.RecordAdded(80)
	if m.CanAdmit(30) {
		t.Error("CanAdmit accepted a vector that would exceed the byte budget")
	}
	if !m.CanAdmit(20) {
		t.Error("CanAdmit rejected a vector that fits exactly within the byte budget")
	}
}

// TestRecordRemovedFreesCapacity verifies removing a vector's accounting
// allows a subsequent admission that would otherwise have been rejected.
func TestRecordRemovedFreesCapacity(t *testing.T) {
	m := NewMemoryManager(MemoryConfig{MaxVectors: 1, MaxMemoryBytes: 1 << 30})
	m.RecordAdded(4)
	if m.CanAdmit(4) {
		t.Fatal("CanAdmit accepted past MaxVectors before removal")
	}
	m.RecordRemoved(4)
	if !m.CanAdmit(4) {
		t.Error("CanAdmit still rejected after RecordRemoved freed capacity")
	}
}

// TestNeedsCleanupHonorsThresholdAndAutoCleanupFlag verifies the cleanup
// trigger only fires once the configured percentage of MaxVectors is in
// use, and never when AutoCleanup is disabled.
func TestNeedsCleanupHonorsThresholdAndAutoCleanupFlag(t *testing.T) {
	m := NewMemoryManager(MemoryConfig{MaxVectors: 10, MaxMemoryBytes: 1 << 30, AutoCleanup: true, CleanupThreshold: 0.8})
	for i := 0; i < 7; i++ {
		m.RecordAdded(1)
	}
	if m.NeedsCleanup() {
		t.Error("NeedsCleanup fired below the configured threshold")
	}
	m.RecordAdded(1) // 8/10 = threshold
	if !m.NeedsCleanup() {
		t.Error("NeedsCleanup did not fire at the configured threshold")
	}

	disabled := NewMemoryManager(MemoryConfig{MaxVectors: 10, MaxMemoryBytes: 1 << 30, AutoCleanup: false, CleanupThreshold: 0.1})
	disabled.RecordAdded(1)
	if disabled.NeedsCleanup() {
		t.Error("NeedsCleanup fired with AutoCleanup disabled")
	}
}

// TestStatsReflectsCountersAcrossOperations verifies Stats aggregates every
// counter the manager tracks.
func TestStatsReflectsCountersAcrossOperations(t *testing.T) {
	m := NewMemoryManager(DefaultMemoryConfig())
	m.RecordAdded(100)
	m.RecordAdded(100)
	m.RecordEvicted()
	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()

	stats := m.Stats()
	if stats.VectorCount != 2 {
		t.Errorf("Stats.VectorCount = %d, want 2", stats.VectorCount)
	}
	if stats.MemoryBytes != 200 {
		t.Errorf("Stats.MemoryBytes = %d, want 200", stats.MemoryBytes)
	}
	if stats.EvictedCount != 1 {
		t.Errorf("Stats.EvictedCount = %d, want 1", stats.EvictedCount)
	}
	if stats.CacheHits != 2 || stats.CacheMisses != 1 {
		t.Errorf("Stats cache counters = hits:%d misses:%d, want hits:2 misses:1", stats.CacheHits, stats.CacheMisses)
	}
}
