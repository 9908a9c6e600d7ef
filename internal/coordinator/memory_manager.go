package coordinator

import (
	"sync/atomic"
)

// MemoryConfig controls the memory manager's admission-control thresholds.
type MemoryConfig struct {
	MaxVectors       int
	MaxMemoryBytes   int64
	AutoCleanup      bool
	CleanupThreshold float64
}

// DefaultMemoryConfig returns the standard limits: 100k vectors, 1 GiB of
// vector memory, cleanup at 80% occupancy.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxVectors:       100_000,
		MaxMemoryBytes:   1 << 30,
		AutoCleanup:      true,
		CleanupThreshold: 0.8,
	}
}

// MemoryStats is a point-in-time snapshot of the memory manager's counters.
type MemoryStats struct {
	VectorCount  int64
	MemoryBytes  int64
	EvictedCount int64
	CacheHits    int64
	CacheMisses  int64
}

// MemoryManager is admission control over the index's vector count and byte
// budget, plus the counters behind the Prometheus gauges in metrics.go.
type MemoryManager struct {
	cfg MemoryConfig

	vectorCount int64
	memoryUsage int64
	evicted     int64
	cacheHits   int64
	cacheMisses int64
}

// NewMemoryManager constructs a MemoryManager with cfg.
func NewMemoryManager(cfg MemoryConfig) *MemoryManager {
	return &MemoryManager{cfg: cfg}
}

// CanAdmit reports whether a vector of vectorSizeBytes could be added
// without exceeding configured limits.
func (m *MemoryManager) CanAdmit(vectorSizeBytes int64) bool {
	if atomic.LoadInt64(&m.vectorCount) >= int64(m.cfg.MaxVectors) {
		return false
	}
	if atomic.LoadInt64(&m.memoryUsage)+vectorSizeBytes > m.cfg.MaxMemoryBytes {
		return false
	}
	return true
}

// RecordAdded updates counters after a vector has been admitted.
func (m *MemoryManager) RecordAdded(vectorSizeBytes int64) {
	atomic.AddInt64(&m.vectorCount, 1)
	atomic.AddInt64(&m.memoryUsage, vectorSizeBytes)
	VectorsTotal.Set(float64(atomic.LoadInt64(&m.vectorCount)))
	VectorMemoryBytes.Set(float64(atomic.LoadInt64(&m.memoryUsage)))
}

// RecordRemoved updates counters after a vector has been tombstoned.
func (m *MemoryManager) RecordRemoved(vectorSizeBytes int64) {
	atomic.AddInt64(&m.vectorCount, -1)
	atomic.AddInt64(&m.memoryUsage, -vectorSizeBytes)
	VectorsTotal.Set(float64(atomic.LoadInt64(&m.vectorCount)))
	VectorMemoryBytes.Set(float64(atomic.LoadInt64(&m.memoryUsage)))
}

// RecordEvicted marks one vector as evicted by cleanup.
func (m *MemoryManager) RecordEvicted() {
	atomic.AddInt64(&m.evicted, 1)
	VectorsEvictedTotal.Inc()
}

// RecordCacheHit/RecordCacheMiss track embedder/index cache effectiveness.
func (m *MemoryManager) RecordCacheHit() {
	atomic.AddInt64(&m.cacheHits, 1)
	CacheHitsTotal.Inc()
}

func (m *MemoryManager) RecordCacheMiss() {
	atomic.AddInt64(&m.cacheMisses, 1)
	CacheMissesTotal.Inc()
}

// NeedsCleanup reports whether vector count has crossed the configured
// cleanup threshold.
func (m *MemoryManager) NeedsCleanup() bool {
	if !m.cfg.AutoCleanup {
		return false
	}
	threshold := int64(float64(m.cfg.MaxVectors) * m.cfg.CleanupThreshold)
	return atomic.LoadInt64(&m.vectorCount) >= threshold
}

// Stats returns a snapshot of all counters.
func (m *MemoryManager) Stats() MemoryStats {
	return MemoryStats{
		VectorCount:  atomic.LoadInt64(&m.vectorCount),
		MemoryBytes:  atomic.LoadInt64(&m.memoryUsage),
		EvictedCount: atomic.LoadInt64(&m.evicted),
		CacheHits:    atomic.LoadInt64(&m.cacheHits),
		CacheMisses:  atomic.LoadInt64(&m.cacheMisses),
	}
}

// MemoryUsagePercentage returns memory usage as a percentage of the
// configured byte budget.
func (m *MemoryManager) MemoryUsagePercentage() float64 {
	return float64(atomic.LoadInt64(&m.memoryUsage)) / float64(m.cfg.MaxMemoryBytes) * 100.0
}

// VectorCountPercentage returns vector count as a percentage of the
// configured vector budget.
func (m *MemoryManager) VectorCountPercentage() float64 {
	return float64(atomic.LoadInt64(&m.vectorCount)) / float64(m.cfg.MaxVectors) * 100.0
}
