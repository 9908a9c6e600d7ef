package coordinator

import (
	"context"
	"runtime"
	"sync"
)

// BatchConfig controls the batch executor's amortization behavior.
type BatchConfig struct {
	InsertBatchSize int
	SearchBatchSize int
	WorkerThreads   int
	ParallelInsert  bool
}

// DefaultBatchConfig returns the standard bulk-operation sizing.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		InsertBatchSize: 1000,
		SearchBatchSize: 100,
		WorkerThreads:   runtime.NumCPU(),
		ParallelInsert:  true,
	}
}

// BatchInsertResult reports the outcome of a BatchIngest call.
type BatchInsertResult struct {
	InsertedCount int
	FailedCount   int
	Errors        []BatchError
}

// BatchError pairs an input index with its failure.
type BatchError struct {
	Index int
	Err   error
}

// BatchExecutor runs bulk ingest/search with per-item results. Each item is
// its own coordinator call (Ingest or SearchByText) and takes the
// coordinator's lock on its own; lock acquisition is not shared across items.
type BatchExecutor struct {
	coord *Coordinator
	cfg   BatchConfig
}

// NewBatchExecutor wraps coord with batch-oriented bulk operations.
func NewBatchExecutor(coord *Coordinator, cfg BatchConfig) *BatchExecutor {
	return &BatchExecutor{coord: coord, cfg: cfg}
}

// BatchIngest ingests every candidate, continuing past individual failures
// and reporting a per-item result instead of aborting the whole batch.
func (b *BatchExecutor) BatchIngest(ctx context.Context, candidates []Candidate) BatchInsertResult {
	if !b.cfg.ParallelInsert {
		return b.ingestSequential(ctx, candidates)
	}
	return b.ingestParallel(ctx, candidates)
}

func (b *BatchExecutor) ingestSequential(ctx context.Context, candidates []Candidate) BatchInsertResult {
	result := BatchInsertResult{}
	for i, cand := range candidates {
		if _, err := b.coord.Ingest(ctx, cand); err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, BatchError{Index: i, Err: err})
			continue
		}
		result.InsertedCount++
	}
	return result
}

func (b *BatchExecutor) ingestParallel(ctx context.Context, candidates []Candidate) BatchInsertResult {
	workers := b.cfg.WorkerThreads
	if workers <= 0 {
		workers = 1
	}

	type item struct {
		index int
		err   error
	}

	jobs := make(chan int)
	results := make(chan item, len(candidates))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				_, err := b.coord.Ingest(ctx, candidates[i])
				results <- item{index: i, err: err}
			}
		}()
	}

	go func() {
		for i := range candidates {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	result := BatchInsertResult{}
	for r := range results {
		if r.err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, BatchError{Index: r.index, Err: r.err})
			continue
		}
		result.InsertedCount++
	}
	return result
}

// BatchSearchResult is one query's outcome within a BatchSearch call.
type BatchSearchResult struct {
	Results []MemoryResult
	Dropped int
	Err     error
}

// BatchSearch runs searchByText for every query, isolating failures per
// query rather than aborting the batch.
func (b *BatchExecutor) BatchSearch(ctx context.Context, queries []string, k int) []BatchSearchResult {
	out := make([]BatchSearchResult, len(queries))
	for i, q := range queries {
		results, dropped, err := b.coord.SearchByText(ctx, q, k)
		out[i] = BatchSearchResult{Results: results, Dropped: dropped, Err: err}
	}
	return out
}
