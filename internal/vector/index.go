package vector

import (
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/ryanwillie/mimirvaultd/internal/vaulterr"
)

// Fixed HNSW parameters, recorded in persisted metadata so reloads
// reconstruct an equivalent graph.
const (
	DefaultM              = 32
	DefaultMaxElements    = 10_000
	DefaultMaxLayer       = 16
	DefaultEfConstruction = 32
)

// SearchHit is one result of an ANN query: an internal id paired with its
// cosine distance (0 = identical direction, 2 = opposite).
type SearchHit struct {
	InternalID uint64
	Distance   float32
}

// ANNIndex is an HNSW graph over rotated vectors, searched by cosine
// distance. It is a thin, mutex-guarded wrapper over github.com/coder/hnsw
// that enforces the fixed parameter set and internal-id bookkeeping.
type ANNIndex struct {
	mu             sync.RWMutex
	graph          *hnsw.Graph[uint64]
	efConstruction int
	present        map[uint64]struct{}
}

// NewANNIndex constructs an empty graph with the fixed parameters.
func NewANNIndex() *ANNIndex {
	g := hnsw.NewGraph[uint64]()
	g.M = DefaultM
	g.Distance = hnsw.CosineDistance
	g.EfSearch = DefaultEfConstruction

	return &ANNIndex{
		graph:          g,
		efConstruction: DefaultEfConstruction,
		present:        make(map[uint64]struct{}),
	}
}

// Insert adds rotatedVector under internalID. internalIDs must be strictly
// increasing and are never reused (enforced by the coordinator, not here).
func (idx *ANNIndex) Insert(internalID uint64, rotatedVector []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.graph.Add(hnsw.MakeNode(internalID, rotatedVector))
	idx.present[internalID] = struct{}{}
}

// Search returns up to k nearest neighbors to rotatedQuery by cosine
// distance, ef = max(32, k), ties broken by internalID ascending.
func (idx *ANNIndex) Search(rotatedQuery []float32, k int) []SearchHit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ef := DefaultEfConstruction
	if k > ef {
		ef = k
	}
	idx.graph.EfSearch = ef

	nodes := idx.graph.Search(rotatedQuery, k)
	hits := make([]SearchHit, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := idx.present[n.Key]; !ok {
			continue // tombstoned
		}
		hits = append(hits, SearchHit{
			InternalID: n.Key,
			Distance:   hnsw.CosineDistance(rotatedQuery, n.Value),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].InternalID < hits[j].InternalID
	})
	return hits
}

// Tombstone marks internalID absent from future search results without
// touching the underlying graph, which does not natively support deletion.
func (idx *ANNIndex) Tombstone(internalID uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.present, internalID)
}

// Size returns the number of live (non-tombstoned) entries.
func (idx *ANNIndex) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.present)
}

// ContainsInternal reports whether internalID is live.
func (idx *ANNIndex) ContainsInternal(internalID uint64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.present[internalID]
	return ok
}

// Rebuild discards the graph and reinserts every (internalID, vector) pair
// in ascending internalID order, as required after a root rotation changes
// Q or on load from persistence.
func (idx *ANNIndex) Rebuild(entries []IndexEntryVector) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	g := hnsw.NewGraph[uint64]()
	g.M = DefaultM
	g.Distance = hnsw.CosineDistance
	g.EfSearch = idx.efConstruction

	sorted := append([]IndexEntryVector(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InternalID < sorted[j].InternalID })

	present := make(map[uint64]struct{}, len(sorted))
	for _, e := range sorted {
		if len(e.Vector) == 0 {
			return vaulterr.New(vaulterr.KindCorruption, "ANNIndex.Rebuild", nil)
		}
		g.Add(hnsw.MakeNode(e.InternalID, e.Vector))
		present[e.InternalID] = struct{}{}
	}
	idx.graph = g
	idx.present = present
	return nil
}

// IndexEntryVector is the (internalID, rotated-vector) pair Rebuild needs;
// callers apply the rotation matrix before constructing these.
type IndexEntryVector struct {
	InternalID uint64
	Vector     []float32
}
