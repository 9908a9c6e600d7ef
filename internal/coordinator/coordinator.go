// Package coordinator implements the storage coordinator, the memory
// manager, and the batch executor: the transactional façade that keeps the
// encrypted record store and the vector index mutually consistent under
// partial failure.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	mimircrypto "github.com/ryanwillie/mimirvaultd/internal/crypto"
	"github.com/ryanwillie/mimirvaultd/internal/log"
	"github.com/ryanwillie/mimirvaultd/internal/store"
	"github.com/ryanwillie/mimirvaultd/internal/vector"
)

// Candidate is the input to Ingest: plaintext content plus metadata. ID is
// optional; a fresh UUID is assigned when absent. Vector, when non-nil, is
// a client-supplied embedding used instead of running the embedder; it is
// the only indexed ingest available when no embedder is configured.
type Candidate struct {
	ID      uuid.UUID
	Content string
	Class   string
	Tags    []string
	Vector  []float32
}

// IngestOutcome reports what Ingest actually persisted.
type IngestOutcome struct {
	RecordID     uuid.UUID
	VectorStored bool
}

// MemoryResult pairs a decrypted record with its similarity score.
type MemoryResult struct {
	Record     store.Record
	Content    string
	Similarity float32
}

// Stats is the coordinator's observability surface.
type Stats struct {
	RecordCount           int
	VectorCount           int
	MemoryUsagePercentage float64
	VectorCountPercentage float64
	CacheHits             int64
	CacheMisses           int64
	Orphans               []uuid.UUID
}

// idMapping tracks the bijection between record ids and internal ids, plus
// the original pre-rotation vector so the index can be rebuilt after a root
// rotation.
type idMapping struct {
	internalToRecord map[uint64]uuid.UUID
	recordToInternal map[uuid.UUID]uint64
	originalVectors  map[uint64][]float32
}

func newIDMapping() *idMapping {
	return &idMapping{
		internalToRecord: make(map[uint64]uuid.UUID),
		recordToInternal: make(map[uuid.UUID]uint64),
		originalVectors:  make(map[uint64][]float32),
	}
}

// Coordinator is the single mutator of cross-store state. It holds a
// writer lock for any operation that mutates the keyset or admits a new
// internal id; readers (searches) take a shared lock.
type Coordinator struct {
	mu sync.RWMutex

	cust     *mimircrypto.Custodian
	keyset   *mimircrypto.Keyset
	envelope *mimircrypto.Envelope

	records *store.Store

	index       *vector.ANNIndex
	persistence *vector.Persistence
	rotation    *vector.RotationMatrix
	embedder    vector.Embedder

	mapping       *idMapping
	nextInternal  uint64
	memoryManager *MemoryManager

	dimension int
}

// Config bundles the dependencies Open needs to construct a Coordinator.
type Config struct {
	Custodian   *mimircrypto.Custodian
	Keyset      *mimircrypto.Keyset
	Records     *store.Store
	Index       *vector.ANNIndex
	Persistence *vector.Persistence
	Rotation    *vector.RotationMatrix
	Embedder    vector.Embedder // may be nil
	MemoryCfg   MemoryConfig
}

// Open constructs a Coordinator from already-opened dependencies and
// performs crash-recovery reconciliation: any record-id in the record store
// absent from the index's id map is re-embedded best-effort, or left as
// retrievable-but-not-searchable and reported via Stats.
func Open(ctx context.Context, cfg Config) (*Coordinator, error) {
	c := &Coordinator{
		cust:          cfg.Custodian,
		keyset:        cfg.Keyset,
		envelope:      mimircrypto.NewEnvelope(),
		records:       cfg.Records,
		index:         cfg.Index,
		persistence:   cfg.Persistence,
		rotation:      cfg.Rotation,
		embedder:      cfg.Embedder,
		mapping:       newIDMapping(),
		memoryManager: NewMemoryManager(cfg.MemoryCfg),
	}
	if cfg.Rotation != nil {
		c.dimension = cfg.Rotation.Dimension()
	}

	meta, records, err := cfg.Persistence.Load()
	if err != nil {
		return nil, err
	}
	if c.dimension == 0 {
		c.dimension = meta.Dimension
	}
	if meta.NextInternalID > c.nextInternal {
		c.nextInternal = meta.NextInternalID
	}
	if len(records) > 0 {
		entries := make([]vector.IndexEntryVector, 0, len(records))
		for _, rec := range records {
			rotated := rec.Original
			if c.rotation != nil {
				rotated, err = c.rotation.Apply(rec.Original)
				if err != nil {
					return nil, err
				}
			}
			entries = append(entries, vector.IndexEntryVector{InternalID: rec.InternalID, Vector: rotated})
			c.mapping.internalToRecord[rec.InternalID] = rec.RecordID
			c.mapping.recordToInternal[rec.RecordID] = rec.InternalID
			c.mapping.originalVectors[rec.InternalID] = rec.Original
			c.memoryManager.RecordAdded(int64(len(rec.Original)) * 4)
		}
		if err := c.index.Rebuild(entries); err != nil {
			return nil, err
		}
	}

	if err := c.reconcileOrphans(ctx); err != nil {
		log.WithComponent("coordinator").Warn().Err(err).Msg("startup orphan reconciliation failed")
	}

	return c, nil
}

// reconcileOrphans is the startup crash-recovery scan: any stored record
// without a corresponding entry in the id map is re-embedded if an embedder
// is available.
func (c *Coordinator) reconcileOrphans(ctx context.Context) error {
	ids, err := c.records.AllIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := c.mapping.recordToInternal[id]; ok {
			continue
		}
		if c.embedder == nil {
			log.WithComponent("coordinator").Warn().Str("record_id", id.String()).Msg("orphan record has no embedder available; leaving unsearchable")
			continue
		}
		rec, err := c.records.Get(id)
		if err != nil {
			continue
		}
		key, err := c.keyset.GetOrDeriveClassKey(rec.ClassLabel)
		if err != nil {
			continue
		}
		plain, err := c.envelope.Open(key, rec.Nonce, rec.Ciphertext)
		if err != nil {
			continue
		}
		if err := c.indexVector(string(plain), nil, rec.ID); err != nil {
			log.WithComponent("coordinator").Warn().Str("record_id", id.String()).Err(err).Msg("orphan re-embed failed")
		}
	}
	return ctx.Err()
}

// Ingest encrypts and stores a new record, then indexes its embedding.
// Record durability is the primary promise; indexing is best-effort and
// degrades to a retrievable-but-not-searchable record on failure.
func (c *Coordinator) Ingest(ctx context.Context, cand Candidate) (IngestOutcome, error) {
	if err := ctx.Err(); err != nil {
		return IngestOutcome{}, New(ctxKind(err), "Coordinator.Ingest", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := cand.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	// Admission control rejects before any write; the record store is
	// never touched for an ingest the index cannot absorb.
	if (c.embedder != nil || cand.Vector != nil) && !c.memoryManager.CanAdmit(int64(c.dimension)*4) {
		return IngestOutcome{}, New(KindCapacityExceeded, "Coordinator.Ingest", nil)
	}

	// Write-path key resolution: ingesting into a purged class re-enables
	// it under a fresh key rather than failing.
	key, err := c.keyset.ResolveWriteKey(cand.Class)
	if err != nil {
		return IngestOutcome{}, err
	}

	nonce, sealed, err := c.envelope.Seal(key, []byte(cand.Content))
	if err != nil {
		return IngestOutcome{}, err
	}

	now := time.Now().UTC()
	rec := store.Record{
		ID:         id,
		ClassLabel: cand.Class,
		Nonce:      nonce,
		Ciphertext: sealed,
		Tags:       cand.Tags,
		CreatedAt:  now,
		UpdatedAt:  now,
		KeyID:      c.keyset.KeyID(cand.Class),
	}

	if err := withRetry(ctx, func() error { return c.records.Put(rec) }); err != nil {
		IngestTotal.WithLabelValues("record_write_failed").Inc()
		return IngestOutcome{}, New(KindRecordWriteFailed, "Coordinator.Ingest", err)
	}

	if err := ctx.Err(); err != nil {
		return IngestOutcome{RecordID: id, VectorStored: false}, nil
	}

	if err := c.indexVector(cand.Content, cand.Vector, id); err != nil {
		log.WithComponent("coordinator").Warn().Str("record_id", id.String()).Err(err).Msg("vector index insert failed; record remains retrievable but not searchable")
		IngestTotal.WithLabelValues("partial_persist").Inc()
		return IngestOutcome{RecordID: id, VectorStored: false}, nil
	}

	IngestTotal.WithLabelValues("persisted").Inc()
	return IngestOutcome{RecordID: id, VectorStored: true}, nil
}

// indexVector resolves content (or a client-supplied vector) to a unit-norm
// embedding, rotates it, and inserts it into the index under a freshly
// allocated internal id, recording the id-map triple. Caller must hold c.mu.
func (c *Coordinator) indexVector(content string, supplied []float32, recordID uuid.UUID) error {
	if !c.memoryManager.CanAdmit(int64(c.dimension) * 4) {
		return New(KindCapacityExceeded, "Coordinator.indexVector", nil)
	}

	var vec []float32
	var err error
	if supplied != nil {
		vec, err = vector.Normalize(supplied)
	} else if c.embedder != nil {
		vec, err = c.embedder.Embed(content)
	} else {
		return New(KindEmbedderUnavailable, "Coordinator.indexVector", nil)
	}
	if err != nil {
		return err
	}
	if c.dimension == 0 {
		c.dimension = len(vec)
	} else if len(vec) != c.dimension {
		return New(KindDimensionMismatch, "Coordinator.indexVector", fmt.Errorf("expected %d, got %d", c.dimension, len(vec)))
	}

	rotated := vec
	if c.rotation != nil {
		rotated, err = c.rotation.Apply(vec)
		if err != nil {
			return err
		}
	}

	internalID := c.nextInternal
	c.nextInternal++
	c.index.Insert(internalID, rotated)
	c.mapping.internalToRecord[internalID] = recordID
	c.mapping.recordToInternal[recordID] = internalID
	c.mapping.originalVectors[internalID] = vec
	c.memoryManager.RecordAdded(int64(len(vec)) * 4)
	return nil
}

// SearchByText embeds the query and returns up to k decrypted records in
// descending similarity order. Embedder inference runs before the reader
// lock is taken; it is the slowest suspension point on this path and needs
// no coordinator state.
func (c *Coordinator) SearchByText(ctx context.Context, query string, k int) ([]MemoryResult, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, New(ctxKind(err), "Coordinator.SearchByText", err)
	}
	if c.embedder == nil {
		return nil, 0, New(KindEmbedderUnavailable, "Coordinator.SearchByText", nil)
	}

	vec, err := c.embedder.Embed(query)
	if err != nil {
		return nil, 0, err
	}
	return c.searchVector(vec, k)
}

// SearchByVector searches with a client-supplied query vector, the only
// semantic search available when no embedder is configured.
func (c *Coordinator) SearchByVector(ctx context.Context, query []float32, k int) ([]MemoryResult, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, New(ctxKind(err), "Coordinator.SearchByVector", err)
	}
	vec, err := vector.Normalize(query)
	if err != nil {
		return nil, 0, err
	}
	return c.searchVector(vec, k)
}

func (c *Coordinator) searchVector(vec []float32, k int) ([]MemoryResult, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	timer := newTimer()
	defer func() { SearchLatencySeconds.Observe(timer()) }()

	if c.dimension != 0 && len(vec) != c.dimension {
		return nil, 0, New(KindDimensionMismatch, "Coordinator.searchVector", fmt.Errorf("expected %d, got %d", c.dimension, len(vec)))
	}

	rotated := vec
	if c.rotation != nil {
		var err error
		rotated, err = c.rotation.Apply(vec)
		if err != nil {
			return nil, 0, err
		}
	}

	hits := c.index.Search(rotated, k)

	results := make([]MemoryResult, 0, len(hits))
	dropped := 0
	for _, hit := range hits {
		recordID, ok := c.mapping.internalToRecord[hit.InternalID]
		if !ok {
			dropped++
			continue
		}
		rec, err := c.records.Get(recordID)
		if err != nil {
			dropped++
			continue
		}
		key, err := c.keyset.GetOrDeriveClassKey(rec.ClassLabel)
		if err != nil {
			dropped++
			continue
		}
		plain, err := c.envelope.Open(key, rec.Nonce, rec.Ciphertext)
		if err != nil {
			dropped++
			continue
		}
		similarity := 1 - hit.Distance/2 // cosine distance in [0,2] -> similarity in [0,1]
		results = append(results, MemoryResult{Record: rec, Content: string(plain), Similarity: similarity})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	return results, dropped, nil
}

// Get fetches and decrypts a single record by id. A record whose key_id
// predates a class-key rotation is rejected without attempting the AEAD
// open.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (string, store.Record, error) {
	if err := ctx.Err(); err != nil {
		return "", store.Record{}, New(ctxKind(err), "Coordinator.Get", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, err := c.records.Get(id)
	if err != nil {
		return "", store.Record{}, New(KindNotFound, "Coordinator.Get", err)
	}
	if c.keyset.IsPurged(rec.ClassLabel) {
		return "", store.Record{}, New(KindClassPurged, "Coordinator.Get", nil)
	}
	key, err := c.keyset.GetOrDeriveClassKey(rec.ClassLabel)
	if err != nil {
		return "", store.Record{}, err
	}
	if rec.KeyID != "" && rec.KeyID != c.keyset.KeyID(rec.ClassLabel) {
		return "", store.Record{}, New(KindAuthFailed, "Coordinator.Get", fmt.Errorf("key_id predates current class key"))
	}
	plain, err := c.envelope.Open(key, rec.Nonce, rec.Ciphertext)
	if err != nil {
		return "", store.Record{}, err
	}
	return string(plain), rec, nil
}

// Update replaces content (and optionally class/tags) under a fresh nonce
// and a new internal id; the prior internal id is tombstoned, never reused.
func (c *Coordinator) Update(ctx context.Context, id uuid.UUID, newContent string, newClass *string, newTags []string) error {
	if err := ctx.Err(); err != nil {
		return New(ctxKind(err), "Coordinator.Update", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.records.Get(id)
	if err != nil {
		return New(KindNotFound, "Coordinator.Update", err)
	}

	class := rec.ClassLabel
	if newClass != nil {
		class = *newClass
	}
	tags := rec.Tags
	if newTags != nil {
		tags = newTags
	}

	key, err := c.keyset.ResolveWriteKey(class)
	if err != nil {
		return err
	}
	nonce, sealed, err := c.envelope.Seal(key, []byte(newContent))
	if err != nil {
		return err
	}

	rec.ClassLabel = class
	rec.Tags = tags
	rec.Nonce = nonce
	rec.Ciphertext = sealed
	rec.UpdatedAt = time.Now().UTC()
	rec.KeyID = c.keyset.KeyID(class)

	if err := withRetry(ctx, func() error { return c.records.Put(rec) }); err != nil {
		return New(KindRecordWriteFailed, "Coordinator.Update", err)
	}

	c.dropVectorLocked(id)

	if err := c.indexVector(newContent, nil, id); err != nil {
		log.WithComponent("coordinator").Warn().Str("record_id", id.String()).Err(err).Msg("update: vector reindex failed")
	}
	return nil
}

// Delete removes a record and tombstones its index entry.
func (c *Coordinator) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return New(ctxKind(err), "Coordinator.Delete", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.records.Delete(id); err != nil {
		return New(KindRecordWriteFailed, "Coordinator.Delete", err)
	}
	c.dropVectorLocked(id)
	return nil
}

// dropVectorLocked tombstones id's index entry and releases its admission
// accounting. Caller must hold c.mu.
func (c *Coordinator) dropVectorLocked(id uuid.UUID) {
	internalID, ok := c.mapping.recordToInternal[id]
	if !ok {
		return
	}
	c.index.Tombstone(internalID)
	c.memoryManager.RecordRemoved(int64(len(c.mapping.originalVectors[internalID])) * 4)
	delete(c.mapping.internalToRecord, internalID)
	delete(c.mapping.recordToInternal, id)
	delete(c.mapping.originalVectors, internalID)
}

// RotateClassKey replaces label's class key; any record whose key_id
// predates the rotation becomes permanently unreadable. Returns the count
// of records thereby invalidated.
func (c *Coordinator) RotateClassKey(ctx context.Context, label string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, New(ctxKind(err), "Coordinator.RotateClassKey", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	recs, err := c.records.ListByClass(label)
	if err != nil {
		return 0, err
	}
	priorKeyID := c.keyset.KeyID(label)

	if err := c.keyset.RotateClassKey(label); err != nil {
		return 0, err
	}

	invalidated := 0
	for _, r := range recs {
		if r.KeyID == priorKeyID {
			invalidated++
		}
	}
	return invalidated, nil
}

// RotateRootKey generates a new root, rewraps every class key so that prior
// ciphertexts remain decryptable, recomputes the rotation matrix, and
// rebuilds the index by re-rotating every stored original vector. This runs
// under the coordinator's exclusive write lock and is long; callers should
// expect it to block other operations.
func (c *Coordinator) RotateRootKey(ctx context.Context, password string) error {
	if err := ctx.Err(); err != nil {
		return New(ctxKind(err), "Coordinator.RotateRootKey", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	priorRoot, err := c.cust.Rotate(password)
	if err != nil {
		return err
	}
	defer func() {
		for i := range priorRoot {
			priorRoot[i] = 0
		}
	}()

	if err := c.keyset.RotateAllWraps(priorRoot, c.cust.CurrentRoot()); err != nil {
		return err
	}

	if c.rotation == nil {
		// Vector-less vault: there is no Q to recompute and no index to
		// rebuild; the rewrap above is the whole rotation.
		log.WithComponent("coordinator").Info().Msg("root key rotated")
		return nil
	}

	seed, err := c.cust.DeriveRotationSeed()
	if err != nil {
		return err
	}
	rotation, err := vector.NewRotationMatrix(seed, c.dimension)
	if err != nil {
		return err
	}
	c.rotation = rotation

	entries := make([]vector.IndexEntryVector, 0, len(c.mapping.originalVectors))
	for internalID, orig := range c.mapping.originalVectors {
		rotated, err := c.rotation.Apply(orig)
		if err != nil {
			return err
		}
		entries = append(entries, vector.IndexEntryVector{InternalID: internalID, Vector: rotated})
	}
	if err := c.index.Rebuild(entries); err != nil {
		return err
	}

	log.WithComponent("coordinator").Info().Msg("root key rotated; index rebuilt")
	return nil
}

// Purge destroys a class key and deletes every record in that class. After
// return, decryption attempts for label fail with KindClassPurged.
func (c *Coordinator) Purge(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return New(ctxKind(err), "Coordinator.Purge", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	recs, err := c.records.ListByClass(label)
	if err != nil {
		return err
	}
	if err := c.keyset.Purge(label); err != nil {
		return err
	}
	for _, r := range recs {
		if err := c.records.Delete(r.ID); err != nil {
			return New(KindRecordWriteFailed, "Coordinator.Purge", err)
		}
		c.dropVectorLocked(r.ID)
	}
	return nil
}

// Clear empties the vault: every record, every index entry, and the whole
// id map. Class keys and the purged set are untouched.
func (c *Coordinator) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return New(ctxKind(err), "Coordinator.Clear", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.records.Clear(); err != nil {
		return New(KindRecordWriteFailed, "Coordinator.Clear", err)
	}
	for id := range c.mapping.recordToInternal {
		c.dropVectorLocked(id)
	}
	if err := c.index.Rebuild(nil); err != nil {
		return err
	}
	return nil
}

// ListRecent surfaces store.ListRecent through the coordinator.
func (c *Coordinator) ListRecent(ctx context.Context, source string, limit int) ([]store.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records.ListRecent(source, limit)
}

// Save persists the index to disk (metadata + vectors + placeholder graph
// file) atomically.
func (c *Coordinator) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	records := make([]vector.VectorRecord, 0, len(c.mapping.originalVectors))
	for internalID, orig := range c.mapping.originalVectors {
		recordID := c.mapping.internalToRecord[internalID]
		records = append(records, vector.VectorRecord{InternalID: internalID, RecordID: recordID, Original: orig})
	}
	meta := vector.Metadata{
		Dimension:      c.dimension,
		NextInternalID: c.nextInternal,
		MaxConnections: vector.DefaultM,
		MaxElements:    vector.DefaultMaxElements,
		MaxLayer:       vector.DefaultMaxLayer,
		EfConstruction: vector.DefaultEfConstruction,
		HasRotation:    c.rotation != nil,
		HasEmbedder:    c.embedder != nil,
	}
	return c.persistence.Save(meta, records)
}

// Stats returns the coordinator's current observability snapshot.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	recordCount, _ := c.records.Count()
	mm := c.memoryManager.Stats()

	var orphans []uuid.UUID
	ids, _ := c.records.AllIDs()
	for _, id := range ids {
		if _, ok := c.mapping.recordToInternal[id]; !ok {
			orphans = append(orphans, id)
		}
	}

	return Stats{
		RecordCount:           recordCount,
		VectorCount:           c.index.Size(),
		MemoryUsagePercentage: c.memoryManager.MemoryUsagePercentage(),
		VectorCountPercentage: c.memoryManager.VectorCountPercentage(),
		CacheHits:             mm.CacheHits,
		CacheMisses:           mm.CacheMisses,
		Orphans:               orphans,
	}
}

// Close releases the coordinator's owned resources.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cust.Close()
	return c.records.Close()
}

func newTimer() func() float64 {
	start := time.Now()
	return func() float64 { return time.Since(start).Seconds() }
}

// ctxKind maps a context error onto the taxonomy: deadline violations are
// KindDeadlineExceeded, everything else KindCancelled.
func ctxKind(err error) Kind {
	if err == context.DeadlineExceeded {
		return KindDeadlineExceeded
	}
	return KindCancelled
}
