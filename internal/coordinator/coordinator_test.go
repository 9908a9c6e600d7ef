package coordinator

import (
	"context"
	"crypto/sha256"
	"math"
	"path/filepath"
	"testing"

	mimircrypto "github.com/ryanwillie/mimirvaultd/internal/crypto"
	"github.com/ryanwillie/mimirvaultd/internal/store"
	"github.com/ryanwillie/mimirvaultd/internal/vector"
)

const testDimension = 8

// fakeEmbedder deterministically hashes text into a unit-norm vector, so
// tests can exercise ingest/search without an ONNX model on disk.
type fakeEmbedder struct{}

func (fakeEmbedder) Dimension() int { return testDimension }

func (fakeEmbedder) Embed(text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, testDimension)
	var normSq float64
	for i := 0; i < testDimension; i++ {
		v[i] = float32(sum[i]) - 128
		normSq += float64(v[i]) * float64(v[i])
	}
	norm := math.Sqrt(normSq)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v, nil
}

// openVaultAt opens (or initializes) a full vault rooted at dir, so tests
// can close and reopen the same vault to exercise persistence and recovery.
func openVaultAt(t *testing.T, dir string, embedder vector.Embedder, memCfg MemoryConfig) (*Coordinator, *store.Store) {
	t.Helper()

	masterPath := filepath.Join(dir, "master.key")
	cust, err := mimircrypto.Load(masterPath, "pw")
	if err != nil {
		if !mimircrypto.IsKeyNotFound(err) {
			t.Fatalf("Load: %v", err)
		}
		cust, err = mimircrypto.Initialize(masterPath, "pw")
		if err != nil {
			t.Fatalf("Initialize: %v", err)
		}
	}
	keyset, err := mimircrypto.OpenOrCreate(filepath.Join(dir, "keyset.json"), cust)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	records, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	var rotation *vector.RotationMatrix
	if embedder != nil {
		seed, err := cust.DeriveRotationSeed()
		if err != nil {
			t.Fatalf("DeriveRotationSeed: %v", err)
		}
		rotation, err = vector.NewRotationMatrix(seed, embedder.Dimension())
		if err != nil {
			t.Fatalf("NewRotationMatrix: %v", err)
		}
	}

	coord, err := Open(context.Background(), Config{
		Custodian:   cust,
		Keyset:      keyset,
		Records:     records,
		Index:       vector.NewANNIndex(),
		Persistence: vector.NewPersistence(dir),
		Rotation:    rotation,
		Embedder:    embedder,
		MemoryCfg:   memCfg,
	})
	if err != nil {
		records.Close()
		t.Fatalf("coordinator.Open: %v", err)
	}
	return coord, records
}

func newTestCoordinator(t *testing.T, embedder vector.Embedder) *Coordinator {
	t.Helper()
	coord, records := openVaultAt(t, t.TempDir(), embedder, DefaultMemoryConfig())
	t.Cleanup(func() { records.Close() })
	return coord
}

// TestIngestAndGetRoundTrip verifies content survives an ingest/get cycle
// decrypted back to its original plaintext.
func TestIngestAndGetRoundTrip(t *testing.T) {
	coord := newTestCoordinator(t, fakeEmbedder{})
	ctx := context.Background()

	outcome, err := coord.Ingest(ctx, Candidate{Content: "remember the milk", Class: "personal"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !outcome.VectorStored {
		t.Error("Ingest did not report the vector as stored")
	}

	content, rec, err := coord.Get(ctx, outcome.RecordID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if content != "remember the milk" {
		t.Errorf("Get content = %q, want %q", content, "remember the milk")
	}
	if rec.ClassLabel != "personal" {
		t.Errorf("Get record class = %q, want %q", rec.ClassLabel, "personal")
	}
}

// TestIngestWithoutEmbedderStillPersistsRecord verifies a nil embedder
// degrades ingest to record-only persistence (PartialPersist) rather than
// failing outright.
func TestIngestWithoutEmbedderStillPersistsRecord(t *testing.T) {
	coord := newTestCoordinator(t, nil)
	ctx := context.Background()

	outcome, err := coord.Ingest(ctx, Candidate{Content: "no vector for this one", Class: "personal"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if outcome.VectorStored {
		t.Error("Ingest reported vector stored with no embedder configured")
	}

	content, _, err := coord.Get(ctx, outcome.RecordID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if content != "no vector for this one" {
		t.Errorf("Get content = %q, want original content", content)
	}
}

// TestSearchByTextFindsIngestedContent verifies a search for the exact text
// just ingested returns it as the top (or only) hit.
func TestSearchByTextFindsIngestedContent(t *testing.T) {
	coord := newTestCoordinator(t, fakeEmbedder{})
	ctx := context.Background()

	outcome, err := coord.Ingest(ctx, Candidate{Content: "buy oat milk", Class: "personal"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := coord.Ingest(ctx, Candidate{Content: "quarterly tax filing", Class: "work"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	results, dropped, err := coord.SearchByText(ctx, "buy oat milk", 1)
	if err != nil {
		t.Fatalf("SearchByText: %v", err)
	}
	if dropped != 0 {
		t.Errorf("SearchByText dropped %d hits unexpectedly", dropped)
	}
	if len(results) != 1 || results[0].Record.ID != outcome.RecordID {
		t.Errorf("SearchByText did not return the exact match as the top hit: %+v", results)
	}
}

// TestPurgeDestroysClassAndWriteReenables verifies Purge deletes every
// record in the class (purged records are simply gone) and that a
// subsequent ingest into the purged class re-enables it under a fresh key.
func TestPurgeDestroysClassAndWriteReenables(t *testing.T) {
	coord := newTestCoordinator(t, fakeEmbedder{})
	ctx := context.Background()

	outcome, err := coord.Ingest(ctx, Candidate{Content: "sensitive note", Class: "sensitive"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := coord.Purge(ctx, "sensitive"); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	if _, _, err := coord.Get(ctx, outcome.RecordID); Of(err) != KindNotFound {
		t.Errorf("Get after Purge returned %v, want KindNotFound", err)
	}

	reenabled, err := coord.Ingest(ctx, Candidate{Content: "new sensitive note", Class: "sensitive"})
	if err != nil {
		t.Fatalf("Ingest into purged class: %v", err)
	}
	content, _, err := coord.Get(ctx, reenabled.RecordID)
	if err != nil {
		t.Fatalf("Get after re-enabling write: %v", err)
	}
	if content != "new sensitive note" {
		t.Errorf("Get content = %q, want %q", content, "new sensitive note")
	}
}

// TestDeleteRemovesFromSearchResults verifies a deleted record no longer
// appears in subsequent searches.
func TestDeleteRemovesFromSearchResults(t *testing.T) {
	coord := newTestCoordinator(t, fakeEmbedder{})
	ctx := context.Background()

	outcome, err := coord.Ingest(ctx, Candidate{Content: "temporary note", Class: "personal"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := coord.Delete(ctx, outcome.RecordID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	results, _, err := coord.SearchByText(ctx, "temporary note", 5)
	if err != nil {
		t.Fatalf("SearchByText: %v", err)
	}
	for _, r := range results {
		if r.Record.ID == outcome.RecordID {
			t.Error("deleted record still appeared in search results")
		}
	}
}

// TestRotateClassKeyInvalidatesPriorRecords verifies the count of records
// reported invalidated matches the number ingested before the rotation.
func TestRotateClassKeyInvalidatesPriorRecords(t *testing.T) {
	coord := newTestCoordinator(t, fakeEmbedder{})
	ctx := context.Background()

	if _, err := coord.Ingest(ctx, Candidate{Content: "a", Class: "work"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := coord.Ingest(ctx, Candidate{Content: "b", Class: "work"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	invalidated, err := coord.RotateClassKey(ctx, "work")
	if err != nil {
		t.Fatalf("RotateClassKey: %v", err)
	}
	if invalidated != 2 {
		t.Errorf("RotateClassKey invalidated = %d, want 2", invalidated)
	}
}

// TestRotateClassKeyMakesPriorRecordsUnreadable verifies a record written
// before a class-key rotation fails decryption afterward, while a record
// written after the rotation decrypts normally.
func TestRotateClassKeyMakesPriorRecordsUnreadable(t *testing.T) {
	coord := newTestCoordinator(t, fakeEmbedder{})
	ctx := context.Background()

	before, err := coord.Ingest(ctx, Candidate{Content: "Secret A", Class: "personal"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := coord.RotateClassKey(ctx, "personal"); err != nil {
		t.Fatalf("RotateClassKey: %v", err)
	}

	if _, _, err := coord.Get(ctx, before.RecordID); Of(err) != KindAuthFailed {
		t.Errorf("Get of pre-rotation record returned %v, want KindAuthFailed", err)
	}

	after, err := coord.Ingest(ctx, Candidate{Content: "Secret B", Class: "personal"})
	if err != nil {
		t.Fatalf("Ingest after rotation: %v", err)
	}
	content, _, err := coord.Get(ctx, after.RecordID)
	if err != nil {
		t.Fatalf("Get after rotation: %v", err)
	}
	if content != "Secret B" {
		t.Errorf("Get content = %q, want %q", content, "Secret B")
	}
}

// TestGetSurvivesUnrelatedKeysetWrites verifies that writes to other classes
// (which bump the keyset document) do not invalidate a record's key_id.
func TestGetSurvivesUnrelatedKeysetWrites(t *testing.T) {
	coord := newTestCoordinator(t, fakeEmbedder{})
	ctx := context.Background()

	outcome, err := coord.Ingest(ctx, Candidate{Content: "standup notes", Class: "work"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := coord.Ingest(ctx, Candidate{Content: "allergy list", Class: "health"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := coord.RotateClassKey(ctx, "health"); err != nil {
		t.Fatalf("RotateClassKey: %v", err)
	}

	content, _, err := coord.Get(ctx, outcome.RecordID)
	if err != nil {
		t.Fatalf("Get after unrelated keyset writes: %v", err)
	}
	if content != "standup notes" {
		t.Errorf("Get content = %q, want original", content)
	}
}

// TestRotateRootKeyPreservesRecordsAndSearch verifies every record written
// before a root rotation decrypts afterward and remains the top search hit
// for its own content.
func TestRotateRootKeyPreservesRecordsAndSearch(t *testing.T) {
	coord := newTestCoordinator(t, fakeEmbedder{})
	ctx := context.Background()

	contents := map[string]string{
		"personal": "passport renewal in March",
		"work":     "quarterly planning doc",
		"health":   "dentist appointment",
	}
	ids := make(map[string]IngestOutcome, len(contents))
	for class, content := range contents {
		outcome, err := coord.Ingest(ctx, Candidate{Content: content, Class: class})
		if err != nil {
			t.Fatalf("Ingest %s: %v", class, err)
		}
		ids[class] = outcome
	}

	if err := coord.RotateRootKey(ctx, "pw"); err != nil {
		t.Fatalf("RotateRootKey: %v", err)
	}

	for class, content := range contents {
		got, _, err := coord.Get(ctx, ids[class].RecordID)
		if err != nil {
			t.Fatalf("Get %s after root rotation: %v", class, err)
		}
		if got != content {
			t.Errorf("Get %s = %q, want %q", class, got, content)
		}
	}

	results, _, err := coord.SearchByText(ctx, "passport renewal in March", 1)
	if err != nil {
		t.Fatalf("SearchByText after root rotation: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != ids["personal"].RecordID {
		t.Errorf("search after root rotation did not rank the matching record first: %+v", results)
	}
}

// TestIngestAndSearchByVectorWithoutEmbedder verifies the vector-supplied
// paths work on a vault with no embedder configured.
func TestIngestAndSearchByVectorWithoutEmbedder(t *testing.T) {
	coord := newTestCoordinator(t, nil)
	ctx := context.Background()

	vec, err := fakeEmbedder{}.Embed("note with a client-side vector")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	outcome, err := coord.Ingest(ctx, Candidate{Content: "note with a client-side vector", Class: "personal", Vector: vec})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !outcome.VectorStored {
		t.Fatal("Ingest with a supplied vector did not store it")
	}

	if _, _, err := coord.SearchByText(ctx, "anything", 1); Of(err) != KindEmbedderUnavailable {
		t.Errorf("SearchByText without embedder returned %v, want KindEmbedderUnavailable", err)
	}

	results, _, err := coord.SearchByVector(ctx, vec, 1)
	if err != nil {
		t.Fatalf("SearchByVector: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != outcome.RecordID {
		t.Errorf("SearchByVector did not return the ingested record: %+v", results)
	}
}

// TestSaveThenReopenRestoresState verifies save();load() reproduces the
// coordinator's observable state: counts, id sets, and search results.
func TestSaveThenReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	coord, records := openVaultAt(t, dir, fakeEmbedder{}, DefaultMemoryConfig())
	outcome, err := coord.Ingest(ctx, Candidate{Content: "persisted across restarts", Class: "personal"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := coord.Ingest(ctx, Candidate{Content: "another note", Class: "work"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := coord.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	records.Close()

	reopened, records2 := openVaultAt(t, dir, fakeEmbedder{}, DefaultMemoryConfig())
	defer records2.Close()

	stats := reopened.Stats()
	if stats.RecordCount != 2 || stats.VectorCount != 2 {
		t.Errorf("Stats after reopen = %d records / %d vectors, want 2/2", stats.RecordCount, stats.VectorCount)
	}
	if len(stats.Orphans) != 0 {
		t.Errorf("Stats.Orphans after reopen = %v, want none", stats.Orphans)
	}

	results, _, err := reopened.SearchByText(ctx, "persisted across restarts", 1)
	if err != nil {
		t.Fatalf("SearchByText after reopen: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != outcome.RecordID {
		t.Errorf("search after reopen did not return the persisted record: %+v", results)
	}
}

// TestReopenWithEmbedderReembedsOrphans verifies the startup scan: a record
// ingested with no embedder becomes searchable once the vault is reopened
// with one.
func TestReopenWithEmbedderReembedsOrphans(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	coord, records := openVaultAt(t, dir, nil, DefaultMemoryConfig())
	outcome, err := coord.Ingest(ctx, Candidate{Content: "orphaned until reindex", Class: "personal"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if outcome.VectorStored {
		t.Fatal("Ingest stored a vector with no embedder configured")
	}
	if n := len(coord.Stats().Orphans); n != 1 {
		t.Fatalf("Stats.Orphans = %d, want 1", n)
	}
	records.Close()

	reopened, records2 := openVaultAt(t, dir, fakeEmbedder{}, DefaultMemoryConfig())
	defer records2.Close()

	if n := len(reopened.Stats().Orphans); n != 0 {
		t.Errorf("Stats.Orphans after reopen with embedder = %d, want 0", n)
	}
	results, _, err := reopened.SearchByText(ctx, "orphaned until reindex", 1)
	if err != nil {
		t.Fatalf("SearchByText: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != outcome.RecordID {
		t.Errorf("reembedded orphan not found by search: %+v", results)
	}
}

// TestClearEmptiesVault verifies Clear removes all records and vectors while
// leaving the vault usable for new writes.
func TestClearEmptiesVault(t *testing.T) {
	coord := newTestCoordinator(t, fakeEmbedder{})
	ctx := context.Background()

	if _, err := coord.Ingest(ctx, Candidate{Content: "soon gone", Class: "personal"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := coord.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	stats := coord.Stats()
	if stats.RecordCount != 0 || stats.VectorCount != 0 {
		t.Errorf("Stats after Clear = %d records / %d vectors, want 0/0", stats.RecordCount, stats.VectorCount)
	}

	if _, err := coord.Ingest(ctx, Candidate{Content: "fresh start", Class: "personal"}); err != nil {
		t.Errorf("Ingest after Clear: %v", err)
	}
}

// TestStatsReflectsRecordAndVectorCounts verifies Stats aggregates across
// the record store and the vector index consistently.
func TestStatsReflectsRecordAndVectorCounts(t *testing.T) {
	coord := newTestCoordinator(t, fakeEmbedder{})
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		if _, err := coord.Ingest(ctx, Candidate{Content: content, Class: "personal"}); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	stats := coord.Stats()
	if stats.RecordCount != 3 {
		t.Errorf("Stats.RecordCount = %d, want 3", stats.RecordCount)
	}
	if stats.VectorCount != 3 {
		t.Errorf("Stats.VectorCount = %d, want 3", stats.VectorCount)
	}
	if len(stats.Orphans) != 0 {
		t.Errorf("Stats.Orphans = %v, want none", stats.Orphans)
	}
}
