package vector

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ryanwillie/mimirvaultd/internal/vaulterr"
)

const indexFormatVersion = 1

// The three index files live together in the vault directory; metadata and
// vectors carry real state, the index file is a placeholder.
const (
	metadataFileName = "vector_store_metadata.bin"
	vectorsFileName  = "vector_store_vectors.bin"
	indexFileName    = "vector_store_index.bin"
)

// indexPlaceholder is written to the index file; the graph itself is always
// reconstructed from the vectors file on load.
var indexPlaceholder = []byte("mimirvaultd-placeholder-index-data")

// Metadata is the persisted header describing the index.
type Metadata struct {
	Version        int
	Dimension      int
	VectorCount    int
	NextInternalID uint64
	MaxConnections int
	MaxElements    int
	MaxLayer       int
	EfConstruction int
	HasRotation    bool
	HasEmbedder    bool
	LastSaved      time.Time
}

// VectorRecord is one persisted (internalID, original pre-rotation vector,
// record-id) triple.
type VectorRecord struct {
	InternalID uint64
	RecordID   uuid.UUID
	Original   []float32
}

// Persistence is atomic save/load of the ANN index's metadata, original
// vectors, and id maps to three files in a known directory.
type Persistence struct {
	Dir string
}

// NewPersistence returns a Persistence rooted at dir.
func NewPersistence(dir string) *Persistence {
	return &Persistence{Dir: dir}
}

// Save atomically writes all three files: temp path, fsync, rename.
func (p *Persistence) Save(meta Metadata, records []VectorRecord) error {
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return vaulterr.New(vaulterr.KindIndexWriteFailed, "Persistence.Save", err)
	}
	meta.Version = indexFormatVersion
	meta.VectorCount = len(records)
	meta.LastSaved = time.Now().UTC()

	metaBuf, err := encodeGob(meta)
	if err != nil {
		return vaulterr.New(vaulterr.KindSerialization, "Persistence.Save", err)
	}
	vecBuf, err := encodeGob(records)
	if err != nil {
		return vaulterr.New(vaulterr.KindSerialization, "Persistence.Save", err)
	}

	if err := atomicWriteFile(filepath.Join(p.Dir, metadataFileName), metaBuf); err != nil {
		return vaulterr.New(vaulterr.KindIndexWriteFailed, "Persistence.Save", err)
	}
	if err := atomicWriteFile(filepath.Join(p.Dir, vectorsFileName), vecBuf); err != nil {
		return vaulterr.New(vaulterr.KindIndexWriteFailed, "Persistence.Save", err)
	}
	if err := atomicWriteFile(filepath.Join(p.Dir, indexFileName), indexPlaceholder); err != nil {
		return vaulterr.New(vaulterr.KindIndexWriteFailed, "Persistence.Save", err)
	}
	return nil
}

// Load reads metadata and vectors back, verifying the format version and
// that the vector count matches the metadata's count.
func (p *Persistence) Load() (Metadata, []VectorRecord, error) {
	var meta Metadata

	metaBuf, err := os.ReadFile(filepath.Join(p.Dir, metadataFileName))
	if os.IsNotExist(err) {
		return meta, nil, nil // fresh vault, nothing to load
	}
	if err != nil {
		return meta, nil, vaulterr.New(vaulterr.KindInitialization, "Persistence.Load", err)
	}
	if err := decodeGob(metaBuf, &meta); err != nil {
		return meta, nil, vaulterr.New(vaulterr.KindCorruption, "Persistence.Load", err)
	}
	if meta.Version != indexFormatVersion {
		return meta, nil, vaulterr.New(vaulterr.KindCorruption, "Persistence.Load", fmt.Errorf("unsupported index version %d", meta.Version))
	}

	vecBuf, err := os.ReadFile(filepath.Join(p.Dir, vectorsFileName))
	if err != nil {
		return meta, nil, vaulterr.New(vaulterr.KindCorruption, "Persistence.Load", err)
	}
	var records []VectorRecord
	if err := decodeGob(vecBuf, &records); err != nil {
		return meta, nil, vaulterr.New(vaulterr.KindCorruption, "Persistence.Load", err)
	}
	if len(records) != meta.VectorCount {
		return meta, nil, vaulterr.New(vaulterr.KindCorruption, "Persistence.Load", fmt.Errorf("vector count mismatch: metadata says %d, found %d", meta.VectorCount, len(records)))
	}
	return meta, records, nil
}

// Exists reports whether a saved index is present in Dir.
func (p *Persistence) Exists() bool {
	_, err := os.Stat(filepath.Join(p.Dir, metadataFileName))
	return err == nil
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
