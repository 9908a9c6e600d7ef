package coordinator

// Re-export the shared taxonomy under the coordinator package so callers
// that only import coordinator still get friendly names; the taxonomy
// itself lives in vaulterr so internal/store and internal/vector can use it
// without importing coordinator (which would cycle).
import "github.com/ryanwillie/mimirvaultd/internal/vaulterr"

type Kind = vaulterr.Kind

const (
	KindInitialization       = vaulterr.KindInitialization
	KindCustodianUnavailable = vaulterr.KindCustodianUnavailable
	KindKeyNotFound          = vaulterr.KindKeyNotFound
	KindWrongPassword        = vaulterr.KindWrongPassword
	KindClassPurged          = vaulterr.KindClassPurged
	KindAuthFailed           = vaulterr.KindAuthFailed
	KindDimensionMismatch    = vaulterr.KindDimensionMismatch
	KindDimensionDrift       = vaulterr.KindDimensionDrift
	KindDegenerateEmbedding  = vaulterr.KindDegenerateEmbedding
	KindEmbedderUnavailable  = vaulterr.KindEmbedderUnavailable
	KindCapacityExceeded     = vaulterr.KindCapacityExceeded
	KindRecordWriteFailed    = vaulterr.KindRecordWriteFailed
	KindIndexWriteFailed     = vaulterr.KindIndexWriteFailed
	KindPartialPersist       = vaulterr.KindPartialPersist
	KindCancelled            = vaulterr.KindCancelled
	KindDeadlineExceeded     = vaulterr.KindDeadlineExceeded
	KindSerialization        = vaulterr.KindSerialization
	KindCorruption           = vaulterr.KindCorruption
	KindNotFound             = vaulterr.KindNotFound
)

var (
	New = vaulterr.New
	Of  = vaulterr.Of
)

type Error = vaulterr.Error
