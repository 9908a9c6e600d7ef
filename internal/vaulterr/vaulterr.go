// Package vaulterr defines the closed error taxonomy shared by every
// component of the vault. Most failures the coordinator surfaces to a
// caller carry one of these kinds; errors from the record store's class and
// recent-record listings (in RotateClassKey, Purge and ListRecent) are
// returned as the store reports them, without a kind.
package vaulterr

import "fmt"

// Kind is a closed enumeration of vault failure categories.
type Kind string

const (
	KindInitialization       Kind = "initialization"
	KindCustodianUnavailable Kind = "custodian_unavailable"
	KindKeyNotFound          Kind = "key_not_found"
	KindWrongPassword        Kind = "wrong_password"
	KindClassPurged          Kind = "class_purged"
	KindAuthFailed           Kind = "auth_failed"
	KindDimensionMismatch    Kind = "dimension_mismatch"
	KindDimensionDrift       Kind = "dimension_drift"
	KindDegenerateEmbedding  Kind = "degenerate_embedding"
	KindEmbedderUnavailable  Kind = "embedder_unavailable"
	KindCapacityExceeded     Kind = "capacity_exceeded"
	KindRecordWriteFailed    Kind = "record_write_failed"
	KindIndexWriteFailed     Kind = "index_write_failed"
	KindPartialPersist       Kind = "partial_persist"
	KindCancelled            Kind = "cancelled"
	KindDeadlineExceeded     Kind = "deadline_exceeded"
	KindSerialization        Kind = "serialization"
	KindCorruption           Kind = "corruption"
	KindNotFound             Kind = "not_found"
)

// Error wraps an underlying error with a taxonomy Kind and the operation
// name that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so callers can
// write errors.Is(err, vaulterr.New(vaulterr.KindAuthFailed, "", nil)) or,
// more idiomatically, use Of(err) == KindAuthFailed.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Of extracts the Kind from err, walking its Unwrap chain; returns the
// empty Kind if err is nil or carries no vaulterr.Error.
func Of(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
