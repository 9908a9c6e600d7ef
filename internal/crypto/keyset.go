package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ryanwillie/mimirvaultd/internal/log"
	"github.com/ryanwillie/mimirvaultd/internal/vaulterr"
)

const keysetVersion = 1

// wrappedKey is the on-disk shape of a class key sealed under its
// root-derived wrapper. KeyID is a random fingerprint minted when the
// class key itself changes (first derivation or class-key rotation) and
// preserved verbatim across root-rotation rewraps, so records stamped with
// it stay readable after a root rotation but not after a class rotation.
type wrappedKey struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	KeyID      string `json:"key_id"`
}

// keysetFile is the on-disk keyset document.
type keysetFile struct {
	Version   int                   `json:"version"`
	ClassKeys map[string]wrappedKey `json:"class_keys"`
	Purged    map[string]bool       `json:"purged"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Keyset persists per-class keys wrapped by the root-derived wrapper and
// tracks purged classes. It serializes access with its own mutex so it
// can be shared safely even though the coordinator also holds a writer
// lock around compound operations.
type Keyset struct {
	mu   sync.Mutex
	path string
	cust *Custodian
	env  *Envelope
	doc  keysetFile
}

// OpenOrCreate reads path if it exists (verifying its version) or creates a
// fresh empty keyset document there.
func OpenOrCreate(path string, cust *Custodian) (*Keyset, error) {
	ks := &Keyset{
		path: path,
		cust: cust,
		env:  NewEnvelope(),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		ks.doc = keysetFile{
			Version:   keysetVersion,
			ClassKeys: map[string]wrappedKey{},
			Purged:    map[string]bool{},
			UpdatedAt: time.Now().UTC(),
		}
		if err := ks.persistLocked(); err != nil {
			return nil, err
		}
		return ks, nil
	}
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindInitialization, "Keyset.OpenOrCreate", err)
	}

	var doc keysetFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, vaulterr.New(vaulterr.KindCorruption, "Keyset.OpenOrCreate", err)
	}
	if doc.Version != keysetVersion {
		return nil, vaulterr.New(vaulterr.KindCorruption, "Keyset.OpenOrCreate", fmt.Errorf("unsupported keyset version %d", doc.Version))
	}
	if doc.ClassKeys == nil {
		doc.ClassKeys = map[string]wrappedKey{}
	}
	if doc.Purged == nil {
		doc.Purged = map[string]bool{}
	}
	ks.doc = doc
	return ks, nil
}

// GetOrDeriveClassKey resolves the live class key for label on the read
// path, deriving and installing it on first use. Purged labels fail with
// KindClassPurged; only a write (ResolveWriteKey) or an explicit rotation
// re-enables them.
func (ks *Keyset) GetOrDeriveClassKey(label string) ([32]byte, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.doc.Purged[label] {
		return [32]byte{}, vaulterr.New(vaulterr.KindClassPurged, "Keyset.GetOrDeriveClassKey", nil)
	}
	return ks.resolveLocked(label)
}

// ResolveWriteKey resolves label's class key for an encryption. Writing new
// content to a purged class re-enables the label under a fresh random key;
// ciphertexts sealed before the purge stay unreadable because the original
// key bytes are never re-derived.
func (ks *Keyset) ResolveWriteKey(label string) ([32]byte, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.doc.Purged[label] {
		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			return [32]byte{}, vaulterr.New(vaulterr.KindInitialization, "Keyset.ResolveWriteKey", err)
		}
		delete(ks.doc.Purged, label)
		if err := ks.installLocked(label, key); err != nil {
			return [32]byte{}, err
		}
		classLogger := log.WithClass(label)
		classLogger.Info().Msg("purged class re-enabled by write")
		return key, nil
	}
	return ks.resolveLocked(label)
}

// resolveLocked unwraps label's installed key, deriving and installing the
// deterministic first-use key when none exists. Caller must hold ks.mu.
func (ks *Keyset) resolveLocked(label string) ([32]byte, error) {
	if wk, ok := ks.doc.ClassKeys[label]; ok {
		return ks.unwrapLocked(label, wk)
	}
	key := ks.cust.DeriveClassKey(label)
	if err := ks.installLocked(label, key); err != nil {
		return [32]byte{}, err
	}
	return key, nil
}

func (ks *Keyset) unwrapLocked(label string, wk wrappedKey) ([32]byte, error) {
	var zeroKey [32]byte
	nonce, err := hex.DecodeString(wk.Nonce)
	if err != nil {
		return zeroKey, vaulterr.New(vaulterr.KindCorruption, "Keyset.unwrap", err)
	}
	sealed, err := hex.DecodeString(wk.Ciphertext)
	if err != nil {
		return zeroKey, vaulterr.New(vaulterr.KindCorruption, "Keyset.unwrap", err)
	}
	wrapKey := ks.cust.DeriveClassKey(label)
	plain, err := ks.env.Open(wrapKey, nonce, sealed)
	if err != nil {
		return zeroKey, err
	}
	defer zero(plain)
	var out [32]byte
	if len(plain) != 32 {
		return zeroKey, vaulterr.New(vaulterr.KindCorruption, "Keyset.unwrap", fmt.Errorf("unwrapped class key has wrong length"))
	}
	copy(out[:], plain)
	return out, nil
}

func (ks *Keyset) installLocked(label string, key [32]byte) error {
	wrapKey := ks.cust.DeriveClassKey(label)
	nonce, sealed, err := ks.env.Seal(wrapKey, key[:])
	if err != nil {
		return err
	}
	keyID, err := newKeyID()
	if err != nil {
		return err
	}
	ks.doc.ClassKeys[label] = wrappedKey{
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(sealed),
		KeyID:      keyID,
	}
	ks.doc.UpdatedAt = time.Now().UTC()
	return ks.persistLocked()
}

func newKeyID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", vaulterr.New(vaulterr.KindInitialization, "Keyset.newKeyID", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// RotateClassKey replaces label's class key with a fresh random 32 bytes,
// re-enabling the label if it was purged (see DESIGN.md Open Question 1).
func (ks *Keyset) RotateClassKey(label string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return vaulterr.New(vaulterr.KindInitialization, "Keyset.RotateClassKey", err)
	}
	delete(ks.doc.Purged, label)
	if err := ks.installLocked(label, key); err != nil {
		return err
	}
	classLogger := log.WithClass(label)
	classLogger.Info().Msg("class key rotated")
	return nil
}

// RotateAllWraps re-wraps every class key under newRoot-derived wrappers,
// unwrapping each under priorRoot's derivation first. Raw class-key bytes
// are preserved, so ciphertexts sealed before the rotation remain
// decryptable afterward.
func (ks *Keyset) RotateAllWraps(priorRoot, newRoot [32]byte) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	rewrapped := make(map[string]wrappedKey, len(ks.doc.ClassKeys))
	for label, wk := range ks.doc.ClassKeys {
		nonce, err := hex.DecodeString(wk.Nonce)
		if err != nil {
			return vaulterr.New(vaulterr.KindCorruption, "Keyset.RotateAllWraps", err)
		}
		sealed, err := hex.DecodeString(wk.Ciphertext)
		if err != nil {
			return vaulterr.New(vaulterr.KindCorruption, "Keyset.RotateAllWraps", err)
		}
		priorWrap := DeriveClassKeyFromRoot(priorRoot, label)
		plain, err := ks.env.Open(priorWrap, nonce, sealed)
		if err != nil {
			return err
		}
		newWrap := DeriveClassKeyFromRoot(newRoot, label)
		newNonce, newSealed, err := ks.env.Seal(newWrap, plain)
		zero(plain)
		if err != nil {
			return err
		}
		rewrapped[label] = wrappedKey{
			Nonce:      hex.EncodeToString(newNonce),
			Ciphertext: hex.EncodeToString(newSealed),
			KeyID:      wk.KeyID,
		}
	}
	ks.doc.ClassKeys = rewrapped
	ks.doc.UpdatedAt = time.Now().UTC()
	return ks.persistLocked()
}

// Purge removes label from the mapping and adds it to the purged set.
func (ks *Keyset) Purge(label string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	delete(ks.doc.ClassKeys, label)
	ks.doc.Purged[label] = true
	ks.doc.UpdatedAt = time.Now().UTC()
	if err := ks.persistLocked(); err != nil {
		return err
	}
	classLogger := log.WithClass(label)
	classLogger.Warn().Msg("class purged")
	return nil
}

// IsPurged reports whether label is currently in the purged set.
func (ks *Keyset) IsPurged(label string) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.doc.Purged[label]
}

// KeyID returns label's current key fingerprint, stamped onto records at
// write time so readers can detect "record predates this class-key
// rotation" without paying for a doomed AEAD open. Empty when no key has
// been installed for label yet.
func (ks *Keyset) KeyID(label string) string {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.doc.ClassKeys[label].KeyID
}

func (ks *Keyset) persistLocked() error {
	return atomicWriteJSON(ks.path, ks.doc)
}
