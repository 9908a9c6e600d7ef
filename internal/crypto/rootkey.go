// Package crypto implements the cryptographic key hierarchy and envelope:
// root-key custody, the keyset store, and AEAD encryption of record
// payloads.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/ryanwillie/mimirvaultd/internal/log"
	"github.com/ryanwillie/mimirvaultd/internal/vaulterr"
)

const (
	keyringService = "com.mimir.memory-vault"
	keyringAccount = "mimir-root-key"
	rootKeyLen     = 32

	// Argon2id parameters: 1 pass, 64 MiB, 4 lanes. The values in use are
	// recorded in each wrapper file and read back from it on Load.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonSaltLen = 16

	rotationSeedInfo = "mimir-rotation-matrix-seed"
	dbKeyLiteral     = "mimir-database"
)

// passwordWrapper is the on-disk shape of a password-protected root, written
// alongside the vault when no OS secret store is used.
type passwordWrapper struct {
	Salt       string `json:"salt"`       // hex
	Nonce      string `json:"nonce"`      // hex
	Ciphertext string `json:"ciphertext"` // hex
	Time       uint32 `json:"time"`
	MemoryKiB  uint32 `json:"memory_kib"`
	Threads    uint8  `json:"threads"`
}

// Custodian owns the device root key and derives subordinate key material
// from it. The zero value is not usable; construct via Initialize or Load.
type Custodian struct {
	root     [rootKeyLen]byte
	password bool
	wrapPath string // set only when password is used
}

// Initialize creates a brand-new root key. If password is empty, the root
// is written to the OS secret store; otherwise it is wrapped under an
// Argon2id-derived key and persisted at wrapPath.
func Initialize(wrapPath, password string) (*Custodian, error) {
	var root [rootKeyLen]byte
	if _, err := rand.Read(root[:]); err != nil {
		return nil, vaulterr.New(vaulterr.KindInitialization, "Custodian.Initialize", err)
	}

	c := &Custodian{root: root}
	if password == "" {
		if err := keyring.Set(keyringService, keyringAccount, hex.EncodeToString(root[:])); err != nil {
			zero(root[:])
			return nil, vaulterr.New(vaulterr.KindCustodianUnavailable, "Custodian.Initialize", err)
		}
	} else {
		c.password = true
		c.wrapPath = wrapPath
		if err := c.persistPasswordWrapped(password); err != nil {
			zero(root[:])
			return nil, err
		}
	}
	componentLogger := log.WithComponent("crypto")
	componentLogger.Info().Msg("root key initialized")
	return c, nil
}

// Load loads a previously-initialized root key. If password is empty, it is
// read from the OS secret store; otherwise wrapPath is read and unwrapped.
func Load(wrapPath, password string) (*Custodian, error) {
	c := &Custodian{}

	if password == "" {
		value, err := keyring.Get(keyringService, keyringAccount)
		if err != nil {
			if err == keyring.ErrNotFound {
				return nil, vaulterr.New(vaulterr.KindKeyNotFound, "Custodian.Load", err)
			}
			return nil, vaulterr.New(vaulterr.KindCustodianUnavailable, "Custodian.Load", err)
		}
		raw, err := hex.DecodeString(value)
		if err != nil || len(raw) != rootKeyLen {
			return nil, vaulterr.New(vaulterr.KindCorruption, "Custodian.Load", fmt.Errorf("malformed root in secret store"))
		}
		copy(c.root[:], raw)
		zero(raw)
		return c, nil
	}

	c.password = true
	c.wrapPath = wrapPath
	data, err := os.ReadFile(wrapPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vaulterr.New(vaulterr.KindKeyNotFound, "Custodian.Load", err)
		}
		return nil, vaulterr.New(vaulterr.KindCustodianUnavailable, "Custodian.Load", err)
	}
	var wrapper passwordWrapper
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, vaulterr.New(vaulterr.KindCorruption, "Custodian.Load", err)
	}
	if err := c.unwrapPassword(&wrapper, password); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Custodian) persistPasswordWrapped(password string) error {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return vaulterr.New(vaulterr.KindInitialization, "Custodian.persistPasswordWrapped", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, rootKeyLen)
	defer zero(key)

	nonce, sealed, err := sealWithKey(key, c.root[:])
	if err != nil {
		return vaulterr.New(vaulterr.KindInitialization, "Custodian.persistPasswordWrapped", err)
	}

	wrapper := passwordWrapper{
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(sealed),
		Time:       argonTime,
		MemoryKiB:  argonMemory,
		Threads:    argonThreads,
	}
	return atomicWriteJSON(c.wrapPath, wrapper)
}

func (c *Custodian) unwrapPassword(wrapper *passwordWrapper, password string) error {
	salt, err := hex.DecodeString(wrapper.Salt)
	if err != nil {
		return vaulterr.New(vaulterr.KindCorruption, "Custodian.unwrapPassword", err)
	}
	nonce, err := hex.DecodeString(wrapper.Nonce)
	if err != nil {
		return vaulterr.New(vaulterr.KindCorruption, "Custodian.unwrapPassword", err)
	}
	sealed, err := hex.DecodeString(wrapper.Ciphertext)
	if err != nil {
		return vaulterr.New(vaulterr.KindCorruption, "Custodian.unwrapPassword", err)
	}

	key := argon2.IDKey([]byte(password), salt, wrapper.Time, wrapper.MemoryKiB, wrapper.Threads, rootKeyLen)
	defer zero(key)

	plain, err := openWithKey(key, nonce, sealed)
	if err != nil {
		return vaulterr.New(vaulterr.KindWrongPassword, "Custodian.unwrapPassword", err)
	}
	defer zero(plain)
	if len(plain) != rootKeyLen {
		return vaulterr.New(vaulterr.KindCorruption, "Custodian.unwrapPassword", fmt.Errorf("unwrapped root has wrong length"))
	}
	copy(c.root[:], plain)
	return nil
}

// DeriveClassKey returns HMAC-SHA-256(root, label), the deterministic
// first-use class key.
func (c *Custodian) DeriveClassKey(label string) [32]byte {
	return DeriveClassKeyFromRoot(c.root, label)
}

// IsKeyNotFound reports whether err indicates no root key has been
// initialized yet (as opposed to a transient or corruption failure), so
// callers can decide whether to fall back to Initialize.
func IsKeyNotFound(err error) bool {
	return vaulterr.Of(err) == vaulterr.KindKeyNotFound
}

// CurrentRoot returns the custodian's live root value. Used by the keyset
// store during root rotation, which needs the new root explicitly rather
// than re-deriving a value from it.
func (c *Custodian) CurrentRoot() [32]byte {
	return c.root
}

// DeriveClassKeyFromRoot derives a class key from an explicit root value
// rather than the custodian's current root. Used by the keyset store to
// unwrap/rewrap class keys across a root rotation, when the "prior" root is
// no longer the custodian's live value.
func DeriveClassKeyFromRoot(root [32]byte, label string) [32]byte {
	mac := hmac.New(sha256.New, root[:])
	mac.Write([]byte(label))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// DeriveDbKey returns a 64-hex-char key for the record store's at-rest
// encryption, derived from the literal "mimir-database".
func (c *Custodian) DeriveDbKey() string {
	mac := hmac.New(sha256.New, c.root[:])
	mac.Write([]byte(dbKeyLiteral))
	return hex.EncodeToString(mac.Sum(nil))
}

// DeriveRotationSeed returns the 32-byte HKDF-SHA-256 expansion of the root
// used to seed the rotation matrix's CSPRNG.
func (c *Custodian) DeriveRotationSeed() ([32]byte, error) {
	var out [32]byte
	kdf := hkdf.New(sha256.New, c.root[:], nil, []byte(rotationSeedInfo))
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return out, vaulterr.New(vaulterr.KindInitialization, "Custodian.DeriveRotationSeed", err)
	}
	return out, nil
}

// Rotate replaces the root with a fresh 32 random bytes and persists it,
// returning the prior root so callers can rewrap dependent material.
func (c *Custodian) Rotate(password string) (prior [32]byte, err error) {
	prior = c.root
	var next [32]byte
	if _, err := rand.Read(next[:]); err != nil {
		return prior, vaulterr.New(vaulterr.KindInitialization, "Custodian.Rotate", err)
	}
	c.root = next

	if c.password {
		if err := c.persistPasswordWrapped(password); err != nil {
			c.root = prior
			return prior, err
		}
	} else {
		if err := keyring.Set(keyringService, keyringAccount, hex.EncodeToString(next[:])); err != nil {
			c.root = prior
			return prior, vaulterr.New(vaulterr.KindCustodianUnavailable, "Custodian.Rotate", err)
		}
	}
	componentLogger := log.WithComponent("crypto")
	componentLogger.Info().Msg("root key rotated")
	return prior, nil
}

// Close zeroes the in-memory root. Call when the custodian is no longer
// needed.
func (c *Custodian) Close() {
	zero(c.root[:])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
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
