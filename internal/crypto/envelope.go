package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ryanwillie/mimirvaultd/internal/vaulterr"
)

// Envelope implements authenticated encryption of arbitrary byte strings
// under a 32-byte class key with a fresh 192-bit nonce per call.
type Envelope struct{}

// NewEnvelope constructs an Envelope. It carries no state; every method
// takes its key explicitly so callers never hold key material longer than
// the call.
func NewEnvelope() *Envelope { return &Envelope{} }

// Seal encrypts plaintext under key, returning a fresh nonce and the sealed
// bytes (AEAD output including the authentication tag).
func (e *Envelope) Seal(key [32]byte, plaintext []byte) (nonce, sealed []byte, err error) {
	nonce, sealed, err = sealWithKey(key[:], plaintext)
	if err != nil {
		return nil, nil, vaulterr.New(vaulterr.KindInitialization, "Envelope.Seal", err)
	}
	return nonce, sealed, nil
}

// Open decrypts sealed using key and nonce. Any tampering, wrong key, or
// malformed input fails with KindAuthFailed.
func (e *Envelope) Open(key [32]byte, nonce, sealed []byte) ([]byte, error) {
	plain, err := openWithKey(key[:], nonce, sealed)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindAuthFailed, "Envelope.Open", err)
	}
	return plain, nil
}

// sealWithKey and openWithKey are the raw XChaCha20-Poly1305 primitives
// shared by the Envelope (class-key encryption) and the root custodian
// (password-wrapping); no associated data is used.
func sealWithKey(key, plaintext []byte) (nonce, sealed []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	sealed = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, sealed, nil
}

func openWithKey(key, nonce, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, sealed, nil)
}
