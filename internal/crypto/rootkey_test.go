package crypto

import (
	"path/filepath"
	"testing"

	"github.com/ryanwillie/mimirvaultd/internal/vaulterr"
)

// TestInitializeAndLoadPasswordWrapped verifies a password-wrapped root key
// round-trips through Initialize and Load.
func TestInitializeAndLoadPasswordWrapped(t *testing.T) {
	dir := t.TempDir()
	wrapPath := filepath.Join(dir, "master.key")

	c1, err := Initialize(wrapPath, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	root1 := c1.CurrentRoot()

	c2, err := Load(wrapPath, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	root2 := c2.CurrentRoot()

	if root1 != root2 {
		t.Error("Load did not recover the same root key Initialize wrote")
	}
}

// TestLoadWrongPasswordFails verifies unwrapping with the wrong password
// fails with KindWrongPassword.
func TestLoadWrongPasswordFails(t *testing.T) {
	dir := t.TempDir()
	wrapPath := filepath.Join(dir, "master.key")

	if _, err := Initialize(wrapPath, "right-password"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := Load(wrapPath, "wrong-password")
	if err == nil {
		t.Fatal("Load with wrong password succeeded, want failure")
	}
	if vaulterr.Of(err) != vaulterr.KindWrongPassword {
		t.Errorf("Load with wrong password returned %v, want KindWrongPassword", err)
	}
}

// TestLoadMissingFileFails verifies loading a nonexistent wrap file returns
// KindKeyNotFound, detected via IsKeyNotFound.
func TestLoadMissingFileFails(t *testing.T) {
	dir := t.TempDir()
	wrapPath := filepath.Join(dir, "does-not-exist.key")

	_, err := Load(wrapPath, "anything")
	if err == nil {
		t.Fatal("Load of missing file succeeded, want failure")
	}
	if !IsKeyNotFound(err) {
		t.Errorf("IsKeyNotFound(err) = false, want true for %v", err)
	}
}

// TestDeriveClassKeyIsDeterministic verifies the same (root, label) pair
// always derives the same class key, and different labels derive different
// keys.
func TestDeriveClassKeyIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	cust, err := Initialize(filepath.Join(dir, "master.key"), "pw")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	k1a := cust.DeriveClassKey("personal")
	k1b := cust.DeriveClassKey("personal")
	k2 := cust.DeriveClassKey("work")

	if k1a != k1b {
		t.Error("DeriveClassKey is not deterministic for the same label")
	}
	if k1a == k2 {
		t.Error("DeriveClassKey produced the same key for different labels")
	}
}

// TestRotatePreservesAbilityToDeriveRotationSeed verifies Rotate changes the
// root (and therefore the derived rotation seed) while returning the prior
// root value for rewrap callers.
func TestRotatePreservesAbilityToDeriveRotationSeed(t *testing.T) {
	dir := t.TempDir()
	cust, err := Initialize(filepath.Join(dir, "master.key"), "pw")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	priorRoot := cust.CurrentRoot()
	seedBefore, err := cust.DeriveRotationSeed()
	if err != nil {
		t.Fatalf("DeriveRotationSeed: %v", err)
	}

	returnedPrior, err := cust.Rotate("pw")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if returnedPrior != priorRoot {
		t.Error("Rotate did not return the pre-rotation root")
	}

	newRoot := cust.CurrentRoot()
	if newRoot == priorRoot {
		t.Error("Rotate did not change the root")
	}

	seedAfter, err := cust.DeriveRotationSeed()
	if err != nil {
		t.Fatalf("DeriveRotationSeed after rotate: %v", err)
	}
	if seedAfter == seedBefore {
		t.Error("rotation seed did not change after root rotation")
	}

	// Rotation must persist: loading with the password should recover the
	// new root, not the old one.
	reloaded, err := Load(filepath.Join(dir, "master.key"), "pw")
	if err != nil {
		t.Fatalf("Load after rotate: %v", err)
	}
	if reloaded.CurrentRoot() != newRoot {
		t.Error("Load after Rotate did not recover the rotated root")
	}
}

// TestDeriveDbKeyShape verifies the database key is 64 lowercase hex
// characters and stable for a fixed root.
func TestDeriveDbKeyShape(t *testing.T) {
	dir := t.TempDir()
	cust, err := Initialize(filepath.Join(dir, "master.key"), "pw")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	k1 := cust.DeriveDbKey()
	k2 := cust.DeriveDbKey()
	if k1 != k2 {
		t.Error("DeriveDbKey is not deterministic")
	}
	if len(k1) != 64 {
		t.Errorf("DeriveDbKey length = %d, want 64", len(k1))
	}
	for _, c := range k1 {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Errorf("DeriveDbKey contains non-hex character %q", c)
			break
		}
	}
}
