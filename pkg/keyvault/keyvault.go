// Package keyvault manages the user's long-lived identity key pair: generation,
// password-based wrapping for server-side storage, and unlock into a
// session-scoped in-memory key.
package keyvault

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"cipherchat/pkg/domain"
)

const (
	// KeyBytes is the raw size of both private and public identity keys.
	KeyBytes = 32
	// SaltBytes is the KDF salt size generated at signup.
	SaltBytes = 16

	// Argon2id cost parameters. Changing them invalidates stored wrapped keys.
	argonTime    uint32 = 2
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// IdentityKeyPair is an X25519 key agreement pair. The private half must never
// be persisted outside its wrapped form.
type IdentityKeyPair struct {
	Private [KeyBytes]byte
	Public  [KeyBytes]byte
}

// PublicBase64 returns the canonical serialized public key.
func (kp *IdentityKeyPair) PublicBase64() string {
	return base64.StdEncoding.EncodeToString(kp.Public[:])
}

// GenerateIdentity returns a fresh X25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateIdentity() (*IdentityKeyPair, error) {
	kp := &IdentityKeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// NewSalt returns a fresh KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// deriveKEK derives the key-encryption key from a password and salt.
// Intentionally expensive; keep it off the interaction path.
func deriveKEK(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeyBytes)
}

// Wrap encrypts the private key under a password-derived key with a fresh
// random nonce. The result is safe to store server-side.
func Wrap(priv [KeyBytes]byte, password string, salt []byte) (domain.WrappedPrivateKey, error) {
	if len(salt) != SaltBytes {
		return domain.WrappedPrivateKey{}, fmt.Errorf("wrap: salt must be %d bytes", SaltBytes)
	}
	kek := deriveKEK(password, salt)
	defer zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return domain.WrappedPrivateKey{}, fmt.Errorf("wrap: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return domain.WrappedPrivateKey{}, fmt.Errorf("wrap: %w", err)
	}
	ct := aead.Seal(nil, nonce, priv[:], nil)
	return domain.WrappedPrivateKey{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		KDFSalt:    base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// Unwrap re-derives the key and decrypts the wrapped private key. A wrong
// password, corrupt blob, or malformed encoding all surface as the single
// domain.ErrDecryptionFailed so no oracle exists beyond KDF timing.
func Unwrap(wrapped domain.WrappedPrivateKey, password string) ([KeyBytes]byte, error) {
	var priv [KeyBytes]byte
	salt, err := base64.StdEncoding.DecodeString(wrapped.KDFSalt)
	if err != nil || len(salt) != SaltBytes {
		return priv, domain.ErrDecryptionFailed
	}
	nonce, err := base64.StdEncoding.DecodeString(wrapped.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return priv, domain.ErrDecryptionFailed
	}
	ct, err := base64.StdEncoding.DecodeString(wrapped.Ciphertext)
	if err != nil {
		return priv, domain.ErrDecryptionFailed
	}

	kek := deriveKEK(password, salt)
	defer zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return priv, domain.ErrDecryptionFailed
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil || len(pt) != KeyBytes {
		return priv, domain.ErrDecryptionFailed
	}
	copy(priv[:], pt)
	zero(pt)
	return priv, nil
}

// Rewrap unlocks with the old password and wraps again under the new one with
// a fresh salt and nonce. Used on password change.
func Rewrap(wrapped domain.WrappedPrivateKey, oldPassword, newPassword string) (domain.WrappedPrivateKey, error) {
	priv, err := Unwrap(wrapped, oldPassword)
	if err != nil {
		return domain.WrappedPrivateKey{}, err
	}
	defer zero(priv[:])
	salt, err := NewSalt()
	if err != nil {
		return domain.WrappedPrivateKey{}, err
	}
	return Wrap(priv, newPassword, salt)
}

// zero overwrites b in a constant-time friendly way.
func zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
