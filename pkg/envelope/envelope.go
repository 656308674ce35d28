package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// NonceBytes is the AES-GCM nonce size used for every envelope.
const NonceBytes = 12

// Envelope is a sealed message body: ciphertext plus the nonce it was sealed
// with. This is the only form message content takes at rest and on the wire.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
}

// Seal encrypts plaintext under key with a fresh random nonce. Nonces are
// never derived from ids or timestamps; reuse under one key is a hard
// security violation, so every call draws from the CSPRNG.
func Seal(plaintext []byte, key []byte) (Envelope, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return Envelope{}, err
	}
	iv := make([]byte, NonceBytes)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("seal: %w", err)
	}
	return Envelope{Ciphertext: aead.Seal(nil, iv, plaintext, nil), IV: iv}, nil
}

// Open decrypts an envelope. It returns nil on authentication failure or any
// malformed input so that one corrupt message in a page can be skipped
// instead of failing the batch.
func Open(ciphertext, key, iv []byte) []byte {
	if len(iv) != NonceBytes {
		return nil
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil
	}
	pt, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil
	}
	return pt
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyBytes {
		return nil, fmt.Errorf("envelope: key must be %d bytes, got %d", KeyBytes, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	return cipher.NewGCM(block)
}
