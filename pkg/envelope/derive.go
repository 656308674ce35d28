// Package envelope implements the message encryption layer: X25519 shared
// secret derivation between two identity keys and AES-256-GCM sealing of
// message bodies.
package envelope

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyBytes is the size of derived symmetric keys.
const KeyBytes = 32

var hkdfInfo = []byte("cipherchat/v1 message key")

// DeriveShared computes the symmetric message key for a pair of identities.
// The result is the same on both sides: DeriveShared(aPriv, bPub) equals
// DeriveShared(bPriv, aPub). Callers may cache the result per conversation.
func DeriveShared(priv [32]byte, peerPublicBase64 string) ([]byte, error) {
	peer, err := base64.StdEncoding.DecodeString(peerPublicBase64)
	if err != nil {
		return nil, fmt.Errorf("derive shared key: decode peer key: %w", err)
	}
	if len(peer) != 32 {
		return nil, fmt.Errorf("derive shared key: peer key must be 32 bytes, got %d", len(peer))
	}
	secret, err := curve25519.X25519(priv[:], peer)
	if err != nil {
		return nil, fmt.Errorf("derive shared key: %w", err)
	}

	key := make([]byte, KeyBytes)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive shared key: %w", err)
	}
	return key, nil
}
