package envelope

import (
	"bytes"
	"testing"

	"cipherchat/pkg/keyvault"
)

func sharedKey(t *testing.T) []byte {
	t.Helper()
	a, err := keyvault.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := keyvault.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	key, err := DeriveShared(a.Private, b.PublicBase64())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return key
}

func TestDeriveSharedIsSymmetric(t *testing.T) {
	a, _ := keyvault.GenerateIdentity()
	b, _ := keyvault.GenerateIdentity()

	ab, err := DeriveShared(a.Private, b.PublicBase64())
	if err != nil {
		t.Fatalf("derive a->b: %v", err)
	}
	ba, err := DeriveShared(b.Private, a.PublicBase64())
	if err != nil {
		t.Fatalf("derive b->a: %v", err)
	}
	if !bytes.Equal(ab, ba) {
		t.Fatalf("derived keys differ between the two sides")
	}
	if len(ab) != KeyBytes {
		t.Fatalf("key length = %d, want %d", len(ab), KeyBytes)
	}
}

func TestDeriveSharedRejectsMalformedPeerKey(t *testing.T) {
	a, _ := keyvault.GenerateIdentity()
	if _, err := DeriveShared(a.Private, "!!not-base64!!"); err == nil {
		t.Fatalf("expected error for malformed peer key")
	}
	if _, err := DeriveShared(a.Private, "c2hvcnQ="); err == nil {
		t.Fatalf("expected error for wrong-length peer key")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := sharedKey(t)
	env, err := Seal([]byte("hello, bob"), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got := Open(env.Ciphertext, key, env.IV)
	if string(got) != "hello, bob" {
		t.Fatalf("round trip = %q", got)
	}
}

func TestOpenFailuresReturnNil(t *testing.T) {
	key := sharedKey(t)
	other := sharedKey(t)
	env, err := Seal([]byte("secret"), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if got := Open(env.Ciphertext, other, env.IV); got != nil {
		t.Fatalf("wrong key must yield nil, got %q", got)
	}

	tampered := append([]byte(nil), env.Ciphertext...)
	tampered[0] ^= 0x01
	if got := Open(tampered, key, env.IV); got != nil {
		t.Fatalf("tampered ciphertext must yield nil")
	}

	if got := Open(env.Ciphertext, key, env.IV[:NonceBytes-1]); got != nil {
		t.Fatalf("short nonce must yield nil")
	}
	if got := Open(nil, key, env.IV); got != nil {
		t.Fatalf("nil ciphertext must yield nil")
	}
}

func TestSealNeverReusesNonce(t *testing.T) {
	key := sharedKey(t)
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		env, err := Seal([]byte("same plaintext"), key)
		if err != nil {
			t.Fatalf("seal %d: %v", i, err)
		}
		iv := string(env.IV)
		if seen[iv] {
			t.Fatalf("nonce reused after %d seals", i)
		}
		seen[iv] = true
	}
}

func TestEncodeDecode(t *testing.T) {
	key := sharedKey(t)
	env, err := Seal([]byte("payload"), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ct, iv := env.Encode()
	got := Open(FromB64(ct), key, FromB64(iv))
	if string(got) != "payload" {
		t.Fatalf("decode round trip = %q", got)
	}
	if FromB64("***") != nil {
		t.Fatalf("malformed base64 must decode to nil")
	}
}
