package keyvault

import (
	"errors"
	"sync"

	"cipherchat/pkg/domain"
)

// ErrUnlockInProgress is returned when Unlock is called while another unlock
// for the same session is still running the KDF.
var ErrUnlockInProgress = errors.New("unlock already in progress")

// Session holds the unwrapped private key for one client session. The key
// lives only in memory, is produced by Unlock, and is zeroed by Close.
type Session struct {
	mu        sync.Mutex
	unlocking bool
	priv      *[KeyBytes]byte
}

// NewSession returns a locked session.
func NewSession() *Session { return &Session{} }

// Unlock unwraps the private key with the given password. The KDF runs
// outside the lock; a concurrent second unlock is rejected rather than
// queued, per the one-outstanding-unwrap contract. Failure is reported as
// domain.ErrDecryptionFailed and is never retried internally.
func (s *Session) Unlock(wrapped domain.WrappedPrivateKey, password string) error {
	s.mu.Lock()
	if s.unlocking {
		s.mu.Unlock()
		return ErrUnlockInProgress
	}
	s.unlocking = true
	s.mu.Unlock()

	priv, err := Unwrap(wrapped, password)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocking = false
	if err != nil {
		return err
	}
	s.priv = &priv
	return nil
}

// PrivateKey returns the unwrapped key, or false while locked.
func (s *Session) PrivateKey() ([KeyBytes]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv == nil {
		return [KeyBytes]byte{}, false
	}
	return *s.priv, true
}

// Unlocked reports whether the session holds a usable private key.
func (s *Session) Unlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priv != nil
}

// Close zeroes and drops the key material. The session can be unlocked again.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv != nil {
		zero(s.priv[:])
		s.priv = nil
	}
}
