package domain

import "errors"

// Sentinel errors shared across layers for stable error mapping.
var (
	// ErrNotFound indicates the requested user, conversation, message, or
	// pagination cursor does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the caller is not a participant or does not
	// own the targeted message.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation indicates malformed input (empty group title, bad payload).
	ErrValidation = errors.New("invalid input")

	// ErrSelfChat indicates an attempt to open a direct chat with oneself.
	ErrSelfChat = errors.New("cannot chat with yourself")

	// ErrDecryptionFailed covers both a wrong unlock password and ciphertext
	// that fails authentication. Callers get no finer detail.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrTimeout indicates a store or transport call exceeded its deadline.
	ErrTimeout = errors.New("timed out")

	// ErrInternal indicates an unexpected store failure. Not retried
	// automatically to avoid duplicate side effects.
	ErrInternal = errors.New("internal error")
)
