package envelope

import "encoding/base64"

// B64 returns the standard base64 form used for storage and wire payloads.
func B64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// FromB64 decodes standard base64, returning nil on malformed input so the
// result feeds straight into Open's skippable-failure path.
func FromB64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// Encode returns the envelope's storage form.
func (e Envelope) Encode() (ciphertext, iv string) {
	return B64(e.Ciphertext), B64(e.IV)
}
