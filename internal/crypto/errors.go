package crypto

import "errors"

var (
	// ErrInvalidParameters indicates a programming error: empty secret or salt, a key of the
	// wrong length or an unknown derivation algorithm.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrDecryptionFailed indicates a token did not authenticate under the given key.
	ErrDecryptionFailed = errors.New("decryption failed")
)
