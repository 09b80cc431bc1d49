package crypto

import (
	"crypto/sha256"
	"fmt"
	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"southwinds.dev/tome/internal/misc"
)

type Algorithm string

const (
	AlgorithmPBKDF2 Algorithm = "pbkdf2-sha256"
	AlgorithmArgon2 Algorithm = "argon2id"
)

// KDFParams selects the password based key derivation function and its work factor.
// The params are persisted with the vault so that unlock and per record derivation
// reproduce the exact same keys.
type KDFParams struct {
	Algorithm  Algorithm `json:"algorithm"`
	Iterations int       `json:"iterations,omitempty"` // pbkdf2
	Time       uint32    `json:"time,omitempty"`       // argon2id passes
	Memory     uint32    `json:"memory,omitempty"`     // argon2id KiB
	Threads    uint8     `json:"threads,omitempty"`    // argon2id lanes
}

// DefaultKDFParams is PBKDF2-HMAC-SHA256 with 100,000 iterations.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm:  AlgorithmPBKDF2,
		Iterations: misc.PBKDF2Iterations,
	}
}

// Argon2KDFParams returns the argon2id work factor used by default for new argon2 vaults.
func Argon2KDFParams() KDFParams {
	return KDFParams{
		Algorithm: AlgorithmArgon2,
		Time:      misc.ArgonTime,
		Memory:    misc.ArgonMemory,
		Threads:   misc.ArgonThreads,
	}
}

func (p KDFParams) Validate() error {
	switch p.Algorithm {
	case AlgorithmPBKDF2:
		if p.Iterations <= 0 {
			return fmt.Errorf("%w: pbkdf2 iterations must be positive", ErrInvalidParameters)
		}
	case AlgorithmArgon2:
		if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
			return fmt.Errorf("%w: argon2id time, memory and threads must be positive", ErrInvalidParameters)
		}
	default:
		return fmt.Errorf("%w: unknown kdf algorithm %q", ErrInvalidParameters, p.Algorithm)
	}
	return nil
}

// Derive turns (secret, salt) into a keyLen byte key. The same inputs always produce the
// same key. It only fails on invalid parameters: a wrong secret cannot be detected here,
// that surfaces when the derived key fails to authenticate a token.
func Derive(secret, salt []byte, keyLen uint32, params KDFParams) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: secret cannot be empty", ErrInvalidParameters)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: salt cannot be empty", ErrInvalidParameters)
	}
	if keyLen != misc.KeyLen {
		return nil, fmt.Errorf("%w: unsupported key length %d", ErrInvalidParameters, keyLen)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	switch params.Algorithm {
	case AlgorithmArgon2:
		return argon2.IDKey(secret, salt, params.Time, params.Memory, params.Threads, keyLen), nil
	default:
		return pbkdf2.Key(secret, salt, params.Iterations, int(keyLen), sha256.New), nil
	}
}

// DeriveKey is Derive with the result moved into a locked buffer. The intermediate slice
// is wiped; the caller must Destroy the returned buffer.
func DeriveKey(secret, salt []byte, params KDFParams) (*memguard.LockedBuffer, error) {
	derivedKey, err := Derive(secret, salt, misc.KeyLen, params)
	if err != nil {
		return nil, err
	}

	// NewBufferFromBytes wipes derivedKey after copying
	return memguard.NewBufferFromBytes(derivedKey), nil
}
