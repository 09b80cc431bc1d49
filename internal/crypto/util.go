package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"southwinds.dev/tome/internal/misc"
)

// RandomString draws length characters uniformly from misc.Charset using crypto/rand.
func RandomString(length int) (string, error) {
	b, err := RandomBytes(length)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RandomBytes is RandomString without the final string conversion, so that secret values
// (content keys) can be wiped by the caller.
func RandomBytes(length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: length must be positive", ErrInvalidParameters)
	}

	max := big.NewInt(int64(len(misc.Charset)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, fmt.Errorf("failed to read random source: %w", err)
		}
		out[i] = misc.Charset[n.Int64()]
	}
	return out, nil
}

func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsWeakKey flags generated key material with too little variety to be trusted, which in
// practice means a broken random source.
func IsWeakKey(key []byte) bool {
	if len(key) < 16 {
		return true
	}

	unique := make(map[byte]struct{})
	for _, b := range key {
		unique[b] = struct{}{}
	}

	return len(unique) < len(key)/4
}
