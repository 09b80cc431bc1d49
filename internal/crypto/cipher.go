package crypto

import (
	"crypto/rand"
	"fmt"
	"golang.org/x/crypto/chacha20poly1305"
)

// TokenVersion is the first byte of every token and is bound into the authentication tag.
const TokenVersion byte = 0x01

// TokenOverhead is the size a token adds on top of its plaintext.
const TokenOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Encrypt seals plaintext under a 32 byte key with XChaCha20-Poly1305.
//
// Token layout:
//
//	[1 byte: version]
//	[24 bytes: nonce (random)]
//	[N bytes: ciphertext + 16 byte tag]
//
// A fresh nonce is drawn for every call, so encrypting the same plaintext twice never
// yields the same token.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidParameters, chacha20poly1305.KeySize)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	token := make([]byte, 1+aead.NonceSize(), TokenOverhead+len(plaintext))
	token[0] = TokenVersion

	nonce := token[1 : 1+aead.NonceSize()]
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(token, nonce, plaintext, []byte{TokenVersion}), nil
}

// Decrypt authenticates and opens a token produced by Encrypt. Any tampering, a different
// key, a truncated token or an unknown version yields ErrDecryptionFailed and no plaintext.
func Decrypt(key, token []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidParameters, chacha20poly1305.KeySize)
	}

	if len(token) < TokenOverhead {
		return nil, fmt.Errorf("%w: token too short", ErrDecryptionFailed)
	}

	if token[0] != TokenVersion {
		return nil, fmt.Errorf("%w: unsupported token version %d", ErrDecryptionFailed, token[0])
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := token[1 : 1+aead.NonceSize()]
	ciphertext := token[1+aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, token[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}

	return plaintext, nil
}
