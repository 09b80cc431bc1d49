package tome

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestRecordServiceRoundTrip(t *testing.T) {
	svc := NewRecordService(testKDF)
	contentKey := NewSecretBufferFromString("K1")
	defer contentKey.Wipe()

	body, err := svc.EncryptRecord(contentKey, "R1", []byte("Hello"))
	require.NoError(t, err)
	assert.NotContains(t, string(body), "Hello")

	plaintext, err := svc.DecryptRecord(contentKey, "R1", body)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(plaintext))

	again, err := svc.EncryptRecord(contentKey, "R1", []byte("Hello"))
	require.NoError(t, err)
	assert.NotEqual(t, body, again, "every encryption uses a fresh nonce")
}

func TestRecordServicePlaintexts(t *testing.T) {
	svc := NewRecordService(testKDF)
	contentKey := NewSecretBufferFromString("abcdefghijklmnopqrstuvwxyz012345")
	defer contentKey.Wipe()

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"Empty", []byte{}},
		{"Unicode", []byte("Grüße, 世界 🌍")},
		{"Binary", []byte{0x00, 0xff, 0x10, 0x00}},
		{"Large", make([]byte, 1<<20)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := svc.EncryptRecord(contentKey, "record-salt-0001", tt.plaintext)
			require.NoError(t, err)

			plaintext, err := svc.DecryptRecord(contentKey, "record-salt-0001", body)
			require.NoError(t, err)
			assert.Equal(t, len(tt.plaintext), len(plaintext))
			if len(tt.plaintext) > 0 {
				assert.Equal(t, tt.plaintext, plaintext)
			}
		})
	}
}

func TestRecordServiceKeyIsolation(t *testing.T) {
	svc := NewRecordService(testKDF)
	contentKey := NewSecretBufferFromString("K1")
	defer contentKey.Wipe()

	body, err := svc.EncryptRecord(contentKey, "R1", []byte("Hello"))
	require.NoError(t, err)

	t.Run("OtherSalt", func(t *testing.T) {
		_, err := svc.DecryptRecord(contentKey, "R2", body)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("OtherContentKey", func(t *testing.T) {
		other := NewSecretBufferFromString("K2")
		defer other.Wipe()
		_, err := svc.DecryptRecord(other, "R1", body)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("OtherKDFParams", func(t *testing.T) {
		params := testKDF
		params.Iterations++
		_, err := NewRecordService(params).DecryptRecord(contentKey, "R1", body)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("Tampered", func(t *testing.T) {
		tampered := append([]byte(nil), body...)
		tampered[len(tampered)-3] ^= 0x01
		_, err := svc.DecryptRecord(contentKey, "R1", tampered)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("Truncated", func(t *testing.T) {
		_, err := svc.DecryptRecord(contentKey, "R1", body[:5])
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})
}

func TestRecordServiceErrors(t *testing.T) {
	svc := NewRecordService(testKDF)

	t.Run("EmptySalt", func(t *testing.T) {
		contentKey := NewSecretBufferFromString("K1")
		defer contentKey.Wipe()

		_, err := svc.EncryptRecord(contentKey, "", []byte("Hello"))
		assert.ErrorIs(t, err, ErrInvalidParameters)
		_, err = svc.DecryptRecord(contentKey, "", []byte("Hello"))
		assert.ErrorIs(t, err, ErrInvalidParameters)
	})

	t.Run("WipedKey", func(t *testing.T) {
		contentKey := NewSecretBufferFromString("K1")
		body, err := svc.EncryptRecord(contentKey, "R1", []byte("Hello"))
		require.NoError(t, err)

		contentKey.Wipe()

		_, err = svc.EncryptRecord(contentKey, "R1", []byte("Hello"))
		assert.ErrorIs(t, err, ErrVaultLocked)
		_, err = svc.DecryptRecord(contentKey, "R1", body)
		assert.ErrorIs(t, err, ErrVaultLocked)
	})

	t.Run("NilKey", func(t *testing.T) {
		_, err := svc.EncryptRecord(nil, "R1", []byte("Hello"))
		assert.ErrorIs(t, err, ErrVaultLocked)
	})
}

func TestNewRecordSalt(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		salt, err := NewRecordSalt()
		require.NoError(t, err)
		assert.Len(t, salt, 16)
		assert.False(t, seen[salt], "salts must not repeat")
		seen[salt] = true
	}
}
