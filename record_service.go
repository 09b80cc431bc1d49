package tome

import (
	"errors"
	"fmt"
	"github.com/awnumar/memguard"
	"southwinds.dev/tome/internal/crypto"
	"southwinds.dev/tome/internal/misc"
)

// RecordService encrypts and decrypts record bodies. Every record has its own key,
// derived from the content key and the record's salt.
type RecordService struct {
	kdf crypto.KDFParams
}

// NewRecordService uses params for record key derivation; they must be the vault's
// persisted params.
func NewRecordService(params crypto.KDFParams) *RecordService {
	return &RecordService{kdf: params}
}

// NewRecordSalt returns a fresh salt for a new record. A record keeps its salt for life.
func NewRecordSalt() (string, error) {
	return crypto.RandomString(misc.RecordSaltLen)
}

func (s *RecordService) EncryptRecord(contentKey *SecretBuffer, recordSalt string, plaintext []byte) ([]byte, error) {
	key, err := s.recordKey(contentKey, recordSalt)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	body, err := crypto.Encrypt(key.Bytes(), plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt record: %w", err)
	}
	return body, nil
}

// DecryptRecord returns ErrDecryptionFailed when body does not authenticate: the record
// was damaged or altered on disk.
func (s *RecordService) DecryptRecord(contentKey *SecretBuffer, recordSalt string, body []byte) ([]byte, error) {
	key, err := s.recordKey(contentKey, recordSalt)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	plaintext, err := crypto.Decrypt(key.Bytes(), body)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return nil, ErrDecryptionFailed
		}
		return nil, fmt.Errorf("failed to decrypt record: %w", err)
	}
	return plaintext, nil
}

// recordKey derives KDF(content key characters, record salt). The caller destroys the result.
func (s *RecordService) recordKey(contentKey *SecretBuffer, recordSalt string) (*memguard.LockedBuffer, error) {
	if recordSalt == "" {
		return nil, fmt.Errorf("%w: record salt cannot be empty", ErrInvalidParameters)
	}

	var key *memguard.LockedBuffer
	err := contentKey.Use(func(secret []byte) error {
		var err error
		key, err = crypto.DeriveKey(secret, []byte(recordSalt), s.kdf)
		return err
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}
