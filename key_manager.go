package tome

import (
	"errors"
	"fmt"
	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"southwinds.dev/tome/internal/crypto"
	"southwinds.dev/tome/internal/debug"
	"southwinds.dev/tome/internal/misc"
	"sync"
	"sync/atomic"
)

// State is the lock state of a KeyManager
type State int32

const (
	StateLocked State = iota
	StateUnlocking
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocking:
		return "unlocking"
	case StateUnlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// VaultHeader is the persisted, non-secret part of the key hierarchy
type VaultHeader struct {
	GlobalSalt        string
	WrappedContentKey []byte
	KDF               crypto.KDFParams
	Version           string
}

// VaultMaterial is the result of creating a vault: the header to persist and the content
// key, already unlocked.
type VaultMaterial struct {
	VaultHeader
	ContentKey *SecretBuffer
}

// KeyManager turns a password into the content key and back.
//
// The password derives the key encryption key (KEK) with the vault's global salt; the
// KEK wraps a random content key. The content key never changes, so changing the
// password only rewraps it. Plaintext key material outside a SecretBuffer lives in
// memguard buffers that are destroyed before the call returns.
type KeyManager struct {
	mu     sync.Mutex
	state  atomic.Int32
	active *SecretBuffer // content key handed out by the last CreateVault or Unlock
	kdf    crypto.KDFParams
	logger zerolog.Logger
}

// NewKeyManager returns a locked KeyManager. params is used for vaults it creates;
// existing vaults carry their own params in the header.
func NewKeyManager(params crypto.KDFParams, logger zerolog.Logger) *KeyManager {
	return &KeyManager{kdf: params, logger: logger}
}

func (km *KeyManager) State() State {
	return State(km.state.Load())
}

// CreateVault draws a new global salt and content key and wraps the key under password.
// The returned content key is live and the manager is unlocked.
func (km *KeyManager) CreateVault(password []byte) (*VaultMaterial, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: password cannot be empty", ErrInvalidParameters)
	}
	if err := km.kdf.Validate(); err != nil {
		return nil, err
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	salt, err := crypto.RandomString(misc.GlobalSaltLen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate global salt: %w", err)
	}

	contentKey, err := crypto.RandomBytes(misc.ContentKeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content key: %w", err)
	}
	defer memguard.WipeBytes(contentKey)
	if crypto.IsWeakKey(contentKey) {
		return nil, fmt.Errorf("generated content key failed the randomness check")
	}

	wrapped, err := km.wrap(password, salt, km.kdf, contentKey)
	if err != nil {
		return nil, err
	}

	material := &VaultMaterial{
		VaultHeader: VaultHeader{
			GlobalSalt:        salt,
			WrappedContentKey: wrapped,
			KDF:               km.kdf,
			Version:           misc.FormatVersion,
		},
		ContentKey: NewSecretBuffer(contentKey),
	}

	km.wipeActive()
	km.active = material.ContentKey
	km.state.Store(int32(StateUnlocked))
	km.logger.Debug().Str("kdf", string(km.kdf.Algorithm)).Msg("vault key material created")
	return material, nil
}

// Unlock recovers the content key. Any authentication failure, wrong password or damaged
// wrapped key alike, is reported as ErrWrongPassword and leaves the manager locked.
// A content key handed out earlier is wiped first, whatever the outcome.
func (km *KeyManager) Unlock(password []byte, header VaultHeader) (*SecretBuffer, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	km.wipeActive()
	km.state.Store(int32(StateUnlocking))
	contentKey, err := km.unwrap(password, header)
	if err != nil {
		km.state.Store(int32(StateLocked))
		return nil, err
	}

	km.active = contentKey
	km.state.Store(int32(StateUnlocked))
	return contentKey, nil
}

// Lock wipes contentKey and the content key the manager handed out, and marks the
// manager locked.
func (km *KeyManager) Lock(contentKey *SecretBuffer) {
	km.mu.Lock()
	defer km.mu.Unlock()

	contentKey.Wipe()
	km.wipeActive()
	km.state.Store(int32(StateLocked))
}

func (km *KeyManager) wipeActive() {
	km.active.Wipe()
	km.active = nil
}

// Rewrap wraps the content key, unlocked with oldPassword, under newPassword. The global
// salt and kdf params stay the same and no record is touched.
func (km *KeyManager) Rewrap(oldPassword, newPassword []byte, header VaultHeader) ([]byte, error) {
	if len(newPassword) == 0 {
		return nil, fmt.Errorf("%w: new password cannot be empty", ErrInvalidParameters)
	}

	var wrapped []byte
	err := km.WithContentKey(oldPassword, header, func(contentKey *SecretBuffer) error {
		return contentKey.Use(func(key []byte) error {
			var err error
			wrapped, err = km.wrap(newPassword, header.GlobalSalt, header.KDF, key)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

// WithContentKey unlocks the content key for the duration of fn only. The key is wiped
// when fn returns, fails or panics. The manager state is not changed.
func (km *KeyManager) WithContentKey(password []byte, header VaultHeader, fn func(contentKey *SecretBuffer) error) error {
	if fn == nil {
		return fmt.Errorf("%w: fn cannot be nil", ErrInvalidParameters)
	}

	km.mu.Lock()
	contentKey, err := km.unwrap(password, header)
	km.mu.Unlock()
	if err != nil {
		return err
	}
	defer contentKey.Wipe()

	return fn(contentKey)
}

func (km *KeyManager) unwrap(password []byte, header VaultHeader) (*SecretBuffer, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: password cannot be empty", ErrInvalidParameters)
	}
	if len(header.WrappedContentKey) == 0 {
		return nil, fmt.Errorf("%w: wrapped content key is empty", ErrInvalidParameters)
	}

	kek, err := crypto.DeriveKey(password, []byte(header.GlobalSalt), header.KDF)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key encryption key: %w", err)
	}
	defer kek.Destroy()

	plain, err := crypto.Decrypt(kek.Bytes(), header.WrappedContentKey)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			debug.Print("unwrap: wrapped content key did not authenticate\n")
			return nil, ErrWrongPassword
		}
		return nil, fmt.Errorf("failed to unwrap content key: %w", err)
	}
	if len(plain) == 0 {
		return nil, ErrWrongPassword
	}

	// NewSecretBuffer wipes plain
	return NewSecretBuffer(plain), nil
}

func (km *KeyManager) wrap(password []byte, salt string, params crypto.KDFParams, contentKey []byte) ([]byte, error) {
	kek, err := crypto.DeriveKey(password, []byte(salt), params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key encryption key: %w", err)
	}
	defer kek.Destroy()

	wrapped, err := crypto.Encrypt(kek.Bytes(), contentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap content key: %w", err)
	}
	return wrapped, nil
}
