package tome

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	mrand "math/rand"
	"southwinds.dev/tome/internal/crypto"
	"southwinds.dev/tome/internal/misc"
	"southwinds.dev/tome/persist"
	"time"
)

// metadata keys holding the vault header
const (
	metaSalt    = "salt"
	metaBlob    = "blob"
	metaKDF     = "kdf"
	metaVersion = "version"
)

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
	maxDelay   = 500 * time.Millisecond
)

// RetryConfig configures retry behavior for concurrent metadata writes
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// loadHeader reads the vault header from the store. A store without salt or wrapped key
// is not initialized; a vault without persisted kdf params predates them and uses the
// defaults.
func (a *Archive) loadHeader() (*VaultHeader, error) {
	salt, err := a.getMetadata(metaSalt)
	if err != nil {
		return nil, err
	}
	blob, err := a.getMetadata(metaBlob)
	if err != nil {
		return nil, err
	}

	wrapped, err := base64.StdEncoding.DecodeString(string(blob))
	if err != nil {
		// undecodable is as good as unauthenticated
		return nil, ErrWrongPassword
	}

	header := &VaultHeader{
		GlobalSalt:        string(salt),
		WrappedContentKey: wrapped,
		KDF:               crypto.DefaultKDFParams(),
		Version:           misc.FormatVersion,
	}

	if raw, err := a.getMetadata(metaKDF); err == nil {
		if err = json.Unmarshal(raw, &header.KDF); err != nil {
			return nil, fmt.Errorf("failed to parse kdf params: %w", err)
		}
		if err = header.KDF.Validate(); err != nil {
			return nil, fmt.Errorf("invalid persisted kdf params: %w", err)
		}
	} else if !errors.Is(err, ErrNotInitialized) {
		return nil, err
	}

	if raw, err := a.getMetadata(metaVersion); err == nil {
		header.Version = string(raw)
	} else if !errors.Is(err, ErrNotInitialized) {
		return nil, err
	}

	return header, nil
}

// getMetadata maps a missing key to ErrNotInitialized
func (a *Archive) getMetadata(key string) ([]byte, error) {
	data, err := a.store.Get(key)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to read %s metadata: %w", key, err)
	}
	return data.Data, nil
}

// saveHeader persists a header. The wrapped key goes last: a store is initialized only
// once both salt and wrapped key exist.
func (a *Archive) saveHeader(header *VaultHeader) error {
	kdf, err := json.Marshal(header.KDF)
	if err != nil {
		return fmt.Errorf("failed to serialize kdf params: %w", err)
	}

	entries := []struct {
		key   string
		value []byte
	}{
		{metaVersion, []byte(header.Version)},
		{metaKDF, kdf},
		{metaSalt, []byte(header.GlobalSalt)},
		{metaBlob, []byte(base64.StdEncoding.EncodeToString(header.WrappedContentKey))},
	}
	for _, e := range entries {
		if err = a.putMetadataWithRetry(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

// headerMetadata is the header in its persisted form, as stored in backups
func headerMetadata(header *VaultHeader) (map[string][]byte, error) {
	kdf, err := json.Marshal(header.KDF)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize kdf params: %w", err)
	}
	return map[string][]byte{
		metaVersion: []byte(header.Version),
		metaKDF:     kdf,
		metaSalt:    []byte(header.GlobalSalt),
		metaBlob:    []byte(base64.StdEncoding.EncodeToString(header.WrappedContentKey)),
	}, nil
}

// headerFromMetadata is the inverse of headerMetadata
func headerFromMetadata(metadata map[string][]byte) (*VaultHeader, error) {
	salt, ok := metadata[metaSalt]
	if !ok || len(salt) == 0 {
		return nil, fmt.Errorf("missing global salt")
	}
	blob, ok := metadata[metaBlob]
	if !ok || len(blob) == 0 {
		return nil, fmt.Errorf("missing wrapped content key")
	}
	wrapped, err := base64.StdEncoding.DecodeString(string(blob))
	if err != nil {
		return nil, fmt.Errorf("invalid wrapped content key: %w", err)
	}

	header := &VaultHeader{
		GlobalSalt:        string(salt),
		WrappedContentKey: wrapped,
		KDF:               crypto.DefaultKDFParams(),
		Version:           misc.FormatVersion,
	}
	if raw, ok := metadata[metaKDF]; ok {
		if err = json.Unmarshal(raw, &header.KDF); err != nil {
			return nil, fmt.Errorf("failed to parse kdf params: %w", err)
		}
	}
	if v, ok := metadata[metaVersion]; ok {
		header.Version = string(v)
	}
	return header, nil
}

// putMetadataWithRetry writes key against its current version and retries on conflicts
func (a *Archive) putMetadataWithRetry(key string, value []byte) error {
	return a.withRetry("put_"+key, func() error {
		expected := ""
		current, err := a.store.Get(key)
		if err == nil {
			expected = current.Version
		} else if !errors.Is(err, persist.ErrNotFound) {
			return err
		}
		_, err = a.store.Put(key, value, expected)
		return err
	})
}

// withRetry executes an operation with exponential backoff retry on concurrency conflicts
func (a *Archive) withRetry(operation string, fn func() error) error {
	config := DefaultRetryConfig()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var concErr interface{ IsConcurrencyError() bool }
		if !errors.As(err, &concErr) || !concErr.IsConcurrencyError() {
			return err
		}

		if attempt == config.MaxRetries {
			return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
				operation, config.MaxRetries+1, err)
		}

		delay := config.BaseDelay * (1 << attempt)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
		// 25% jitter
		delay += time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))

		a.logger.Debug().Str("operation", operation).Int("attempt", attempt+1).Msg("retrying after version conflict")
		time.Sleep(delay)
	}

	return fmt.Errorf("operation %s failed", operation)
}

func (a *Archive) logAudit(requestID, action string, err error, metadata map[string]interface{}) {
	if a.audit == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	metadata["user_id"] = a.userID
	metadata["request_id"] = requestID

	success := err == nil
	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := a.audit.Log(action, success, metadata); auditErr != nil {
		a.logger.Error().Err(auditErr).Str("action", action).Msg("audit logging failed")
	}
}

func (a *Archive) newRequestID() string {
	return uuid.NewString()
}
