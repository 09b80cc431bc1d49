package tome

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/awnumar/memguard"
	"southwinds.dev/tome/internal/backup"
	"southwinds.dev/tome/internal/crypto"
	"southwinds.dev/tome/internal/debug"
	"southwinds.dev/tome/internal/misc"
	"southwinds.dev/tome/persist"
	"strings"
	"time"
)

const (
	backupVersion          = "1"
	backupEncryptionMethod = "xchacha20poly1305-content-key"
)

// Backup seals a snapshot of the whole archive with a key derived from the content key
// and a fresh salt, and writes it as a backup container. The vault header travels in the
// container in the clear, so the backup opens with the archive password that was current
// when it was taken.
func (a *Archive) Backup(destination string) (string, error) {
	requestID := a.newRequestID()
	start := time.Now()

	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return "", err
	}

	snapshot, err := a.store.Snapshot()
	if err != nil {
		a.logAudit(requestID, ActionBackupCreate, err, nil)
		return "", fmt.Errorf("failed to snapshot archive: %w", err)
	}

	header, err := headerMetadata(a.header)
	if err != nil {
		a.logAudit(requestID, ActionBackupCreate, err, nil)
		return "", err
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		a.logAudit(requestID, ActionBackupCreate, err, nil)
		return "", fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	keySalt, err := NewRecordSalt()
	if err != nil {
		a.logAudit(requestID, ActionBackupCreate, err, nil)
		return "", fmt.Errorf("failed to generate backup salt: %w", err)
	}

	sealed, err := a.records.EncryptRecord(a.contentKey, keySalt, payload)
	if err != nil {
		a.logAudit(requestID, ActionBackupCreate, err, nil)
		return "", fmt.Errorf("failed to seal backup: %w", err)
	}

	recordCount := 0
	for _, r := range snapshot.Records {
		if !r.Deleted {
			recordCount++
		}
	}

	container := &persist.BackupContainer{
		BackupID:         backup.GenerateBackupID(),
		BackupTimestamp:  time.Now().UTC(),
		ArchiveVersion:   a.header.Version,
		BackupVersion:    backupVersion,
		EncryptionMethod: backupEncryptionMethod,
		Header:           header,
		KeySalt:          keySalt,
		Checksum:         crypto.CalculateChecksum(sealed),
		Data:             base64.StdEncoding.EncodeToString(sealed),
		RecordCount:      recordCount,
	}

	destination = strings.TrimSpace(destination)
	if destination == "" {
		destination = container.BackupID
	}

	if err = a.store.SaveBackup(destination, container); err != nil {
		a.logAudit(requestID, ActionBackupCreate, err, map[string]interface{}{"backup_id": container.BackupID})
		return "", fmt.Errorf("failed to save backup: %w", err)
	}

	a.logAudit(requestID, ActionBackupCreate, nil, map[string]interface{}{
		"backup_id":    container.BackupID,
		"record_count": recordCount,
		"duration_ms":  time.Since(start).Milliseconds(),
	})
	debug.Print("Backup: created %s with %d records\n", container.BackupID, recordCount)
	return container.BackupID, nil
}

// Restore replaces the archive content with a backup. The backup is opened and checked
// completely before the store is touched; the archive is locked afterwards.
func (a *Archive) Restore(ctx context.Context, backupPath string, password []byte) error {
	defer memguard.WipeBytes(password)
	requestID := a.newRequestID()

	if err := a.throttle(ctx); err != nil {
		a.logAudit(requestID, ActionBackupRestore, err, nil)
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	snapshot, backupID, err := a.openBackup(backupPath, password)
	if err != nil {
		a.logAudit(requestID, ActionBackupRestore, err, map[string]interface{}{"backup_id": backupID})
		return err
	}

	a.lockLocked()

	if err = a.store.RestoreSnapshot(snapshot); err != nil {
		a.logAudit(requestID, ActionBackupRestore, err, map[string]interface{}{"backup_id": backupID})
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}

	a.logAudit(requestID, ActionBackupRestore, nil, map[string]interface{}{
		"backup_id":    backupID,
		"record_count": len(snapshot.Records),
	})
	a.logger.Info().Str("backup_id", backupID).Msg("archive restored from backup")
	return nil
}

// openBackup loads, unseals and checks a backup container
func (a *Archive) openBackup(backupPath string, password []byte) (*persist.Snapshot, string, error) {
	container, err := a.store.RestoreBackup(backupPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load backup: %w", err)
	}

	if container.BackupVersion != backupVersion {
		return nil, container.BackupID, fmt.Errorf("unsupported backup version %q", container.BackupVersion)
	}
	if container.EncryptionMethod != backupEncryptionMethod {
		return nil, container.BackupID, fmt.Errorf("unsupported backup encryption method %q", container.EncryptionMethod)
	}

	header, err := headerFromMetadata(container.Header)
	if err != nil {
		return nil, container.BackupID, fmt.Errorf("invalid backup header: %w", err)
	}
	if err = header.KDF.Validate(); err != nil {
		return nil, container.BackupID, fmt.Errorf("invalid backup header: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(container.Data)
	if err != nil {
		return nil, container.BackupID, fmt.Errorf("invalid backup data: %w", err)
	}

	var payload []byte
	err = a.keys.WithContentKey(password, *header, func(contentKey *SecretBuffer) error {
		var err error
		payload, err = NewRecordService(header.KDF).DecryptRecord(contentKey, container.KeySalt, sealed)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDecryptionFailed) {
			return nil, container.BackupID, fmt.Errorf("backup data is damaged: %w", err)
		}
		return nil, container.BackupID, err
	}

	var snapshot persist.Snapshot
	if err = json.Unmarshal(payload, &snapshot); err != nil {
		return nil, container.BackupID, fmt.Errorf("failed to parse backup snapshot: %w", err)
	}

	// the sealed snapshot must carry the very header it was opened with
	for _, key := range []string{metaSalt, metaBlob} {
		if !bytes.Equal(snapshot.Metadata[key], container.Header[key]) {
			return nil, container.BackupID, fmt.Errorf("backup header does not match its content (%s)", key)
		}
	}
	if snapshot.Metadata == nil {
		snapshot.Metadata = map[string][]byte{}
	}
	if _, ok := snapshot.Metadata[metaVersion]; !ok {
		snapshot.Metadata[metaVersion] = []byte(misc.FormatVersion)
	}

	return &snapshot, container.BackupID, nil
}

func (a *Archive) ListBackups() ([]persist.BackupInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, ErrClosed
	}
	return a.store.ListBackups()
}

func (a *Archive) DeleteBackup(backupID string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrClosed
	}

	err := a.store.DeleteBackup(backupID)
	a.logAudit(a.newRequestID(), ActionBackupDelete, err, map[string]interface{}{"backup_id": backupID})
	return err
}
