// Package tome is an encrypted, local-first personal archive.
//
// Records are free-form texts, each in one group and with any number of tags. Record
// bodies are encrypted at rest with a per record key; the keys hang off a single random
// content key that is wrapped under the user's password (envelope encryption):
//
//	password + global salt  -> KEK
//	KEK                     -> unwraps the content key
//	content key + record salt -> record key -> record body
//
// Changing the password rewraps the content key and leaves every record untouched.
//
// Basic Usage:
//
//	store, err := persist.NewBoltStore("/home/me/.tome/archive.db")
//	if err != nil {
//	    return err
//	}
//	archive, err := tome.New(tome.DefaultOptions(), store, nil)
//	if err != nil {
//	    return err
//	}
//	defer archive.Close()
//
//	if err = archive.Unlock(ctx, password); err != nil {
//	    return err
//	}
//	id, err := archive.CreateRecord(persist.DefaultGroupID, "Journal", []byte("Hello"))
package tome

import (
	"context"
	"southwinds.dev/tome/audit"
	"southwinds.dev/tome/persist"
	"time"
)

type (
	Group = persist.Group
	Tag   = persist.Tag
)

// Action names written to the action log
const (
	ActionVaultInitialize = "vault_initialize"
	ActionVaultUnlock     = "vault_unlock"
	ActionVaultLock       = "vault_lock"
	ActionPasswordChange  = "password_change"
	ActionRecordCreate    = "record_create"
	ActionRecordRead      = "record_read"
	ActionRecordWrite     = "record_write"
	ActionRecordUpdate    = "record_update"
	ActionRecordDelete    = "record_delete"
	ActionGroupCreate     = "group_create"
	ActionGroupRename     = "group_rename"
	ActionGroupDelete     = "group_delete"
	ActionTagCreate       = "tag_create"
	ActionTagRename       = "tag_rename"
	ActionTagDelete       = "tag_delete"
	ActionRecordTag       = "record_tag"
	ActionRecordUntag     = "record_untag"
	ActionBackupCreate    = "backup_create"
	ActionBackupRestore   = "backup_restore"
	ActionBackupDelete    = "backup_delete"
	ActionArchiveClose    = "archive_close"
)

// RecordInfo is everything about a record except its body
type RecordInfo struct {
	ID        uint64    `json:"id"`
	GroupID   uint64    `json:"group_id"`
	Title     string    `json:"title"`
	Abstract  string    `json:"abstract,omitempty"`
	Tags      []uint64  `json:"tags,omitempty"`
	Size      int       `json:"size"` // encoded body size
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordUpdate changes the plaintext attributes of a record. Nil fields are left as they are.
type RecordUpdate struct {
	Title    *string
	Abstract *string
	GroupID  *uint64
}

// ListFilter selects records for ListRecords. Zero values match everything; results are
// newest first.
type ListFilter struct {
	GroupID uint64
	TagID   uint64
	Limit   int
	Offset  int
}

// ArchiveService is the capability a presentation layer uses.
//
// Password arguments are wiped once the call has used them. Record, group and tag
// operations require the archive to be unlocked and fail with ErrVaultLocked otherwise.
type ArchiveService interface {
	// Initialize creates the key hierarchy of a new archive and leaves it unlocked.
	// It fails with ErrVaultExists when the store already holds a vault.
	Initialize(password []byte) error

	IsInitialized() (bool, error)

	// Unlock recovers the content key. A wrong password yields ErrWrongPassword. When
	// unlock throttling is configured, Unlock waits for its turn and returns ErrThrottled
	// if ctx ends first.
	Unlock(ctx context.Context, password []byte) error

	// Lock wipes the content key. It is safe to call on a locked archive.
	Lock() error

	IsUnlocked() bool

	// ChangePassword rewraps the content key under newPassword. Records are not touched
	// and the lock state does not change.
	ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error

	// Records

	CreateRecord(groupID uint64, title string, plaintext []byte) (uint64, error)

	// ReadRecord returns the decrypted body. A body that fails to authenticate yields a
	// *RecordError wrapping ErrDecryptionFailed.
	ReadRecord(id uint64) ([]byte, error)

	// WriteRecord replaces the body of a record; its salt stays the same.
	WriteRecord(id uint64, plaintext []byte) error

	UpdateRecordInfo(id uint64, update RecordUpdate) error

	// DeleteRecord soft deletes a record and removes its tags.
	DeleteRecord(id uint64) error

	RecordInfo(id uint64) (*RecordInfo, error)

	ListRecords(filter ListFilter) ([]*RecordInfo, error)

	// Groups

	CreateGroup(name string) (*Group, error)

	RenameGroup(id uint64, name string) error

	// DeleteGroup moves the group's records to the default group, which itself cannot be
	// deleted.
	DeleteGroup(id uint64) error

	ListGroups() ([]*Group, error)

	// Tags

	CreateTag(name string) (*Tag, error)

	RenameTag(id uint64, name string) error

	DeleteTag(id uint64) error

	ListTags() ([]*Tag, error)

	TagRecord(recordID, tagID uint64) error

	UntagRecord(recordID, tagID uint64) error

	// Backups

	// Backup seals the whole archive into a backup file and returns the backup id.
	// destination is a file name in the store's backup directory or a path.
	Backup(destination string) (string, error)

	// Restore replaces the archive with a backup. password is the archive password at
	// the time of the backup. The archive is locked afterwards.
	Restore(ctx context.Context, backupPath string, password []byte) error

	ListBackups() ([]persist.BackupInfo, error)

	DeleteBackup(backupID string) error

	// Misc

	GetAudit() audit.Logger

	// SecureMemoryProtection describes how well process memory is kept out of swap
	SecureMemoryProtection() string

	// Close locks the archive and closes the action log and the store.
	Close() error
}
