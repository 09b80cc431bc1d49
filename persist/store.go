package persist

import (
	"errors"
	"fmt"
	"time"
)

// DefaultGroupID is the group every archive starts with. Records of a deleted group fall
// back to it, so it can never be deleted itself.
const DefaultGroupID uint64 = 1

const DefaultGroupName = "Default"

var (
	// ErrNotFound is returned when a record, group, tag or metadata key does not exist.
	// Soft deleted records are reported as not found.
	ErrNotFound = errors.New("not found")

	// ErrDefaultGroup is returned when trying to delete the default group.
	ErrDefaultGroup = errors.New("the default group cannot be deleted")

	// ErrInvalidName is returned for empty group or tag names.
	ErrInvalidName = errors.New("name cannot be empty")
)

// VersionedData is a metadata value together with the version used for optimistic
// concurrency control.
type VersionedData struct {
	Data      []byte
	Version   string // hash of the stored bytes
	Timestamp time.Time
}

// Record is a stored archive entry. Salt and Data are opaque to the store: Salt is the
// plaintext per record salt, Data the text-safe encoded cipher body.
type Record struct {
	ID        uint64    `json:"id"`
	GroupID   uint64    `json:"group_id"`
	Title     string    `json:"title"`
	Abstract  string    `json:"abstract,omitempty"`
	Salt      string    `json:"salt"`
	Data      string    `json:"data"`
	Tags      []uint64  `json:"tags,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Group is a named folder of records.
type Group struct {
	ID        uint64    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tag is a label that can be attached to any number of records.
type Tag struct {
	ID        uint64    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListOptions filters and pages ListRecords. Zero values mean no filter; records are
// returned newest (highest id) first.
type ListOptions struct {
	GroupID uint64
	TagID   uint64
	Limit   int
	Offset  int
}

// Snapshot is the complete persisted state of an archive. Everything in it is either
// public (salts, titles) or already encrypted (wrapped key, record bodies).
type Snapshot struct {
	Metadata map[string][]byte `json:"metadata"`
	Records  []*Record         `json:"records"`
	Groups   []*Group          `json:"groups"`
	Tags     []*Tag            `json:"tags"`
}

// Store defines the persistence contract of an archive
type Store interface {
	// Vault metadata (wrapped content key, global salt, kdf params, format version)

	// Get returns the value stored under key or ErrNotFound
	Get(key string) (*VersionedData, error)

	// Put stores value under key. A non-empty expectedVersion must match the current
	// version, otherwise a ConcurrencyError is returned.
	Put(key string, value []byte, expectedVersion string) (newVersion string, err error)

	Exists(key string) (bool, error)

	// Records

	// InsertRecord assigns a new id to the record, stores it and returns the id
	InsertRecord(record *Record) (uint64, error)

	// UpdateRecord replaces an existing, non deleted record
	UpdateRecord(record *Record) error

	GetRecord(id uint64) (*Record, error)

	ListRecords(options ListOptions) ([]*Record, error)

	// DeleteRecord soft deletes a record and drops its tag links
	DeleteRecord(id uint64) error

	// Groups

	InsertGroup(name string) (*Group, error)

	RenameGroup(id uint64, name string) error

	GetGroup(id uint64) (*Group, error)

	ListGroups() ([]*Group, error)

	// DeleteGroup removes a group and moves its records to the default group
	DeleteGroup(id uint64) error

	// Tags

	InsertTag(name string) (*Tag, error)

	RenameTag(id uint64, name string) error

	ListTags() ([]*Tag, error)

	// DeleteTag removes a tag and unlinks it from all records
	DeleteTag(id uint64) error

	LinkTag(recordID, tagID uint64) error

	UnlinkTag(recordID, tagID uint64) error

	// Backup and restore

	Snapshot() (*Snapshot, error)

	// RestoreSnapshot replaces the entire store content
	RestoreSnapshot(snapshot *Snapshot) error

	SaveBackup(backupPath string, container *BackupContainer) error

	RestoreBackup(backupPath string) (*BackupContainer, error)

	ListBackups() ([]BackupInfo, error)

	DeleteBackup(backupID string) error

	// Health and lifecycle

	Ping() error

	Close() error

	GetType() string
}

// BackupContainer is the on-disk form of a backup
type BackupContainer struct {
	BackupID         string            `json:"backup_id"`
	BackupTimestamp  time.Time         `json:"backup_timestamp"`
	ArchiveVersion   string            `json:"archive_version"`
	BackupVersion    string            `json:"backup_version"`
	EncryptionMethod string            `json:"encryption_method"`
	Header           map[string][]byte `json:"header"`   // vault metadata needed to unlock Data
	KeySalt          string            `json:"key_salt"` // salt of the key sealing Data
	Checksum         string            `json:"checksum"` // sha256 of the decoded Data
	Data             string            `json:"data"`     // base64 encoded sealed Snapshot JSON
	RecordCount      int               `json:"record_count"`
}

// BackupInfo describes a stored backup without loading its content
type BackupInfo struct {
	BackupID        string    `json:"backup_id"`
	BackupTimestamp time.Time `json:"backup_timestamp"`
	ArchiveVersion  string    `json:"archive_version"`
	BackupVersion   string    `json:"backup_version"`
	FileSize        int64     `json:"file_size"`
	IsValid         bool      `json:"is_valid"` // checksum validation result
	RecordCount     int       `json:"record_count"`
	Checksum        string    `json:"checksum"`
	StorePath       string    `json:"store_path"`
}

// StoreConfig selects and configures a store backend
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

type StoreType string

const (
	StoreTypeBolt       StoreType = "bolt"
	StoreTypeFileSystem StoreType = "filesystem"
)

type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
