package persist

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	bolt "go.etcd.io/bbolt"
	"os"
	"path/filepath"
	"southwinds.dev/tome/internal/debug"
	"southwinds.dev/tome/internal/misc"
	"time"
)

var (
	bucketMeta    = []byte("meta")
	bucketRecords = []byte("records")
	bucketGroups  = []byte("groups")
	bucketTags    = []byte("tags")

	allBuckets = [][]byte{bucketMeta, bucketRecords, bucketGroups, bucketTags}
)

// BoltStore implements Store on a single bbolt database file. Records, groups and tags
// are JSON values keyed by their big endian id; ids come from the bucket sequence.
type BoltStore struct {
	*backupFiles
	path string
	db   *bolt.DB
}

type metaEntry struct {
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBoltStore opens (or creates) the database at path and makes sure the default group exists
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt store requires a database path")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	db, err := bolt.Open(path, misc.FilePermissions, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	s := &BoltStore{
		backupFiles: &backupFiles{dir: filepath.Join(dir, "backups")},
		path:        path,
		db:          db,
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		return initBuckets(tx)
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize bolt database: %w", err)
	}

	return s, nil
}

// NewBoltStoreFromConfig creates a BoltStore from StoreConfig
func NewBoltStoreFromConfig(config StoreConfig) (*BoltStore, error) {
	path, ok := config.Config["path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("path is required for bolt store")
	}
	return NewBoltStore(path)
}

func initBuckets(tx *bolt.Tx) error {
	for _, name := range allBuckets {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}

	groups := tx.Bucket(bucketGroups)
	if groups.Get(itob(DefaultGroupID)) != nil {
		return nil
	}
	if groups.Sequence() < DefaultGroupID {
		if err := groups.SetSequence(DefaultGroupID); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	return putJSON(groups, DefaultGroupID, &Group{
		ID:        DefaultGroupID,
		Name:      DefaultGroupName,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Metadata

func (s *BoltStore) Get(key string) (*VersionedData, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var entry *metaEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		entry, err = getMeta(tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &VersionedData{
		Data:      entry.Data,
		Version:   calculateVersion(entry.Data),
		Timestamp: entry.Timestamp,
	}, nil
}

func (s *BoltStore) Put(key string, value []byte, expectedVersion string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if value == nil {
		return "", fmt.Errorf("value cannot be nil")
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if expectedVersion != "" {
			current := ""
			entry, err := getMeta(tx, key)
			if err == nil {
				current = calculateVersion(entry.Data)
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			if current != expectedVersion {
				return ConcurrencyError{
					ExpectedVersion: expectedVersion,
					ActualVersion:   current,
					Operation:       "Put " + key,
				}
			}
		}

		data, err := json.Marshal(&metaEntry{Data: value, Timestamp: time.Now().UTC()})
		if err != nil {
			return fmt.Errorf("failed to marshal metadata entry: %w", err)
		}
		return tx.Bucket(bucketMeta).Put([]byte(key), data)
	})
	if err != nil {
		return "", err
	}

	return calculateVersion(value), nil
}

func (s *BoltStore) Exists(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketMeta).Get([]byte(key)) != nil
		return nil
	})
	return exists, err
}

func getMeta(tx *bolt.Tx, key string) (*metaEntry, error) {
	raw := tx.Bucket(bucketMeta).Get([]byte(key))
	if raw == nil {
		return nil, fmt.Errorf("metadata %q: %w", key, ErrNotFound)
	}
	var entry metaEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata %q: %w", key, err)
	}
	return &entry, nil
}

// Records

func (s *BoltStore) InsertRecord(record *Record) (uint64, error) {
	if record == nil {
		return 0, fmt.Errorf("record cannot be nil")
	}

	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		groupID := record.GroupID
		if groupID == 0 {
			groupID = DefaultGroupID
		}
		if tx.Bucket(bucketGroups).Get(itob(groupID)) == nil {
			return fmt.Errorf("group %d: %w", groupID, ErrNotFound)
		}

		records := tx.Bucket(bucketRecords)
		next, err := records.NextSequence()
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		stored := copyRecord(record)
		stored.ID = next
		stored.GroupID = groupID
		stored.Deleted = false
		stored.Tags = nil
		stored.CreatedAt = now
		stored.UpdatedAt = now

		if err = putJSON(records, next, stored); err != nil {
			return err
		}
		id = next
		return nil
	})
	if err != nil {
		return 0, err
	}

	debug.Print("InsertRecord: stored record %d\n", id)
	return id, nil
}

func (s *BoltStore) UpdateRecord(record *Record) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		stored, err := getRecord(records, record.ID)
		if err != nil {
			return err
		}

		groupID := record.GroupID
		if groupID == 0 {
			groupID = stored.GroupID
		}
		if tx.Bucket(bucketGroups).Get(itob(groupID)) == nil {
			return fmt.Errorf("group %d: %w", groupID, ErrNotFound)
		}

		// salt, tags and creation time are owned by the store
		stored.GroupID = groupID
		stored.Title = record.Title
		stored.Abstract = record.Abstract
		stored.Data = record.Data
		stored.UpdatedAt = time.Now().UTC()

		return putJSON(records, stored.ID, stored)
	})
}

func (s *BoltStore) GetRecord(id uint64) (*Record, error) {
	var record *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		record, err = getRecord(tx.Bucket(bucketRecords), id)
		return err
	})
	return record, err
}

func (s *BoltStore) ListRecords(options ListOptions) ([]*Record, error) {
	var all []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			if !r.Deleted {
				all = append(all, &r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return selectRecords(all, options), nil
}

func (s *BoltStore) DeleteRecord(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		stored, err := getRecord(records, id)
		if err != nil {
			return err
		}
		stored.Deleted = true
		stored.Tags = nil
		stored.UpdatedAt = time.Now().UTC()
		return putJSON(records, id, stored)
	})
}

func getRecord(records *bolt.Bucket, id uint64) (*Record, error) {
	raw := records.Get(itob(id))
	if raw == nil {
		return nil, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %d: %w", id, err)
	}
	if r.Deleted {
		return nil, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return &r, nil
}

// Groups

func (s *BoltStore) InsertGroup(name string) (*Group, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	var group *Group
	err := s.db.Update(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketGroups)
		id, err := groups.NextSequence()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		group = &Group{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}
		return putJSON(groups, id, group)
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (s *BoltStore) RenameGroup(id uint64, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketGroups)
		var group Group
		if err := getJSON(groups, id, &group); err != nil {
			return fmt.Errorf("group %d: %w", id, err)
		}
		group.Name = name
		group.UpdatedAt = time.Now().UTC()
		return putJSON(groups, id, &group)
	})
}

func (s *BoltStore) GetGroup(id uint64) (*Group, error) {
	var group Group
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := getJSON(tx.Bucket(bucketGroups), id, &group); err != nil {
			return fmt.Errorf("group %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) ListGroups() ([]*Group, error) {
	groups := []*Group{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(_, v []byte) error {
			var g Group
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			groups = append(groups, &g)
			return nil
		})
	})
	return groups, err
}

func (s *BoltStore) DeleteGroup(id uint64) error {
	if id == DefaultGroupID {
		return ErrDefaultGroup
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketGroups)
		if groups.Get(itob(id)) == nil {
			return fmt.Errorf("group %d: %w", id, ErrNotFound)
		}

		records := tx.Bucket(bucketRecords)
		moved := make(map[uint64]*Record)
		err := records.ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.GroupID == id {
				r.GroupID = DefaultGroupID
				moved[r.ID] = &r
			}
			return nil
		})
		if err != nil {
			return err
		}
		// bucket writes are not allowed while iterating
		for rid, r := range moved {
			if err = putJSON(records, rid, r); err != nil {
				return err
			}
		}

		return groups.Delete(itob(id))
	})
}

// Tags

func (s *BoltStore) InsertTag(name string) (*Tag, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	var tag *Tag
	err := s.db.Update(func(tx *bolt.Tx) error {
		tags := tx.Bucket(bucketTags)
		id, err := tags.NextSequence()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		tag = &Tag{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}
		return putJSON(tags, id, tag)
	})
	if err != nil {
		return nil, err
	}
	return tag, nil
}

func (s *BoltStore) RenameTag(id uint64, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		tags := tx.Bucket(bucketTags)
		var tag Tag
		if err := getJSON(tags, id, &tag); err != nil {
			return fmt.Errorf("tag %d: %w", id, err)
		}
		tag.Name = name
		tag.UpdatedAt = time.Now().UTC()
		return putJSON(tags, id, &tag)
	})
}

func (s *BoltStore) ListTags() ([]*Tag, error) {
	tags := []*Tag{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTags).ForEach(func(_, v []byte) error {
			var t Tag
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tags = append(tags, &t)
			return nil
		})
	})
	return tags, err
}

func (s *BoltStore) DeleteTag(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tags := tx.Bucket(bucketTags)
		if tags.Get(itob(id)) == nil {
			return fmt.Errorf("tag %d: %w", id, ErrNotFound)
		}

		records := tx.Bucket(bucketRecords)
		unlinked := make(map[uint64]*Record)
		err := records.ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if containsID(r.Tags, id) {
				r.Tags = removeID(r.Tags, id)
				unlinked[r.ID] = &r
			}
			return nil
		})
		if err != nil {
			return err
		}
		for rid, r := range unlinked {
			if err = putJSON(records, rid, r); err != nil {
				return err
			}
		}

		return tags.Delete(itob(id))
	})
}

func (s *BoltStore) LinkTag(recordID, tagID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTags).Get(itob(tagID)) == nil {
			return fmt.Errorf("tag %d: %w", tagID, ErrNotFound)
		}
		records := tx.Bucket(bucketRecords)
		r, err := getRecord(records, recordID)
		if err != nil {
			return err
		}
		if containsID(r.Tags, tagID) {
			return nil
		}
		r.Tags = append(r.Tags, tagID)
		return putJSON(records, recordID, r)
	})
}

func (s *BoltStore) UnlinkTag(recordID, tagID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		r, err := getRecord(records, recordID)
		if err != nil {
			return err
		}
		if !containsID(r.Tags, tagID) {
			return nil
		}
		r.Tags = removeID(r.Tags, tagID)
		return putJSON(records, recordID, r)
	})
}

// Backup and restore

func (s *BoltStore) Snapshot() (*Snapshot, error) {
	snapshot := &Snapshot{
		Metadata: make(map[string][]byte),
		Records:  []*Record{},
		Groups:   []*Group{},
		Tags:     []*Tag{},
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			var entry metaEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			snapshot.Metadata[string(k)] = entry.Data
			return nil
		})
		if err != nil {
			return err
		}

		if err = tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			snapshot.Records = append(snapshot.Records, &r)
			return nil
		}); err != nil {
			return err
		}

		if err = tx.Bucket(bucketGroups).ForEach(func(_, v []byte) error {
			var g Group
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			snapshot.Groups = append(snapshot.Groups, &g)
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketTags).ForEach(func(_, v []byte) error {
			var t Tag
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			snapshot.Tags = append(snapshot.Tags, &t)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *BoltStore) RestoreSnapshot(snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("failed to clear bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		now := time.Now().UTC()
		meta := tx.Bucket(bucketMeta)
		for k, v := range snapshot.Metadata {
			data, err := json.Marshal(&metaEntry{Data: v, Timestamp: now})
			if err != nil {
				return err
			}
			if err = meta.Put([]byte(k), data); err != nil {
				return err
			}
		}

		records := tx.Bucket(bucketRecords)
		var maxID uint64
		for _, r := range snapshot.Records {
			if err := putJSON(records, r.ID, r); err != nil {
				return err
			}
			maxID = max(maxID, r.ID)
		}
		if err := records.SetSequence(maxID); err != nil {
			return err
		}

		groups := tx.Bucket(bucketGroups)
		maxID = 0
		for _, g := range snapshot.Groups {
			if err := putJSON(groups, g.ID, g); err != nil {
				return err
			}
			maxID = max(maxID, g.ID)
		}
		if err := groups.SetSequence(maxID); err != nil {
			return err
		}

		tags := tx.Bucket(bucketTags)
		maxID = 0
		for _, t := range snapshot.Tags {
			if err := putJSON(tags, t.ID, t); err != nil {
				return err
			}
			maxID = max(maxID, t.ID)
		}
		if err := tags.SetSequence(maxID); err != nil {
			return err
		}

		return initBuckets(tx)
	})
}

func (s *BoltStore) GetType() string {
	return string(StoreTypeBolt)
}

// Health and utilities

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMeta) == nil {
			return fmt.Errorf("bolt store %s is not initialized", s.path)
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func putJSON(b *bolt.Bucket, id uint64, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value %d: %w", id, err)
	}
	return b.Put(itob(id), data)
}

func getJSON(b *bolt.Bucket, id uint64, v interface{}) error {
	raw := b.Get(itob(id))
	if raw == nil {
		return ErrNotFound
	}
	return json.Unmarshal(raw, v)
}
