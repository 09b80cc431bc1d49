package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"southwinds.dev/tome/internal/debug"
	"southwinds.dev/tome/internal/misc"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FileSystemStore implements Store as a directory of small JSON files with atomic writes
// and content hash versions. Layout:
//
//	basePath/archive.json      - store config and id counters
//	basePath/meta/<key>        - raw metadata values
//	basePath/records/<id>.json - one file per record
//	basePath/groups.json
//	basePath/tags.json
//	basePath/backups/
type FileSystemStore struct {
	*backupFiles
	mu sync.Mutex

	basePath   string
	metaDir    string
	recordsDir string
	configPath string
	groupsPath string
	tagsPath   string
}

// ArchiveConfig is the store configuration kept in archive.json
type ArchiveConfig struct {
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccess   time.Time `json:"last_access"`
	Structure    string    `json:"structure_version"`
	NextRecordID uint64    `json:"next_record_id"`
	NextGroupID  uint64    `json:"next_group_id"`
	NextTagID    uint64    `json:"next_tag_id"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := &FileSystemStore{
		backupFiles: &backupFiles{dir: filepath.Join(basePath, "backups")},
		basePath:    basePath,
		metaDir:     filepath.Join(basePath, "meta"),
		recordsDir:  filepath.Join(basePath, "records"),
		configPath:  filepath.Join(basePath, "archive.json"),
		groupsPath:  filepath.Join(basePath, "groups.json"),
		tagsPath:    filepath.Join(basePath, "tags.json"),
	}

	dirs := []string{
		fs.basePath,
		fs.metaDir,
		fs.recordsDir,
		fs.backupFiles.dir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize archive config: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) initialize() error {
	exists, err := fileExists(fs.configPath)
	if err != nil {
		return err
	}
	if !exists {
		now := time.Now().UTC()
		config := &ArchiveConfig{
			Version:      "1.0.0",
			CreatedAt:    now,
			LastAccess:   now,
			Structure:    "v1",
			NextRecordID: 1,
			NextGroupID:  DefaultGroupID,
			NextTagID:    1,
		}
		if err = fs.saveConfig(config); err != nil {
			return err
		}
	}
	return fs.ensureDefaultGroup()
}

func (fs *FileSystemStore) ensureDefaultGroup() error {
	groups, err := fs.loadGroups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.ID == DefaultGroupID {
			return nil
		}
	}

	config, err := fs.loadConfig()
	if err != nil {
		return err
	}
	if config.NextGroupID <= DefaultGroupID {
		config.NextGroupID = DefaultGroupID + 1
		if err = fs.saveConfig(config); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	groups = append(groups, &Group{ID: DefaultGroupID, Name: DefaultGroupName, CreatedAt: now, UpdatedAt: now})
	return fs.saveGroups(groups)
}

// Metadata

func (fs *FileSystemStore) Get(key string) (*VersionedData, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	path := filepath.Join(fs.metaDir, key)

	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("metadata %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat metadata %q: %w", key, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata %q: %w", key, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

// Put with optimistic concurrency control
func (fs *FileSystemStore) Put(key string, value []byte, expectedVersion string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if value == nil {
		return "", fmt.Errorf("value cannot be nil")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := filepath.Join(fs.metaDir, key)
	if expectedVersion != "" {
		currentVersion, err := getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "Put " + key,
			}
		}
	}

	if err := writeSecureFile(path, value, misc.FilePermissions); err != nil {
		return "", err
	}

	return calculateVersion(value), nil
}

func (fs *FileSystemStore) Exists(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	return fileExists(filepath.Join(fs.metaDir, key))
}

// Records

func (fs *FileSystemStore) InsertRecord(record *Record) (uint64, error) {
	if record == nil {
		return 0, fmt.Errorf("record cannot be nil")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	groupID := record.GroupID
	if groupID == 0 {
		groupID = DefaultGroupID
	}
	if _, err := fs.findGroup(groupID); err != nil {
		return 0, err
	}

	config, err := fs.loadConfig()
	if err != nil {
		return 0, err
	}
	id := config.NextRecordID
	config.NextRecordID++

	now := time.Now().UTC()
	stored := copyRecord(record)
	stored.ID = id
	stored.GroupID = groupID
	stored.Deleted = false
	stored.Tags = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now

	// the counter moves first so a failed record write never reuses an id
	if err = fs.saveConfig(config); err != nil {
		return 0, err
	}
	if err = fs.saveRecord(stored); err != nil {
		return 0, err
	}

	debug.Print("InsertRecord: stored record %d in %s\n", id, fs.recordsDir)
	return id, nil
}

func (fs *FileSystemStore) UpdateRecord(record *Record) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	stored, err := fs.loadRecord(record.ID)
	if err != nil {
		return err
	}

	groupID := record.GroupID
	if groupID == 0 {
		groupID = stored.GroupID
	}
	if _, err = fs.findGroup(groupID); err != nil {
		return err
	}

	stored.GroupID = groupID
	stored.Title = record.Title
	stored.Abstract = record.Abstract
	stored.Data = record.Data
	stored.UpdatedAt = time.Now().UTC()

	return fs.saveRecord(stored)
}

func (fs *FileSystemStore) GetRecord(id uint64) (*Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.loadRecord(id)
}

func (fs *FileSystemStore) ListRecords(options ListOptions) ([]*Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	all, err := fs.loadAllRecords()
	if err != nil {
		return nil, err
	}

	live := make([]*Record, 0, len(all))
	for _, r := range all {
		if !r.Deleted {
			live = append(live, r)
		}
	}
	return selectRecords(live, options), nil
}

func (fs *FileSystemStore) DeleteRecord(id uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	stored, err := fs.loadRecord(id)
	if err != nil {
		return err
	}
	stored.Deleted = true
	stored.Tags = nil
	stored.UpdatedAt = time.Now().UTC()
	return fs.saveRecord(stored)
}

func (fs *FileSystemStore) recordPath(id uint64) string {
	return filepath.Join(fs.recordsDir, strconv.FormatUint(id, 10)+".json")
}

func (fs *FileSystemStore) loadRecord(id uint64) (*Record, error) {
	r, err := fs.readRecordFile(fs.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("record %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if r.Deleted {
		return nil, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return r, nil
}

func (fs *FileSystemStore) readRecordFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Record
	if err = json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", filepath.Base(path), err)
	}
	return &r, nil
}

func (fs *FileSystemStore) saveRecord(r *Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %d: %w", r.ID, err)
	}
	return writeSecureFile(fs.recordPath(r.ID), data, misc.FilePermissions)
}

// loadAllRecords returns every record file, deleted ones included
func (fs *FileSystemStore) loadAllRecords() ([]*Record, error) {
	entries, err := os.ReadDir(fs.recordsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read records directory: %w", err)
	}

	records := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		r, err := fs.readRecordFile(filepath.Join(fs.recordsDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// Groups

func (fs *FileSystemStore) InsertGroup(name string) (*Group, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	config, err := fs.loadConfig()
	if err != nil {
		return nil, err
	}
	groups, err := fs.loadGroups()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	group := &Group{ID: config.NextGroupID, Name: name, CreatedAt: now, UpdatedAt: now}
	config.NextGroupID++

	if err = fs.saveConfig(config); err != nil {
		return nil, err
	}
	if err = fs.saveGroups(append(groups, group)); err != nil {
		return nil, err
	}
	return group, nil
}

func (fs *FileSystemStore) RenameGroup(id uint64, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	groups, err := fs.loadGroups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.ID == id {
			g.Name = name
			g.UpdatedAt = time.Now().UTC()
			return fs.saveGroups(groups)
		}
	}
	return fmt.Errorf("group %d: %w", id, ErrNotFound)
}

func (fs *FileSystemStore) GetGroup(id uint64) (*Group, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.findGroup(id)
}

func (fs *FileSystemStore) ListGroups() ([]*Group, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.loadGroups()
}

func (fs *FileSystemStore) DeleteGroup(id uint64) error {
	if id == DefaultGroupID {
		return ErrDefaultGroup
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	groups, err := fs.loadGroups()
	if err != nil {
		return err
	}
	idx := -1
	for i, g := range groups {
		if g.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("group %d: %w", id, ErrNotFound)
	}

	records, err := fs.loadAllRecords()
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.GroupID == id {
			r.GroupID = DefaultGroupID
			if err = fs.saveRecord(r); err != nil {
				return err
			}
		}
	}

	return fs.saveGroups(append(groups[:idx], groups[idx+1:]...))
}

func (fs *FileSystemStore) findGroup(id uint64) (*Group, error) {
	groups, err := fs.loadGroups()
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, fmt.Errorf("group %d: %w", id, ErrNotFound)
}

func (fs *FileSystemStore) loadGroups() ([]*Group, error) {
	groups := []*Group{}
	if err := readJSONFile(fs.groupsPath, &groups); err != nil {
		return nil, fmt.Errorf("failed to load groups: %w", err)
	}
	return groups, nil
}

func (fs *FileSystemStore) saveGroups(groups []*Group) error {
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return writeJSONFile(fs.groupsPath, groups)
}

// Tags

func (fs *FileSystemStore) InsertTag(name string) (*Tag, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	config, err := fs.loadConfig()
	if err != nil {
		return nil, err
	}
	tags, err := fs.loadTags()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tag := &Tag{ID: config.NextTagID, Name: name, CreatedAt: now, UpdatedAt: now}
	config.NextTagID++

	if err = fs.saveConfig(config); err != nil {
		return nil, err
	}
	if err = fs.saveTags(append(tags, tag)); err != nil {
		return nil, err
	}
	return tag, nil
}

func (fs *FileSystemStore) RenameTag(id uint64, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	tags, err := fs.loadTags()
	if err != nil {
		return err
	}
	for _, t := range tags {
		if t.ID == id {
			t.Name = name
			t.UpdatedAt = time.Now().UTC()
			return fs.saveTags(tags)
		}
	}
	return fmt.Errorf("tag %d: %w", id, ErrNotFound)
}

func (fs *FileSystemStore) ListTags() ([]*Tag, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.loadTags()
}

func (fs *FileSystemStore) DeleteTag(id uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	tags, err := fs.loadTags()
	if err != nil {
		return err
	}
	idx := -1
	for i, t := range tags {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}

	records, err := fs.loadAllRecords()
	if err != nil {
		return err
	}
	for _, r := range records {
		if containsID(r.Tags, id) {
			r.Tags = removeID(r.Tags, id)
			if err = fs.saveRecord(r); err != nil {
				return err
			}
		}
	}

	return fs.saveTags(append(tags[:idx], tags[idx+1:]...))
}

func (fs *FileSystemStore) LinkTag(recordID, tagID uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := fs.findTag(tagID); err != nil {
		return err
	}
	r, err := fs.loadRecord(recordID)
	if err != nil {
		return err
	}
	if containsID(r.Tags, tagID) {
		return nil
	}
	r.Tags = append(r.Tags, tagID)
	return fs.saveRecord(r)
}

func (fs *FileSystemStore) UnlinkTag(recordID, tagID uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	r, err := fs.loadRecord(recordID)
	if err != nil {
		return err
	}
	if !containsID(r.Tags, tagID) {
		return nil
	}
	r.Tags = removeID(r.Tags, tagID)
	return fs.saveRecord(r)
}

func (fs *FileSystemStore) findTag(id uint64) (*Tag, error) {
	tags, err := fs.loadTags()
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tag %d: %w", id, ErrNotFound)
}

func (fs *FileSystemStore) loadTags() ([]*Tag, error) {
	tags := []*Tag{}
	if err := readJSONFile(fs.tagsPath, &tags); err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}
	return tags, nil
}

func (fs *FileSystemStore) saveTags(tags []*Tag) error {
	sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })
	return writeJSONFile(fs.tagsPath, tags)
}

// Backup and restore

func (fs *FileSystemStore) Snapshot() (*Snapshot, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	snapshot := &Snapshot{Metadata: make(map[string][]byte)}

	entries, err := os.ReadDir(fs.metaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".tmp-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.metaDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata %q: %w", entry.Name(), err)
		}
		snapshot.Metadata[entry.Name()] = data
	}

	if snapshot.Records, err = fs.loadAllRecords(); err != nil {
		return nil, err
	}
	if snapshot.Groups, err = fs.loadGroups(); err != nil {
		return nil, err
	}
	if snapshot.Tags, err = fs.loadTags(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (fs *FileSystemStore) RestoreSnapshot(snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	for key := range snapshot.Metadata {
		if err := validateKey(key); err != nil {
			return fmt.Errorf("invalid metadata key in snapshot: %w", err)
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, dir := range []string{fs.metaDir, fs.recordsDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clear %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	for key, value := range snapshot.Metadata {
		if err := writeSecureFile(filepath.Join(fs.metaDir, key), value, misc.FilePermissions); err != nil {
			return err
		}
	}

	config, err := fs.loadConfig()
	if err != nil {
		return err
	}
	config.NextRecordID, config.NextGroupID, config.NextTagID = 1, DefaultGroupID+1, 1

	for _, r := range snapshot.Records {
		if err = fs.saveRecord(r); err != nil {
			return err
		}
		config.NextRecordID = max(config.NextRecordID, r.ID+1)
	}

	groups := snapshot.Groups
	if groups == nil {
		groups = []*Group{}
	}
	for _, g := range groups {
		config.NextGroupID = max(config.NextGroupID, g.ID+1)
	}
	tags := snapshot.Tags
	if tags == nil {
		tags = []*Tag{}
	}
	for _, t := range tags {
		config.NextTagID = max(config.NextTagID, t.ID+1)
	}

	if err = fs.saveGroups(groups); err != nil {
		return err
	}
	if err = fs.saveTags(tags); err != nil {
		return err
	}
	if err = fs.saveConfig(config); err != nil {
		return err
	}
	return fs.ensureDefaultGroup()
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Health and utilities

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.configPath)
	return err
}

func (fs *FileSystemStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if config, err := fs.loadConfig(); err == nil {
		config.LastAccess = time.Now().UTC()
		_ = fs.saveConfig(config)
	}
	return nil
}

func (fs *FileSystemStore) loadConfig() (*ArchiveConfig, error) {
	var config ArchiveConfig
	if err := readJSONFile(fs.configPath, &config); err != nil {
		return nil, fmt.Errorf("failed to load archive config: %w", err)
	}
	return &config, nil
}

func (fs *FileSystemStore) saveConfig(config *ArchiveConfig) error {
	return writeJSONFile(fs.configPath, config)
}

func getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // file doesn't exist, version is empty
		}
		return "", err
	}
	return calculateVersion(data), nil
}

// readJSONFile leaves v untouched when the file does not exist
func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeSecureFile(path, data, misc.FilePermissions)
}
