package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// vaultAccessActions are the actions matched by QueryOptions.VaultAccess
var vaultAccessActions = []string{
	"vault_initialize",
	"vault_unlock",
	"vault_lock",
	"password_change",
	"backup_restore",
}

type FileLogger struct {
	file       *os.File
	mu         sync.RWMutex
	config     *Config
	eventCache []Event // recent events, newest last
	cacheSize  int
	fileOpts   FileOptions
	written    int64 // bytes in the current file
}

type FileOptions struct {
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size,omitempty"`    // max size in MB before rotation
	MaxBackups int    `json:"max_backups,omitempty"` // rotated files kept
}

// NewFileLogger creates a new JSONL action log
func NewFileLogger(config *Config) (*FileLogger, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}

	if fileOpts.MaxSize == 0 {
		fileOpts.MaxSize = 10
	}
	if fileOpts.MaxBackups == 0 {
		fileOpts.MaxBackups = 5
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	logger := &FileLogger{
		config:     config,
		fileOpts:   fileOpts,
		eventCache: make([]Event, 0),
		cacheSize:  1000,
	}
	if err := logger.ensureFileOpen(); err != nil {
		return nil, err
	}

	return logger, nil
}

// Log implements the Logger interface
func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return fl.writeEvent(newEvent(action, success, fl.config.UserID, metadata))
}

// writeEvent appends an event to the log file in JSONL format and updates the cache
func (fl *FileLogger) writeEvent(event Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	// the file may have been closed by an archive that shared this logger
	if err := fl.ensureFileOpen(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}
	line := append(eventJSON, '\n')

	if err = fl.rotateIfNeeded(int64(len(line))); err != nil {
		return err
	}

	n, err := fl.file.Write(line)
	fl.written += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.updateCache(event)
	return nil
}

// rotateIfNeeded shifts audit.log to audit.log.1, audit.log.1 to audit.log.2 and so on
// when the next write would exceed MaxSize. The oldest file beyond MaxBackups is removed.
func (fl *FileLogger) rotateIfNeeded(next int64) error {
	limit := int64(fl.fileOpts.MaxSize) * 1024 * 1024
	if fl.written == 0 || fl.written+next <= limit {
		return nil
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}
	fl.file = nil

	base := fl.fileOpts.FilePath
	_ = os.Remove(fmt.Sprintf("%s.%d", base, fl.fileOpts.MaxBackups))
	for i := fl.fileOpts.MaxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", base, i)
		if _, err := os.Stat(from); err == nil {
			if err = os.Rename(from, fmt.Sprintf("%s.%d", base, i+1)); err != nil {
				return fmt.Errorf("failed to rotate audit log: %w", err)
			}
		}
	}
	if err := os.Rename(base, base+".1"); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	return fl.ensureFileOpen()
}

// updateCache adds event to cache and maintains size limit
func (fl *FileLogger) updateCache(event Event) {
	fl.eventCache = append(fl.eventCache, event)

	if len(fl.eventCache) > fl.cacheSize {
		fl.eventCache = fl.eventCache[len(fl.eventCache)-fl.cacheSize:]
	}
}

// Query implements the Logger interface
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if fl.canUseCacheForQuery(options) {
		return fl.queryFromCache(options), nil
	}

	return fl.queryFromFile(options)
}

// canUseCacheForQuery reports whether the cache covers the requested time range
func (fl *FileLogger) canUseCacheForQuery(options QueryOptions) bool {
	if len(fl.eventCache) == 0 {
		return false
	}

	// without a lower bound the cache might not have all data
	if options.Since == nil {
		return false
	}

	oldestCached := fl.eventCache[0].Timestamp
	return !options.Since.Before(oldestCached)
}

func (fl *FileLogger) queryFromCache(options QueryOptions) QueryResult {
	var filtered []Event
	for _, event := range fl.eventCache {
		if matchesFilter(event, options) {
			filtered = append(filtered, event)
		}
	}
	return paginate(filtered, len(fl.eventCache), options)
}

func (fl *FileLogger) queryFromFile(options QueryOptions) (QueryResult, error) {
	files, err := fl.getAuditLogFiles()
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to get audit log files: %w", err)
	}

	var allEvents []Event
	totalCount := 0

	for _, filePath := range files {
		events, count, err := readEventsFromFile(filePath, options)
		if err != nil {
			return QueryResult{}, fmt.Errorf("failed to read events from %s: %w", filePath, err)
		}
		allEvents = append(allEvents, events...)
		totalCount += count
	}

	return paginate(allEvents, totalCount, options), nil
}

// paginate sorts newest first and applies offset and limit
func paginate(events []Event, totalCount int, options QueryOptions) QueryResult {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})

	start := min(options.Offset, len(events))
	end := len(events)
	if options.Limit > 0 {
		end = min(start+options.Limit, len(events))
	}

	page := make([]Event, end-start)
	copy(page, events[start:end])

	return QueryResult{
		Events:     page,
		TotalCount: totalCount,
		Filtered:   len(events),
		HasMore:    end < len(events),
	}
}

// getAuditLogFiles returns the current log file followed by its rotated files
func (fl *FileLogger) getAuditLogFiles() ([]string, error) {
	base := fl.fileOpts.FilePath
	files := []string{}

	if _, err := os.Stat(base); err == nil {
		files = append(files, base)
	}

	matches, err := filepath.Glob(base + ".*")
	if err != nil {
		return files, nil
	}
	sort.Strings(matches)
	return append(files, matches...), nil
}

// readEventsFromFile reads and filters events from a specific file
func readEventsFromFile(filePath string, options QueryOptions) ([]Event, int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var events []Event
	totalCount := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		totalCount++

		var event Event
		if err = json.Unmarshal([]byte(line), &event); err != nil {
			// skip damaged lines
			continue
		}

		if matchesFilter(event, options) {
			events = append(events, event)
		}
	}

	if err = scanner.Err(); err != nil {
		return events, totalCount, fmt.Errorf("error reading audit log file: %w", err)
	}

	return events, totalCount, nil
}

// matchesFilter checks if an event matches the query filters
func matchesFilter(event Event, options QueryOptions) bool {
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}

	if options.Action != "" && event.Action != options.Action {
		return false
	}

	if options.Success != nil && event.Success != *options.Success {
		return false
	}

	if options.RecordID != 0 && event.RecordID != options.RecordID {
		return false
	}

	if options.VaultAccess {
		action := strings.ToLower(event.Action)
		for _, a := range vaultAccessActions {
			if action == a {
				return true
			}
		}
		return false
	}

	return true
}

// Close implements the Logger interface
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		err := fl.file.Close()
		fl.file = nil
		return err
	}
	return nil
}

func (fl *FileLogger) ensureFileOpen() error {
	if fl.file != nil {
		return nil
	}

	file, err := os.OpenFile(fl.fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}

	fl.file = file
	fl.written = info.Size()
	return nil
}

func generateEventID() string {
	return uuid.NewString()
}

// Since returns the instant d ago, for QueryOptions.Since
func Since(d time.Duration) *time.Time {
	t := time.Now().UTC().Add(-d)
	return &t
}
