package persist

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// validateKey validates a metadata key; keys double as file names in the filesystem store
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	if strings.Contains(key, "..") ||
		strings.Contains(key, "/") ||
		strings.Contains(key, "\\") ||
		strings.Contains(key, " ") {
		return fmt.Errorf("key contains invalid characters")
	}

	if len(key) > 100 {
		return fmt.Errorf("key too long (max 100 characters)")
	}

	return nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	return nil
}

func calculateVersion(data []byte) string {
	// MD5 of the content is the version identifier
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// selectRecords applies ListOptions to records, which must already exclude deleted entries
func selectRecords(records []*Record, options ListOptions) []*Record {
	var matched []*Record
	for _, r := range records {
		if options.GroupID != 0 && r.GroupID != options.GroupID {
			continue
		}
		if options.TagID != 0 && !containsID(r.Tags, options.TagID) {
			continue
		}
		matched = append(matched, r)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ID > matched[j].ID
	})

	if options.Offset > 0 {
		if options.Offset >= len(matched) {
			return []*Record{}
		}
		matched = matched[options.Offset:]
	}
	if options.Limit > 0 && options.Limit < len(matched) {
		matched = matched[:options.Limit]
	}
	if matched == nil {
		matched = []*Record{}
	}
	return matched
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []uint64, id uint64) []uint64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func copyRecord(r *Record) *Record {
	c := *r
	if r.Tags != nil {
		c.Tags = append([]uint64(nil), r.Tags...)
	}
	return &c
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
