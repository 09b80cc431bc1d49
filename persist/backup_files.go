package persist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"southwinds.dev/tome/internal/crypto"
	"southwinds.dev/tome/internal/debug"
	"southwinds.dev/tome/internal/misc"
	"strings"
)

const backupExt = ".tome"

// backupFiles manages backup containers stored as files in a directory. Both store
// backends keep their backups this way.
type backupFiles struct {
	dir string
}

func (b *backupFiles) SaveBackup(backupPath string, container *BackupContainer) error {
	debug.Print("SaveBackup: called with backupPath: %s\n", backupPath)

	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}

	backupPath = strings.TrimSpace(backupPath)
	if backupPath == "" {
		return fmt.Errorf("backup path cannot be empty or whitespace-only")
	}
	if strings.ContainsAny(backupPath, "\x00") {
		return fmt.Errorf("backup path contains invalid characters")
	}

	backupPath = filepath.Clean(backupPath)

	// simple file names go to the store's backup directory
	if !filepath.IsAbs(backupPath) && !strings.Contains(backupPath, string(os.PathSeparator)) {
		backupPath = filepath.Join(b.dir, backupPath)
	}

	if !strings.HasSuffix(backupPath, backupExt) {
		backupPath += backupExt
	}

	if stat, err := os.Stat(backupPath); err == nil && stat.IsDir() {
		return fmt.Errorf("cannot create backup file %s: path is an existing directory", backupPath)
	}

	if err := validateBackupPath(backupPath); err != nil {
		return fmt.Errorf("invalid backup path: %w", err)
	}

	backupDir := filepath.Dir(backupPath)
	if err := os.MkdirAll(backupDir, misc.DirPermissions); err != nil {
		return fmt.Errorf("failed to create backup directory %s: %w", backupDir, err)
	}

	containerData, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	if err = writeSecureFile(backupPath, containerData, misc.FilePermissions); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}

	debug.Print("SaveBackup: backup file created at: %s\n", backupPath)
	return nil
}

// validateBackupPath performs additional validation on the backup path
func validateBackupPath(backupPath string) error {
	if len(backupPath) > 4096 {
		return fmt.Errorf("path too long (max 4096 characters)")
	}

	cleanPath := filepath.Clean(backupPath)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal")
	}

	if runtime.GOOS != "windows" {
		systemPaths := []string{"/etc/", "/bin/", "/sbin/", "/usr/bin/", "/usr/sbin/", "/boot/"}
		for _, sysPath := range systemPaths {
			if strings.HasPrefix(cleanPath, sysPath) {
				return fmt.Errorf("cannot create backup in system directory")
			}
		}
	} else {
		upperPath := strings.ToUpper(cleanPath)
		windowsSystemPaths := []string{"C:\\WINDOWS\\", "C:\\PROGRAM FILES\\", "C:\\PROGRAM FILES (X86)\\"}
		for _, sysPath := range windowsSystemPaths {
			if strings.HasPrefix(upperPath, sysPath) {
				return fmt.Errorf("cannot create backup in system directory")
			}
		}
	}

	return nil
}

func (b *backupFiles) RestoreBackup(backupPath string) (*BackupContainer, error) {
	var fullPath string
	if filepath.IsAbs(backupPath) || strings.Contains(backupPath, string(os.PathSeparator)) {
		fullPath = backupPath
	} else {
		fullPath = filepath.Join(b.dir, backupPath)
	}

	if !strings.HasSuffix(fullPath, backupExt) {
		fullPath += backupExt
	}

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("backup file %s does not exist", fullPath)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup file: %w", err)
	}

	if isValid, validationError := validateBackupContainer(&container); !isValid {
		return nil, fmt.Errorf("invalid backup file: %s", validationError)
	}

	debug.Print("RestoreBackup: loaded and validated backup: %s\n", container.BackupID)
	return &container, nil
}

func (b *backupFiles) DeleteBackup(backupID string) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("backup %s does not exist", backupID)
		}
		return fmt.Errorf("failed to read backups directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExt) {
			continue
		}

		filePath := filepath.Join(b.dir, entry.Name())
		container, err := readContainer(filePath)
		if err != nil {
			debug.Print("DeleteBackup: skipping %s: %v\n", entry.Name(), err)
			continue
		}

		if container.BackupID == backupID {
			if err = os.Remove(filePath); err != nil {
				return fmt.Errorf("failed to delete backup file %s: %w", entry.Name(), err)
			}
			return nil
		}
	}

	return fmt.Errorf("backup %s does not exist", backupID)
}

func (b *backupFiles) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	backups := []BackupInfo{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExt) {
			continue
		}

		container, err := readContainer(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			debug.Print("ListBackups: WARNING - skipping %s: %v\n", entry.Name(), err)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		isValid, validationError := validateBackupContainer(container)
		if !isValid {
			debug.Print("ListBackups: WARNING - backup %s is invalid: %s\n", entry.Name(), validationError)
		}

		backups = append(backups, BackupInfo{
			BackupID:        container.BackupID,
			BackupTimestamp: container.BackupTimestamp,
			ArchiveVersion:  container.ArchiveVersion,
			BackupVersion:   container.BackupVersion,
			FileSize:        info.Size(),
			IsValid:         isValid,
			RecordCount:     container.RecordCount,
			Checksum:        container.Checksum,
			StorePath:       entry.Name(),
		})
	}

	return backups, nil
}

func readContainer(path string) (*BackupContainer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, err
	}
	return &container, nil
}

func validateBackupContainer(container *BackupContainer) (bool, string) {
	if container.BackupID == "" {
		return false, "missing BackupID"
	}
	if container.Data == "" {
		return false, "missing Data"
	}
	if container.Checksum == "" {
		return false, "missing Checksum"
	}

	data, err := base64.StdEncoding.DecodeString(container.Data)
	if err != nil {
		return false, fmt.Sprintf("invalid base64 in Data: %v", err)
	}

	actualChecksum := crypto.CalculateChecksum(data)
	if actualChecksum != container.Checksum {
		return false, fmt.Sprintf("checksum mismatch - expected: %s, actual: %s",
			container.Checksum, actualChecksum)
	}

	return true, ""
}
