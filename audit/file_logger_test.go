package audit

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestFileLogger(t *testing.T, options map[string]interface{}) (*FileLogger, string) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	if options == nil {
		options = map[string]interface{}{}
	}
	options["file_path"] = path

	logger, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		UserID:  "tester",
		Options: options,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger, path
}

func TestNewLogger(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: false, Type: FileAuditType})
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("Nil", func(t *testing.T) {
		logger, err := NewLogger(nil)
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("File", func(t *testing.T) {
		logger, err := NewLogger(&Config{
			Enabled: true,
			Type:    FileAuditType,
			Options: map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
		})
		require.NoError(t, err)
		defer logger.Close()
		assert.IsType(t, &FileLogger{}, logger)
	})

	t.Run("MissingPath", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: FileAuditType})
		assert.Error(t, err)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: "syslog"})
		assert.Error(t, err)
	})
}

func TestFileLoggerLogAndQuery(t *testing.T) {
	logger, path := newTestFileLogger(t, nil)

	require.NoError(t, logger.Log("vault_unlock", true, map[string]interface{}{
		MetaRequestID: "req-1",
	}))
	require.NoError(t, logger.Log("record_read", true, map[string]interface{}{
		MetaRecordID: uint64(7),
		"group_id":   uint64(1),
	}))
	require.NoError(t, logger.Log("record_read", false, map[string]interface{}{
		MetaRecordID: uint64(8),
		MetaError:    "record is corrupt",
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"), "one JSON line per event")

	t.Run("All", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, result.TotalCount)
		require.Len(t, result.Events, 3)
		for _, e := range result.Events {
			assert.NotEmpty(t, e.ID)
			assert.Equal(t, "tester", e.UserID)
		}
	})

	t.Run("WellKnownFields", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{RecordID: 8})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		e := result.Events[0]
		assert.False(t, e.Success)
		assert.Equal(t, "record is corrupt", e.Error)
		assert.Nil(t, e.Metadata, "lifted keys are not repeated in metadata")

		result, err = logger.Query(QueryOptions{Action: "vault_unlock"})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "req-1", result.Events[0].RequestID)
	})

	t.Run("SuccessFilter", func(t *testing.T) {
		failed := false
		result, err := logger.Query(QueryOptions{Success: &failed})
		require.NoError(t, err)
		assert.Len(t, result.Events, 1)
	})

	t.Run("VaultAccess", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{VaultAccess: true})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "vault_unlock", result.Events[0].Action)
	})

	t.Run("Pagination", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
		assert.True(t, result.HasMore)

		result, err = logger.Query(QueryOptions{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, result.Events, 1)
		assert.False(t, result.HasMore)
	})

	t.Run("SinceWindow", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Since: Since(time.Hour)})
		require.NoError(t, err)
		assert.Len(t, result.Events, 3)
	})
}

func TestFileLoggerReopenAfterClose(t *testing.T) {
	logger, _ := newTestFileLogger(t, nil)

	require.NoError(t, logger.Log("vault_lock", true, nil))
	require.NoError(t, logger.Close())

	// a closed logger reopens its file on the next write and queries still work
	require.NoError(t, logger.Log("vault_unlock", true, nil))
	require.NoError(t, logger.Close())

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)
}

func TestFileLoggerRotation(t *testing.T) {
	logger, path := newTestFileLogger(t, map[string]interface{}{"max_size": 1, "max_backups": 2})

	padding := strings.Repeat("x", 64*1024)
	for i := 0; i < 40; i++ {
		require.NoError(t, logger.Log("record_write", true, map[string]interface{}{
			MetaRecordID: uint64(i + 1),
			"padding":    padding,
		}))
	}

	_, err := os.Stat(path + ".1")
	assert.NoError(t, err, "first rotated file should exist")
	_, err = os.Stat(path + ".2")
	assert.NoError(t, err, "second rotated file should exist")
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err), "files beyond max_backups are removed")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(1024*1024))

	result, err := logger.Query(QueryOptions{RecordID: 40})
	require.NoError(t, err)
	assert.Len(t, result.Events, 1, fmt.Sprintf("newest event should be found in %s", path))
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	assert.NoError(t, logger.Log("vault_unlock", true, nil))
	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.NoError(t, logger.Close())
}
