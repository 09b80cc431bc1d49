package tome

import (
	"context"
	"encoding/base64"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"southwinds.dev/tome/audit"
	"southwinds.dev/tome/persist"
	"strings"
	"sync"
	"testing"
	"time"
)

// storeOpener opens (or reopens) a store rooted in dir
type storeOpener func(dir string) (persist.Store, error)

var storeOpeners = map[string]storeOpener{
	"bolt": func(dir string) (persist.Store, error) {
		return persist.NewBoltStore(filepath.Join(dir, "archive.db"))
	},
	"filesystem": func(dir string) (persist.Store, error) {
		return persist.NewFileSystemStore(dir)
	},
}

// pw returns a fresh password slice; archive calls wipe the one they are given
func pw(s string) []byte {
	return []byte(s)
}

func testOptions() Options {
	options := DefaultOptions()
	options.KDF = testKDF
	return options
}

func openArchive(t *testing.T, open storeOpener, dir string, options Options) *Archive {
	t.Helper()
	store, err := open(dir)
	require.NoError(t, err)

	svc, err := New(options, store, nil)
	require.NoError(t, err)
	return svc.(*Archive)
}

// newArchive returns an initialized, unlocked archive on a fresh store
func newArchive(t *testing.T, open storeOpener) *Archive {
	t.Helper()
	a := openArchive(t, open, t.TempDir(), testOptions())
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Initialize(pw("correct-horse")))
	return a
}

func forEachStore(t *testing.T, fn func(t *testing.T, open storeOpener)) {
	for name, open := range storeOpeners {
		t.Run(name, func(t *testing.T) {
			fn(t, open)
		})
	}
}

func TestArchiveLockUnlockScenario(t *testing.T) {
	forEachStore(t, func(t *testing.T, open storeOpener) {
		a := openArchive(t, open, t.TempDir(), testOptions())
		defer a.Close()

		initialized, err := a.IsInitialized()
		require.NoError(t, err)
		assert.False(t, initialized)

		require.NoError(t, a.Initialize(pw("correct-horse")))
		assert.True(t, a.IsUnlocked(), "a new archive starts unlocked")

		id, err := a.CreateRecord(persist.DefaultGroupID, "Journal", []byte("Hello"))
		require.NoError(t, err)

		plaintext, err := a.ReadRecord(id)
		require.NoError(t, err)
		assert.Equal(t, "Hello", string(plaintext))

		require.NoError(t, a.Lock())
		assert.False(t, a.IsUnlocked())

		_, err = a.ReadRecord(id)
		assert.ErrorIs(t, err, ErrVaultLocked)

		err = a.Unlock(context.Background(), pw("wrong-password"))
		assert.ErrorIs(t, err, ErrWrongPassword)
		assert.False(t, a.IsUnlocked())

		require.NoError(t, a.Unlock(context.Background(), pw("correct-horse")))
		plaintext, err = a.ReadRecord(id)
		require.NoError(t, err)
		assert.Equal(t, "Hello", string(plaintext))
	})
}

func TestArchiveInitialize(t *testing.T) {
	forEachStore(t, func(t *testing.T, open storeOpener) {
		a := newArchive(t, open)

		initialized, err := a.IsInitialized()
		require.NoError(t, err)
		assert.True(t, initialized)

		assert.ErrorIs(t, a.Initialize(pw("another")), ErrVaultExists)

		for _, key := range []string{metaSalt, metaBlob, metaKDF, metaVersion} {
			exists, err := a.store.Exists(key)
			require.NoError(t, err)
			assert.True(t, exists, "metadata %s should be persisted", key)
		}

		blob, err := a.store.Get(metaBlob)
		require.NoError(t, err)
		_, err = base64.StdEncoding.DecodeString(string(blob.Data))
		assert.NoError(t, err, "the wrapped key is stored as base64 text")
	})
}

func TestArchiveInitializeEmptyPassword(t *testing.T) {
	a := openArchive(t, storeOpeners["bolt"], t.TempDir(), testOptions())
	defer a.Close()

	assert.ErrorIs(t, a.Initialize(nil), ErrInvalidParameters)
	initialized, err := a.IsInitialized()
	require.NoError(t, err)
	assert.False(t, initialized)
}

func TestArchiveUnlockNotInitialized(t *testing.T) {
	forEachStore(t, func(t *testing.T, open storeOpener) {
		a := openArchive(t, open, t.TempDir(), testOptions())
		defer a.Close()

		err := a.Unlock(context.Background(), pw("correct-horse"))
		assert.ErrorIs(t, err, ErrNotInitialized)
	})
}

func TestArchiveWipesPasswords(t *testing.T) {
	a := openArchive(t, storeOpeners["bolt"], t.TempDir(), testOptions())
	defer a.Close()

	password := pw("correct-horse")
	require.NoError(t, a.Initialize(password))
	assert.Equal(t, make([]byte, len("correct-horse")), password)

	wrong := pw("wrong-password")
	_ = a.Unlock(context.Background(), wrong)
	assert.Equal(t, make([]byte, len("wrong-password")), wrong)

	oldPassword, newPassword := pw("correct-horse"), pw("battery-staple")
	require.NoError(t, a.ChangePassword(context.Background(), oldPassword, newPassword))
	assert.Equal(t, make([]byte, len(oldPassword)), oldPassword)
	assert.Equal(t, make([]byte, len(newPassword)), newPassword)
}

func TestArchiveFailedUnlockLocks(t *testing.T) {
	a := newArchive(t, storeOpeners["bolt"])
	require.True(t, a.IsUnlocked())

	assert.ErrorIs(t, a.Unlock(context.Background(), pw("wrong-password")), ErrWrongPassword)
	assert.False(t, a.IsUnlocked(), "a failed unlock must not leave the previous key usable")
	assert.Equal(t, StateLocked, a.keys.State())
}

func TestArchiveReopen(t *testing.T) {
	forEachStore(t, func(t *testing.T, open storeOpener) {
		dir := t.TempDir()

		a := openArchive(t, open, dir, testOptions())
		require.NoError(t, a.Initialize(pw("correct-horse")))
		id, err := a.CreateRecord(persist.DefaultGroupID, "Journal", []byte("Hello"))
		require.NoError(t, err)
		require.NoError(t, a.Close())

		// default options: the persisted kdf params win
		reopened := openArchive(t, open, dir, DefaultOptions())
		defer reopened.Close()

		assert.False(t, reopened.IsUnlocked())
		require.NoError(t, reopened.Unlock(context.Background(), pw("correct-horse")))

		plaintext, err := reopened.ReadRecord(id)
		require.NoError(t, err)
		assert.Equal(t, "Hello", string(plaintext))
	})
}

func TestArchiveRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, open storeOpener) {
		a := newArchive(t, open)

		id, err := a.CreateRecord(persist.DefaultGroupID, "Journal", []byte("Hello"))
		require.NoError(t, err)

		t.Run("StoredEncrypted", func(t *testing.T) {
			record, err := a.store.GetRecord(id)
			require.NoError(t, err)
			assert.Len(t, record.Salt, 16)
			assert.NotContains(t, record.Data, "Hello")
			body, err := base64.StdEncoding.DecodeString(record.Data)
			require.NoError(t, err)
			assert.NotContains(t, string(body), "Hello")
		})

		t.Run("Write", func(t *testing.T) {
			before, err := a.store.GetRecord(id)
			require.NoError(t, err)

			require.NoError(t, a.WriteRecord(id, []byte("Hello again")))

			after, err := a.store.GetRecord(id)
			require.NoError(t, err)
			assert.Equal(t, before.Salt, after.Salt, "a record keeps its salt")
			assert.NotEqual(t, before.Data, after.Data)

			plaintext, err := a.ReadRecord(id)
			require.NoError(t, err)
			assert.Equal(t, "Hello again", string(plaintext))
		})

		t.Run("UpdateInfo", func(t *testing.T) {
			title, abstract := "Diary", "first entry"
			require.NoError(t, a.UpdateRecordInfo(id, RecordUpdate{Title: &title, Abstract: &abstract}))

			info, err := a.RecordInfo(id)
			require.NoError(t, err)
			assert.Equal(t, "Diary", info.Title)
			assert.Equal(t, "first entry", info.Abstract)
			assert.Equal(t, persist.DefaultGroupID, info.GroupID)
			assert.Positive(t, info.Size)

			plaintext, err := a.ReadRecord(id)
			require.NoError(t, err)
			assert.Equal(t, "Hello again", string(plaintext), "info updates leave the body alone")

			missing := uint64(999)
			err = a.UpdateRecordInfo(id, RecordUpdate{GroupID: &missing})
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("UnknownGroup", func(t *testing.T) {
			_, err := a.CreateRecord(999, "Orphan", []byte("x"))
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("NotFound", func(t *testing.T) {
			_, err := a.ReadRecord(12345)
			assert.ErrorIs(t, err, ErrRecordNotFound)

			var recErr *RecordError
			require.True(t, errors.As(err, &recErr))
			assert.Equal(t, uint64(12345), recErr.RecordID)
			assert.Equal(t, "read", recErr.Op)

			assert.ErrorIs(t, a.WriteRecord(12345, []byte("x")), ErrRecordNotFound)
			assert.ErrorIs(t, a.DeleteRecord(12345), ErrRecordNotFound)
			_, err = a.RecordInfo(12345)
			assert.ErrorIs(t, err, ErrRecordNotFound)
		})

		t.Run("Delete", func(t *testing.T) {
			other, err := a.CreateRecord(persist.DefaultGroupID, "Scratch", []byte("temporary"))
			require.NoError(t, err)

			require.NoError(t, a.DeleteRecord(other))

			_, err = a.ReadRecord(other)
			assert.ErrorIs(t, err, ErrRecordNotFound)

			next, err := a.CreateRecord(persist.DefaultGroupID, "Next", []byte("x"))
			require.NoError(t, err)
			assert.Greater(t, next, other, "ids are never reused")
		})
	})
}

func TestArchiveTamperedRecord(t *testing.T) {
	forEachStore(t, func(t *testing.T, open storeOpener) {
		a := newArchive(t, open)

		id, err := a.CreateRecord(persist.DefaultGroupID, "Journal", []byte("Hello"))
		require.NoError(t, err)
		intact, err := a.CreateRecord(persist.DefaultGroupID, "Other", []byte("World"))
		require.NoError(t, err)

		record, err := a.store.GetRecord(id)
		require.NoError(t, err)
		body, err := base64.StdEncoding.DecodeString(record.Data)
		require.NoError(t, err)
		body[len(body)-1] ^= 0x01
		record.Data = base64.StdEncoding.EncodeToString(body)
		require.NoError(t, a.store.UpdateRecord(record))

		_, err = a.ReadRecord(id)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
		assert.NotErrorIs(t, err, ErrWrongPassword)

		var recErr *RecordError
		require.True(t, errors.As(err, &recErr))
		assert.Equal(t, id, recErr.RecordID)

		plaintext, err := a.ReadRecord(intact)
		require.NoError(t, err)
		assert.Equal(t, "World", string(plaintext), "one damaged record does not affect others")

		t.Run("UndecodableBody", func(t *testing.T) {
			record, err := a.store.GetRecord(intact)
			require.NoError(t, err)
			record.Data = "%%% not base64 %%%"
			require.NoError(t, a.store.UpdateRecord(record))

			_, err = a.ReadRecord(intact)
			assert.ErrorIs(t, err, ErrDecryptionFailed)
		})
	})
}

func TestArchiveLockedOperations(t *testing.T) {
	a := newArchive(t, storeOpeners["bolt"])
	id, err := a.CreateRecord(persist.DefaultGroupID, "Journal", []byte("Hello"))
	require.NoError(t, err)
	require.NoError(t, a.Lock())
	require.NoError(t, a.Lock(), "locking twice is fine")

	ops := map[string]func() error{
		"CreateRecord": func() error {
			_, err := a.CreateRecord(persist.DefaultGroupID, "x", []byte("x"))
			return err
		},
		"ReadRecord":  func() error { _, err := a.ReadRecord(id); return err },
		"WriteRecord": func() error { return a.WriteRecord(id, []byte("x")) },
		"UpdateRecordInfo": func() error {
			title := "x"
			return a.UpdateRecordInfo(id, RecordUpdate{Title: &title})
		},
		"DeleteRecord": func() error { return a.DeleteRecord(id) },
		"RecordInfo":   func() error { _, err := a.RecordInfo(id); return err },
		"ListRecords":  func() error { _, err := a.ListRecords(ListFilter{}); return err },
		"CreateGroup":  func() error { _, err := a.CreateGroup("x"); return err },
		"ListGroups":   func() error { _, err := a.ListGroups(); return err },
		"CreateTag":    func() error { _, err := a.CreateTag("x"); return err },
		"ListTags":     func() error { _, err := a.ListTags(); return err },
		"TagRecord":    func() error { return a.TagRecord(id, 1) },
		"Backup":       func() error { _, err := a.Backup(""); return err },
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, op(), ErrVaultLocked)
		})
	}
}

func TestArchiveListRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, open storeOpener) {
		a := newArchive(t, open)

		work, err := a.CreateGroup("Work")
		require.NoError(t, err)
		urgent, err := a.CreateTag("urgent")
		require.NoError(t, err)

		var ids []uint64
		for i, group := range []uint64{persist.DefaultGroupID, work.ID, work.ID, persist.DefaultGroupID} {
			id, err := a.CreateRecord(group, "record", []byte{byte('a' + i)})
			require.NoError(t, err)
			ids = append(ids, id)
		}
		require.NoError(t, a.TagRecord(ids[0], urgent.ID))
		require.NoError(t, a.TagRecord(ids[2], urgent.ID))

		tests := []struct {
			name   string
			filter ListFilter
			want   []uint64
		}{
			{"All", ListFilter{}, []uint64{ids[3], ids[2], ids[1], ids[0]}},
			{"ByGroup", ListFilter{GroupID: work.ID}, []uint64{ids[2], ids[1]}},
			{"ByTag", ListFilter{TagID: urgent.ID}, []uint64{ids[2], ids[0]}},
			{"GroupAndTag", ListFilter{GroupID: work.ID, TagID: urgent.ID}, []uint64{ids[2]}},
			{"Paged", ListFilter{Limit: 2, Offset: 1}, []uint64{ids[2], ids[1]}},
			{"PastEnd", ListFilter{Offset: 10}, []uint64{}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				infos, err := a.ListRecords(tt.filter)
				require.NoError(t, err)
				got := make([]uint64, 0, len(infos))
				for _, info := range infos {
					got = append(got, info.ID)
				}
				assert.Equal(t, tt.want, got)
			})
		}
	})
}

func TestArchiveGroupsAndTags(t *testing.T) {
	forEachStore(t, func(t *testing.T, open storeOpener) {
		a := newArchive(t, open)

		groups, err := a.ListGroups()
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, persist.DefaultGroupName, groups[0].Name)

		group, err := a.CreateGroup("Travel")
		require.NoError(t, err)
		require.NoError(t, a.RenameGroup(group.ID, "Trips"))

		id, err := a.CreateRecord(group.ID, "Lisbon", []byte("tram 28"))
		require.NoError(t, err)

		tag, err := a.CreateTag("summer")
		require.NoError(t, err)
		require.NoError(t, a.RenameTag(tag.ID, "summer-2024"))
		require.NoError(t, a.TagRecord(id, tag.ID))
		require.NoError(t, a.TagRecord(id, tag.ID), "tagging twice is idempotent")

		info, err := a.RecordInfo(id)
		require.NoError(t, err)
		assert.Equal(t, []uint64{tag.ID}, info.Tags)

		require.NoError(t, a.UntagRecord(id, tag.ID))
		info, err = a.RecordInfo(id)
		require.NoError(t, err)
		assert.Empty(t, info.Tags)

		require.NoError(t, a.TagRecord(id, tag.ID))
		require.NoError(t, a.DeleteTag(tag.ID))
		info, err = a.RecordInfo(id)
		require.NoError(t, err)
		assert.Empty(t, info.Tags, "deleting a tag unlinks it")

		tags, err := a.ListTags()
		require.NoError(t, err)
		assert.Empty(t, tags)

		require.NoError(t, a.DeleteGroup(group.ID))
		info, err = a.RecordInfo(id)
		require.NoError(t, err)
		assert.Equal(t, persist.DefaultGroupID, info.GroupID, "records fall back to the default group")

		plaintext, err := a.ReadRecord(id)
		require.NoError(t, err)
		assert.Equal(t, "tram 28", string(plaintext))

		assert.ErrorIs(t, a.DeleteGroup(persist.DefaultGroupID), persist.ErrDefaultGroup)
		assert.ErrorIs(t, a.RenameGroup(999, "x"), ErrNotFound)
		assert.ErrorIs(t, a.TagRecord(id, 999), ErrNotFound)
		_, err = a.CreateGroup("")
		assert.ErrorIs(t, err, persist.ErrInvalidName)
	})
}

func TestArchiveChangePassword(t *testing.T) {
	forEachStore(t, func(t *testing.T, open storeOpener) {
		a := newArchive(t, open)
		ctx := context.Background()

		id, err := a.CreateRecord(persist.DefaultGroupID, "Journal", []byte("Hello"))
		require.NoError(t, err)
		before, err := a.store.GetRecord(id)
		require.NoError(t, err)
		salt, err := a.store.Get(metaSalt)
		require.NoError(t, err)

		err = a.ChangePassword(ctx, pw("wrong-password"), pw("battery-staple"))
		assert.ErrorIs(t, err, ErrWrongPassword)

		require.NoError(t, a.ChangePassword(ctx, pw("correct-horse"), pw("battery-staple")))
		assert.True(t, a.IsUnlocked(), "the lock state does not change")

		after, err := a.store.GetRecord(id)
		require.NoError(t, err)
		assert.Equal(t, before.Data, after.Data, "records are not re-encrypted")
		saltAfter, err := a.store.Get(metaSalt)
		require.NoError(t, err)
		assert.Equal(t, salt.Data, saltAfter.Data, "the global salt stays")

		require.NoError(t, a.Lock())
		assert.ErrorIs(t, a.Unlock(ctx, pw("correct-horse")), ErrWrongPassword)
		require.NoError(t, a.Unlock(ctx, pw("battery-staple")))

		plaintext, err := a.ReadRecord(id)
		require.NoError(t, err)
		assert.Equal(t, "Hello", string(plaintext))

		t.Run("WhileLocked", func(t *testing.T) {
			require.NoError(t, a.Lock())
			require.NoError(t, a.ChangePassword(ctx, pw("battery-staple"), pw("correct-horse")))
			assert.False(t, a.IsUnlocked())
			require.NoError(t, a.Unlock(ctx, pw("correct-horse")))
		})
	})
}

func TestArchiveBackupRestore(t *testing.T) {
	forEachStore(t, func(t *testing.T, open storeOpener) {
		a := newArchive(t, open)
		ctx := context.Background()

		group, err := a.CreateGroup("Letters")
		require.NoError(t, err)
		tag, err := a.CreateTag("family")
		require.NoError(t, err)
		id, err := a.CreateRecord(group.ID, "Grandma", []byte("Dear all"))
		require.NoError(t, err)
		require.NoError(t, a.TagRecord(id, tag.ID))

		backupID, err := a.Backup("")
		require.NoError(t, err)
		assert.NotEmpty(t, backupID)

		backups, err := a.ListBackups()
		require.NoError(t, err)
		require.Len(t, backups, 1)
		assert.Equal(t, backupID, backups[0].BackupID)
		assert.True(t, backups[0].IsValid)
		assert.Equal(t, 1, backups[0].RecordCount)

		// diverge from the backup
		require.NoError(t, a.WriteRecord(id, []byte("changed")))
		later, err := a.CreateRecord(persist.DefaultGroupID, "Later", []byte("after backup"))
		require.NoError(t, err)

		t.Run("WrongPassword", func(t *testing.T) {
			err := a.Restore(ctx, backupID, pw("wrong-password"))
			assert.ErrorIs(t, err, ErrWrongPassword)
			assert.True(t, a.IsUnlocked(), "a rejected restore leaves the archive alone")
		})

		require.NoError(t, a.Restore(ctx, backupID, pw("correct-horse")))
		assert.False(t, a.IsUnlocked(), "restore locks the archive")
		require.NoError(t, a.Unlock(ctx, pw("correct-horse")))

		plaintext, err := a.ReadRecord(id)
		require.NoError(t, err)
		assert.Equal(t, "Dear all", string(plaintext))

		info, err := a.RecordInfo(id)
		require.NoError(t, err)
		assert.Equal(t, group.ID, info.GroupID)
		assert.Equal(t, []uint64{tag.ID}, info.Tags)

		_, err = a.ReadRecord(later)
		assert.ErrorIs(t, err, ErrRecordNotFound)

		require.NoError(t, a.DeleteBackup(backupID))
		backups, err = a.ListBackups()
		require.NoError(t, err)
		assert.Empty(t, backups)
	})
}

func TestArchiveRestoreIntoFreshStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, open storeOpener) {
		a := newArchive(t, open)
		ctx := context.Background()

		id, err := a.CreateRecord(persist.DefaultGroupID, "Journal", []byte("Hello"))
		require.NoError(t, err)

		backupPath := filepath.Join(t.TempDir(), "offsite")
		_, err = a.Backup(backupPath)
		require.NoError(t, err)

		// the password changes after the backup was taken
		require.NoError(t, a.ChangePassword(ctx, pw("correct-horse"), pw("battery-staple")))

		fresh := openArchive(t, open, t.TempDir(), testOptions())
		defer fresh.Close()

		assert.ErrorIs(t, fresh.Restore(ctx, backupPath, pw("battery-staple")), ErrWrongPassword)
		require.NoError(t, fresh.Restore(ctx, backupPath, pw("correct-horse")))

		initialized, err := fresh.IsInitialized()
		require.NoError(t, err)
		assert.True(t, initialized)

		require.NoError(t, fresh.Unlock(ctx, pw("correct-horse")))
		plaintext, err := fresh.ReadRecord(id)
		require.NoError(t, err)
		assert.Equal(t, "Hello", string(plaintext))
	})
}

func TestArchiveRestoreDamagedBackup(t *testing.T) {
	a := newArchive(t, storeOpeners["bolt"])
	ctx := context.Background()

	_, err := a.CreateRecord(persist.DefaultGroupID, "Journal", []byte("Hello"))
	require.NoError(t, err)

	backupPath := filepath.Join(t.TempDir(), "copy")
	_, err = a.Backup(backupPath)
	require.NoError(t, err)

	container, err := a.store.RestoreBackup(backupPath)
	require.NoError(t, err)

	t.Run("MissingBackup", func(t *testing.T) {
		err := a.Restore(ctx, filepath.Join(t.TempDir(), "nope"), pw("correct-horse"))
		assert.Error(t, err)
	})

	t.Run("SwappedHeader", func(t *testing.T) {
		// a header from another vault cannot open the data
		other := newArchive(t, storeOpeners["bolt"])
		header, err := headerMetadata(other.header)
		require.NoError(t, err)

		forged := *container
		forged.Header = header
		forgedPath := filepath.Join(t.TempDir(), "forged")
		require.NoError(t, a.store.SaveBackup(forgedPath, &forged))

		err = a.Restore(ctx, forgedPath, pw("correct-horse"))
		assert.Error(t, err)
		assert.True(t, a.IsUnlocked())
	})

	t.Run("UnknownVersion", func(t *testing.T) {
		forged := *container
		forged.BackupVersion = "99"
		forgedPath := filepath.Join(t.TempDir(), "future")
		require.NoError(t, a.store.SaveBackup(forgedPath, &forged))

		err := a.Restore(ctx, forgedPath, pw("correct-horse"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported backup version")
	})
}

func TestArchiveUnlockThrottle(t *testing.T) {
	options := testOptions()
	options.UnlockRate = 0.001
	options.UnlockBurst = 1

	a := openArchive(t, storeOpeners["bolt"], t.TempDir(), options)
	defer a.Close()
	require.NoError(t, a.Initialize(pw("correct-horse")))

	require.NoError(t, a.Unlock(context.Background(), pw("correct-horse")), "the burst allows one attempt")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := a.Unlock(ctx, pw("correct-horse"))
	assert.ErrorIs(t, err, ErrThrottled)
	assert.ErrorIs(t, a.ChangePassword(ctx, pw("correct-horse"), pw("x")), ErrThrottled)
}

func newAuditedArchive(t *testing.T) (*Archive, audit.Logger) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "audit.log")
	auditLogger, err := audit.NewLogger(&audit.Config{
		Enabled: true,
		Type:    audit.FileAuditType,
		UserID:  "tester",
		Options: map[string]interface{}{"file_path": logPath},
	})
	require.NoError(t, err)

	store, err := persist.NewBoltStore(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	options := testOptions()
	options.UserID = "tester"
	svc, err := New(options, store, auditLogger)
	require.NoError(t, err)
	a := svc.(*Archive)
	t.Cleanup(func() { _ = a.Close() })
	return a, auditLogger
}

func TestArchiveAuditTrail(t *testing.T) {
	a, auditLogger := newAuditedArchive(t)

	require.NoError(t, a.Initialize(pw("correct-horse")))
	id, err := a.CreateRecord(persist.DefaultGroupID, "Journal", []byte("Hello secret body"))
	require.NoError(t, err)
	_, err = a.ReadRecord(id)
	require.NoError(t, err)
	_ = a.Unlock(context.Background(), pw("wrong-password"))

	assert.Same(t, auditLogger, a.GetAudit())

	result, err := a.GetAudit().Query(audit.QueryOptions{Action: ActionRecordCreate})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, id, result.Events[0].RecordID)
	assert.True(t, result.Events[0].Success)
	assert.NotEmpty(t, result.Events[0].RequestID)

	failed := false
	result, err = a.GetAudit().Query(audit.QueryOptions{Action: ActionVaultUnlock, Success: &failed})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Contains(t, result.Events[0].Error, ErrWrongPassword.Error())

	all, err := a.GetAudit().Query(audit.QueryOptions{})
	require.NoError(t, err)
	for _, event := range all.Events {
		dump := strings.Join([]string{event.Action, event.Error, event.UserID}, " ")
		for _, v := range event.Metadata {
			if s, ok := v.(string); ok {
				dump += " " + s
			}
		}
		assert.NotContains(t, dump, "Hello secret body")
		assert.NotContains(t, dump, "correct-horse")
		assert.NotContains(t, dump, "wrong-password")
	}
}

func TestArchiveAuditTrailMissingRecord(t *testing.T) {
	a, _ := newAuditedArchive(t)
	require.NoError(t, a.Initialize(pw("correct-horse")))

	const missing = uint64(4242)
	title := "Renamed"

	_, err := a.ReadRecord(missing)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.ErrorIs(t, a.WriteRecord(missing, []byte("body")), ErrRecordNotFound)
	assert.ErrorIs(t, a.UpdateRecordInfo(missing, RecordUpdate{Title: &title}), ErrRecordNotFound)

	failed := false
	for _, action := range []string{ActionRecordRead, ActionRecordWrite, ActionRecordUpdate} {
		t.Run(action, func(t *testing.T) {
			result, err := a.GetAudit().Query(audit.QueryOptions{Action: action, Success: &failed})
			require.NoError(t, err)
			require.Len(t, result.Events, 1, "a failed lookup is logged")
			assert.Equal(t, missing, result.Events[0].RecordID)
			assert.Contains(t, result.Events[0].Error, ErrRecordNotFound.Error())
		})
	}
}

func TestArchiveClose(t *testing.T) {
	a := openArchive(t, storeOpeners["bolt"], t.TempDir(), testOptions())
	require.NoError(t, a.Initialize(pw("correct-horse")))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "closing twice is fine")

	assert.False(t, a.IsUnlocked())
	assert.ErrorIs(t, a.Unlock(context.Background(), pw("correct-horse")), ErrClosed)
	_, err := a.ReadRecord(1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = a.IsInitialized()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestArchiveConcurrentReads(t *testing.T) {
	forEachStore(t, func(t *testing.T, open storeOpener) {
		a := newArchive(t, open)

		ids := make([]uint64, 5)
		for i := range ids {
			id, err := a.CreateRecord(persist.DefaultGroupID, "r", []byte{byte('A' + i)})
			require.NoError(t, err)
			ids[i] = id
		}

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i, id := range ids {
					plaintext, err := a.ReadRecord(id)
					if err != nil {
						t.Error(err)
						return
					}
					if string(plaintext) != string([]byte{byte('A' + i)}) {
						t.Errorf("record %d: unexpected body %q", id, plaintext)
					}
				}
			}()
		}
		wg.Wait()
	})
}

func TestNew(t *testing.T) {
	t.Run("NilStore", func(t *testing.T) {
		_, err := New(testOptions(), nil, nil)
		assert.Error(t, err)
	})

	t.Run("InvalidOptions", func(t *testing.T) {
		store, err := persist.NewBoltStore(filepath.Join(t.TempDir(), "archive.db"))
		require.NoError(t, err)
		defer store.Close()

		options := testOptions()
		options.UnlockRate = 1
		_, err = New(options, store, nil)
		assert.Error(t, err, "a rate without a burst is rejected")

		options = testOptions()
		options.KDF.Iterations = 0
		_, err = New(options, store, nil)
		assert.ErrorIs(t, err, ErrInvalidParameters)
	})

	t.Run("MemoryProtection", func(t *testing.T) {
		a := newArchive(t, storeOpeners["bolt"])
		assert.NotEmpty(t, a.SecureMemoryProtection())
	})
}
