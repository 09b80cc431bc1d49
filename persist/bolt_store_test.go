package persist

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"testing"
)

func newTestBoltStore(t *testing.T) Store {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err, "NewBoltStore should succeed")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBoltStore(t *testing.T) {
	testStoreImplementation(t, newTestBoltStore)
}

func TestBoltStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")

	store, err := NewBoltStore(path)
	require.NoError(t, err)
	_, err = store.Put("salt", []byte("persisted"), "")
	require.NoError(t, err)
	id, err := store.InsertRecord(&Record{Title: "survives", Salt: "s", Data: "d"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Get("salt")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), loaded.Data)

	record, err := reopened.GetRecord(id)
	require.NoError(t, err)
	assert.Equal(t, "survives", record.Title)

	groups, err := reopened.ListGroups()
	require.NoError(t, err)
	assert.Len(t, groups, 1, "the default group is created once")
}

func TestNewBoltStoreEmptyPath(t *testing.T) {
	_, err := NewBoltStore("")
	assert.Error(t, err)
}
