package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "consumers.json")
}

func TestStore_SaveThenLoad(t *testing.T) {
	s := NewStore(testStorePath(t))

	cfg := QueueConfig{WebhookURL: "https://example.com/hook", MinIntervalMS: 1000, MaxIntervalMS: 5000}
	require.NoError(t, s.Save("orders", cfg))

	loaded, err := s.Load("orders")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, cfg.WebhookURL, loaded.WebhookURL)
	assert.False(t, loaded.SavedAt.IsZero())
}

func TestStore_Load_MissingReturnsNil(t *testing.T) {
	s := NewStore(testStorePath(t))
	loaded, err := s.Load("absent")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStore_Remove(t *testing.T) {
	s := NewStore(testStorePath(t))
	require.NoError(t, s.Save("orders", QueueConfig{WebhookURL: "https://example.com/hook"}))

	removed, err := s.Remove("orders")
	require.NoError(t, err)
	assert.True(t, removed)

	removedAgain, err := s.Remove("orders")
	require.NoError(t, err)
	assert.False(t, removedAgain)
}

func TestStore_Has(t *testing.T) {
	s := NewStore(testStorePath(t))
	ok, err := s.Has("orders")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save("orders", QueueConfig{WebhookURL: "https://example.com/hook"}))

	ok, err = s.Has("orders")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_LoadAll(t *testing.T) {
	s := NewStore(testStorePath(t))
	require.NoError(t, s.Save("orders", QueueConfig{WebhookURL: "https://example.com/a"}))
	require.NoError(t, s.Save("invoices", QueueConfig{WebhookURL: "https://example.com/b"}))

	all, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_Clear(t *testing.T) {
	s := NewStore(testStorePath(t))
	require.NoError(t, s.Save("orders", QueueConfig{WebhookURL: "https://example.com/hook"}))
	require.NoError(t, s.Clear())

	all, err := s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_BackupAndRestore(t *testing.T) {
	s := NewStore(testStorePath(t))
	require.NoError(t, s.Save("orders", QueueConfig{WebhookURL: "https://example.com/hook"}))

	backupPath, err := s.Backup("")
	require.NoError(t, err)
	assert.FileExists(t, backupPath)

	require.NoError(t, s.Clear())
	all, _ := s.LoadAll()
	require.Empty(t, all)

	names, err := s.Restore(backupPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, names)

	all, err = s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_Stats(t *testing.T) {
	s := NewStore(testStorePath(t))
	require.NoError(t, s.Save("orders", QueueConfig{WebhookURL: "https://example.com/hook"}))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.QueueCount)
}
