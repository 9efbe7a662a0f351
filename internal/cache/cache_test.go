package cache

import (
	"os"
	"testing"
	"time"

	"github.com/portel-dev/ncp/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestPutThenGetHitsMemoryProjection(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	entry := &domain.CacheEntry{
		ServerName: "git",
		ToolsSnapshot: []domain.ToolRecord{
			{ServerName: "git", ToolName: "commit", Description: "commit changes"},
		},
		CapturedAt: time.Now(),
	}
	require.NoError(t, c.Put("abc123", entry))

	got, ok := c.Get("abc123")
	require.True(t, ok)
	require.Equal(t, "git", got.ServerName)
	require.Len(t, got.ToolsSnapshot, 1)
}

func TestGetSurvivesProcessRestart(t *testing.T) {
	dir := t.TempDir()
	c1, err := New(dir, nil)
	require.NoError(t, err)
	require.NoError(t, c1.Put("abc123", &domain.CacheEntry{ServerName: "git", CapturedAt: time.Now()}))

	c2, err := New(dir, nil)
	require.NoError(t, err)
	got, ok := c2.Get("abc123")
	require.True(t, ok)
	require.Equal(t, "git", got.ServerName)

	digests := c2.Digests()
	require.Contains(t, digests, "abc123")
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Put("abc123", &domain.CacheEntry{ServerName: "git", CapturedAt: time.Now()}))

	require.NoError(t, c.Invalidate("abc123"))

	_, ok := c.Get("abc123")
	require.False(t, ok)
	require.NotContains(t, c.Digests(), "abc123")
}

func TestGetMissReturnsFalse(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	_, ok := c.Get("does-not-exist")
	require.False(t, ok)
}

func TestCorruptEntryIsTreatedAsMiss(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, nil)
	require.NoError(t, err)

	badPath := c.entryPath("broken")
	require.NoError(t, os.WriteFile(badPath, []byte("{not json"), 0o644))

	_, ok := c.Get("broken")
	require.False(t, ok)
}
