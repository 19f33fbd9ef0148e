// transferd/recovery/log_test.go
package recovery_test

import (
	"log/slog"
	"testing"

	"transferd/recovery"
	"transferd/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, dir string) *recovery.Log {
	t.Helper()
	l, err := recovery.Open(dir, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndLoadAll(t *testing.T) {
	l := openTestLog(t, t.TempDir())

	require.NoError(t, l.Record("alice", task.RecoveryEntry{
		TaskID: "t-1", Source: "http://a", Kind: task.KindDownload,
	}))
	require.NoError(t, l.Record("alice", task.RecoveryEntry{
		TaskID: "t-2", Source: "http://b", Destination: "remote:x", Kind: task.KindDownloadUpload,
	}))
	require.NoError(t, l.Record("bob", task.RecoveryEntry{
		TaskID: "t-3", Source: "magnet:?xt=c", Kind: task.KindDownload,
	}))

	all, err := l.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Len(t, all["alice"], 2)
	require.Len(t, all["bob"], 1)

	byID := map[string]task.RecoveryEntry{}
	for _, e := range all["alice"] {
		byID[e.TaskID] = e
	}
	require.Contains(t, byID, "t-1")
	require.Contains(t, byID, "t-2")
	assert.Equal(t, "http://a", byID["t-1"].Source)
	assert.Equal(t, "remote:x", byID["t-2"].Destination)
	assert.Equal(t, task.KindDownloadUpload, byID["t-2"].Kind)
	assert.Empty(t, all["bob"][0].Destination)
}

func TestRecordIsUpsert(t *testing.T) {
	l := openTestLog(t, t.TempDir())

	e := task.RecoveryEntry{TaskID: "t-1", Source: "http://a", Kind: task.KindDownloadUpload}
	require.NoError(t, l.Record("alice", e))
	// Re-recording on a phase change must not duplicate the row.
	e.Destination = "remote:x"
	require.NoError(t, l.Record("alice", e))

	all, err := l.LoadAll()
	require.NoError(t, err)
	require.Len(t, all["alice"], 1)
	assert.Equal(t, "remote:x", all["alice"][0].Destination)
}

func TestClear(t *testing.T) {
	l := openTestLog(t, t.TempDir())

	require.NoError(t, l.Record("alice", task.RecoveryEntry{TaskID: "t-1", Source: "s", Kind: task.KindDownload}))
	require.NoError(t, l.Record("alice", task.RecoveryEntry{TaskID: "t-2", Source: "s", Kind: task.KindDownload}))

	require.NoError(t, l.Clear("alice", "t-1"))
	// Clearing a missing entry is not an error.
	require.NoError(t, l.Clear("alice", "gone"))

	all, err := l.LoadAll()
	require.NoError(t, err)
	require.Len(t, all["alice"], 1)
	assert.Equal(t, "t-2", all["alice"][0].TaskID)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := recovery.Open(dir, slog.Default())
	require.NoError(t, err)
	require.NoError(t, l.Record("alice", task.RecoveryEntry{TaskID: "t-1", Source: "http://a", Kind: task.KindDownload}))
	require.NoError(t, l.Close())

	// Simulates the restart path: entries recorded before a crash are
	// visible to the next process.
	reopened := openTestLog(t, dir)
	all, err := reopened.LoadAll()
	require.NoError(t, err)
	require.Len(t, all["alice"], 1)
	assert.Equal(t, "t-1", all["alice"][0].TaskID)
}
