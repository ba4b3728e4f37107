package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) {
	t.Helper()
	require.NoError(t, Init(filepath.Join(t.TempDir(), "db", "history.db")))
	t.Cleanup(Close)
}

func TestInsertAndHistory(t *testing.T) {
	openTemp(t)

	for i, cmd := range []string{"ATON", "ATOFF", "ATSTATE"} {
		require.NoError(t, InsertCommand(CommandRecord{
			Timestamp:   int64(1000 * (i + 1)),
			Kind:        "command",
			Command:     cmd,
			Line:        cmd,
			Response:    "1",
			CommandKind: "direct",
			DurationUS:  150,
		}))
	}

	all, err := GetHistory(0, 10_000, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ATON", all[0].Command)
	assert.Equal(t, int64(150), all[0].DurationUS)

	window, err := GetHistory(1500, 3000, 0)
	require.NoError(t, err)
	assert.Len(t, window, 2)

	newest, err := GetHistory(0, 10_000, 2)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, "ATOFF", newest[0].Command)
	assert.Equal(t, "ATSTATE", newest[1].Command)
}

func TestPruneOlderThan(t *testing.T) {
	openTemp(t)

	require.NoError(t, InsertCommand(CommandRecord{Timestamp: 100, Kind: "command"}))
	require.NoError(t, InsertCommand(CommandRecord{Timestamp: 200, Kind: "timer"}))

	n, err := PruneOlderThan(150)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rest, err := GetHistory(0, 1000, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "timer", rest[0].Kind)

	assert.NoError(t, Checkpoint())
}

func TestDistinctDates(t *testing.T) {
	openTemp(t)

	require.NoError(t, InsertCommand(CommandRecord{Timestamp: 1_700_000_000_000, Kind: "command"}))
	dates, err := GetDistinctDates()
	require.NoError(t, err)
	assert.Len(t, dates, 1)
}

func TestClosedDatabase(t *testing.T) {
	Close()
	assert.ErrorIs(t, InsertCommand(CommandRecord{}), ErrNotOpen)
	_, err := GetHistory(0, 1, 0)
	assert.ErrorIs(t, err, ErrNotOpen)
}
