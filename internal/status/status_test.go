package status

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gridbot/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "eth-long")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "eth-long.json"), w.Path())

	first := Payload{InstanceID: "eth-long", Timestamp: time.Unix(100, 0).UTC(), Health: Health{State: StateRunning}}
	require.NoError(t, w.Write(first))

	second := first
	second.Position = state.Position{Amount: 0.5, EntryPrice: 2000}
	second.Accounting = state.Accounting{Allocated: 1000, Equity: 1012.5, PNL: 12.5}
	require.NoError(t, w.Write(second))

	got, err := Read(w.Path())
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Position.Amount)
	assert.Equal(t, 12.5, got.Accounting.PNL)
	assert.Equal(t, StateRunning, got.Health.State)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestWriterRejectsEmptyInstance(t *testing.T) {
	_, err := NewWriter(t.TempDir(), "")
	assert.Error(t, err)
}

func TestReadMissing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.json"))
	assert.True(t, os.IsNotExist(err))
}
