package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAppendsAndMirrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	notified := 0
	activity := NewLog(path, func() { notified++ })

	activity.Message("Program started.")
	activity.Command("Refreshing %s…", "pylint")

	lines := activity.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "Program started.", lines[0].Text)
	assert.False(t, lines[0].Command)
	assert.Equal(t, "Refreshing pylint…", lines[1].Text)
	assert.True(t, lines[1].Command)
	assert.Equal(t, 2, notified)

	mirror, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(mirror), "Program started.")
	assert.Contains(t, string(mirror), "Refreshing pylint…")
}

func TestLogBoundsBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	activity := NewLog(path, nil)
	for i := 0; i < maxLogLines+50; i++ {
		activity.Message("line %d", i)
	}
	lines := activity.Lines()
	assert.Len(t, lines, maxLogLines)
	assert.Equal(t, "line 50", lines[0].Text)
}

func TestLogDeleteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	activity := NewLog(path, nil)
	activity.Message("something")
	activity.DeleteFile()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Deleting an absent mirror is fine, and logging still works after.
	activity.DeleteFile()
	activity.Message("more")
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLogRestore(t *testing.T) {
	activity := NewLog(filepath.Join(t.TempDir(), "log"), nil)
	activity.Restore([]Line{{Text: "old line"}})
	lines := activity.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "old line", lines[0].Text)
}
