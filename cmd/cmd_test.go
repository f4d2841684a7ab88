package cmd

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "parley")
	assert.Contains(t, out.String(), "git commit")
}

func TestNewLoggerLevels(t *testing.T) {
	flagLogDebug = false
	logger := newLogger()
	assert.False(t, logger.Enabled(t.Context(), slog.LevelDebug))

	flagLogDebug = true
	t.Cleanup(func() { flagLogDebug = false })
	logger = newLogger()
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
}
