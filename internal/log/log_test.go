package log_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/log"
)

func TestNewWithWriter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  log.Config
		want string
	}{
		{
			name: "text format",
			cfg:  log.Config{Level: slog.LevelInfo},
			want: "msg=hello",
		},
		{
			name: "json format",
			cfg:  log.Config{Level: slog.LevelInfo, JSON: true},
			want: `"msg":"hello"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			logger := log.NewWithWriter(&buf, tt.cfg)
			logger.Info("hello", "key", "value")

			assert.Contains(t, buf.String(), tt.want)
			assert.Contains(t, buf.String(), "value")
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := log.NewWithWriter(&buf, log.Config{Level: slog.LevelWarn})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
}

func TestNewNopDiscards(t *testing.T) {
	t.Parallel()

	logger := log.NewNop()
	require.NotNil(t, logger)

	// Must not panic; output goes nowhere.
	logger.Error("dropped", "key", "value")
}
