package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zap.AtomicLevel
	}{
		{"", zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"debug", zap.NewAtomicLevelAt(zap.DebugLevel)},
		{"INFO", zap.NewAtomicLevelAt(zap.InfoLevel)},
		{"error", zap.NewAtomicLevelAt(zap.ErrorLevel)},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, err := New(Config{Level: tt.level})
			require.NoError(t, err)
			require.True(t, log.Core().Enabled(tt.want.Level()))
			if tt.want.Level() > zap.DebugLevel {
				require.False(t, log.Core().Enabled(tt.want.Level()-1))
			}
		})
	}
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
	_, err = New(Config{Format: "xml"})
	require.Error(t, err)
}

func TestNew_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ext2ctl.log")
	log, err := New(Config{Level: "info", Format: "json", File: path})
	require.NoError(t, err)

	log.Info("allocated", zap.Uint32("block", 9))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	require.Equal(t, "allocated", entry["msg"])
	require.EqualValues(t, 9, entry["block"])
}

func TestNew_ConsoleFileHasNoColor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ext2ctl.log")
	log, err := New(Config{Level: "warn", File: path})
	require.NoError(t, err)
	log.Warn("group skipped")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "WARN")
	require.NotContains(t, string(data), "\x1b[")
}
