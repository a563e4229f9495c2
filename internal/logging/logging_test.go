package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_JSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "trimsweep.log")
	logger, err := New(Options{Level: "warn", Format: "json", File: path})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("cell failed", zap.String("cell", "MACH_0_60/CL_0_50"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "cell failed", entry["msg"])
	assert.Equal(t, "MACH_0_60/CL_0_50", entry["cell"])
	assert.Contains(t, entry, "ts")
}

func TestNew_VerboseForcesDebug(t *testing.T) {
	logger, err := New(Options{Level: "error", Verbose: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
}
