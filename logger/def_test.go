package logger

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bytewhisperer.log")
	l, err := New(Config{Mode: "production", Level: "info", File: path})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("engine created")
	_ = l.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "engine created", entry["msg"])
	assert.Contains(t, entry, "timestamp")
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestLog_Init(t *testing.T) {
	require.NoError(t, InitDevelopment())
	assert.NotNil(t, Log())
	assert.NotNil(t, S())
	Sync()
}

func TestFatal_BeforeInit(t *testing.T) {
	if os.Getenv("BW_FATAL_CHILD") == "1" {
		Fatal("command failed", zap.Error(errors.New("model path is required")))
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestFatal_BeforeInit$")
	cmd.Env = append(os.Environ(), "BW_FATAL_CHILD=1")
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, string(out), "command failed")
	assert.Contains(t, string(out), "model path is required")
}
