package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerDefaultsToStderrAndInfo(t *testing.T) {
	logger := NewLogger(nil)
	require.NotNil(t, logger)
	assert.Equal(t, LevelInfo, logger.level)
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Info("should be suppressed")
	assert.Empty(t, buf.String())

	logger.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestLoggerWithAccumulatesContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	connLogger := logger.With("conn", 7)
	phaseLogger := connLogger.With("phase", "RELAY")
	phaseLogger.Debug("byte copied", "n", 512)

	out := buf.String()
	assert.True(t, strings.Contains(out, "conn=7"))
	assert.True(t, strings.Contains(out, "phase=RELAY"))
	assert.True(t, strings.Contains(out, "n=512"))

	// The parent logger's own context must be untouched by the child.
	buf.Reset()
	connLogger.Info("unrelated")
	assert.False(t, strings.Contains(buf.String(), "phase="))
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	assert.Contains(t, buf.String(), "debug message")
	assert.Contains(t, buf.String(), "key=value")

	buf.Reset()
	Error("error message")
	assert.Contains(t, buf.String(), "error message")
}
