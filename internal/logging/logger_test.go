package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	lines []string
}

func (c *captureLogger) Debug(format string, args ...any) { c.lines = append(c.lines, "debug") }
func (c *captureLogger) Info(format string, args ...any)  { c.lines = append(c.lines, "info") }
func (c *captureLogger) Warn(format string, args ...any)  { c.lines = append(c.lines, "warn") }
func (c *captureLogger) Error(format string, args ...any) { c.lines = append(c.lines, "error") }

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	var nilPtr *captureLogger
	assert.Equal(t, Nop(), OrNop(nilPtr))

	capture := &captureLogger{}
	assert.Equal(t, Logger(capture), OrNop(capture))
}

func TestMultiFanOut(t *testing.T) {
	first := &captureLogger{}
	second := &captureLogger{}

	logger := Multi(first, nil, second)
	logger.Info("hello %s", "world")
	logger.Error("boom")

	assert.Equal(t, []string{"info", "error"}, first.lines)
	assert.Equal(t, []string{"info", "error"}, second.lines)
}

func TestMultiCollapsesSingle(t *testing.T) {
	capture := &captureLogger{}
	assert.Equal(t, Logger(capture), Multi(nil, capture))
	assert.Equal(t, Nop(), Multi(nil, nil))
}

func TestComponentLoggerLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	SetDefaultOutput(&buf)
	SetDefaultLevel(LevelInfo)
	t.Cleanup(func() {
		SetDefaultOutput(nil)
		SetDefaultLevel(LevelInfo)
	})

	logger := NewComponentLogger("SessionStore")
	logger.Debug("hidden")
	logger.Info("loaded %d sessions", 3)

	output := buf.String()
	require.NotContains(t, output, "hidden")
	assert.Contains(t, output, "[INFO] [SessionStore] loaded 3 sessions")
	assert.Equal(t, 1, strings.Count(output, "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel(" WARNING "))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("unknown"))
}
