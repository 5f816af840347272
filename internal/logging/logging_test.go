package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesJSON(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Out: &buf})
	componentLogger := Component(logger, "breaker")
	componentLogger.Debug().Str("api", "supplier").Msg("circuit opened")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "breaker", line["component"])
	assert.Equal(t, "supplier", line["api"])
	assert.Equal(t, "debug", line["level"])
	assert.Contains(t, line, "time")
}

func TestApplyLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	assert.Equal(t, zerolog.WarnLevel, ApplyLevel(" WARN "))
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	assert.Equal(t, zerolog.InfoLevel, ApplyLevel("chatty"))
	assert.Equal(t, zerolog.InfoLevel, ApplyLevel(""))
}

func TestConsoleFormat(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Format: "console", Out: &buf})
	logger.Info().Msg("ready")
	assert.Contains(t, buf.String(), "ready")
	assert.False(t, json.Valid(buf.Bytes()))
}
