package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLogger_EmitsFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewSlogLogger(&buf, LogLevelInfo, nil)

	log.Info("alert created",
		String("alert_id", "a-1"),
		Int("attempt", 2),
		Bool("suppressed", false))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "alert created", record["msg"])
	assert.Equal(t, "a-1", record["alert_id"])
	assert.InDelta(t, 2, record["attempt"], 0)
	assert.Equal(t, false, record["suppressed"])
}

func TestSlogLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewSlogLogger(&buf, LogLevelError, nil)

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("hidden")
	assert.Zero(t, buf.Len(), "records below error should be dropped")

	log.Error("visible")
	assert.NotZero(t, buf.Len())
}

func TestSlogLogger_WithBaseFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewSlogLogger(&buf, LogLevelInfo, []Field{String("component", "dispatcher")})

	log.With(String("channel", "slack")).Info("sent")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "dispatcher", record["component"])
	assert.Equal(t, "slack", record["channel"])
}

func TestErrorField_NilError(t *testing.T) {
	f := Error(nil)
	assert.Equal(t, "error", f.Key)
	assert.Equal(t, "<nil>", f.Value)

	f = Error(errors.New("boom"))
	assert.Equal(t, "boom", f.Value)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"", LogLevelInfo},
		{"bogus", LogLevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}
