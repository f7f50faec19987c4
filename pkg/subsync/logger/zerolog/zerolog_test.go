package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }},
		{"info", func(l *Logger) { l.Info("msg") }},
		{"warn", func(l *Logger) { l.Warn("msg") }},
		{"error", func(l *Logger) { l.Error("msg") }},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewLogger(zerolog.New(&buf)))

			out := decode(t, &buf)
			assert.Equal(t, tt.level, out["level"])
			assert.Equal(t, "msg", out["message"])
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Info("reconciled",
		subsync.F("user_id", "u1"),
		subsync.F("count", 2),
		subsync.F("cause", errors.New("boom")),
	)

	out := decode(t, &buf)
	assert.Equal(t, "u1", out["user_id"])
	assert.Equal(t, float64(2), out["count"])
	assert.Equal(t, "boom", out["cause"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestLogger_ImplementsInterface(t *testing.T) {
	var _ subsync.Logger = NewLogger(zerolog.Nop())
}
