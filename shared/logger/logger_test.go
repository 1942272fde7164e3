package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			log, err := New(tt.level, "json")
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, log.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestNewConsole(t *testing.T) {
	log, err := New("info", "console")
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := New("warning", "json")
	assert.ErrorContains(t, err, `invalid log level "warning"`)

	_, err = New("info", "xml")
	assert.ErrorContains(t, err, `invalid log format "xml"`)
}
