package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, err := NewLogger("test", tt.level)
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, log.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestComponentNilLogger(t *testing.T) {
	log := Component(nil, "sweeper")
	require.NotNil(t, log)
	log.Info("does not panic")
}
