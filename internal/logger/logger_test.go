package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/michaelbrown/sandboxd/internal/config"
)

func TestNew(t *testing.T) {
	t.Run("Development", func(t *testing.T) {
		l, err := New("development", "debug")
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("ProductionRespectsLevel", func(t *testing.T) {
		l, err := New("production", "warn")
		require.NoError(t, err)
		assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
		assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
	})

	t.Run("InvalidMode", func(t *testing.T) {
		_, err := New("verbose", "info")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging mode")
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		_, err := New("production", "loud")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging level")
	})
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{Logging: config.LoggingConfig{Mode: "production", Level: "error"}}
	l, err := NewFromConfig(cfg)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.WarnLevel))
}
