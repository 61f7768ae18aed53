package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger, err := New("warn", false)
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	logger, err = New("DEBUG", true)
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New("loud", false)
	require.Error(t, err)
}
