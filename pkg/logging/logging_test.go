package logging_test

import (
	"testing"

	"github.com/canopy-network/fleetscaler/pkg/logging"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zap.DebugLevel, logging.ParseLevel("debug"))
	require.Equal(t, zap.WarnLevel, logging.ParseLevel("warn"))
	require.Equal(t, zap.InfoLevel, logging.ParseLevel("verbose"))
}

func TestNewHonoursEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_ENCODING", "console")

	logger, err := logging.New()
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zap.InfoLevel))
	require.True(t, logger.Core().Enabled(zap.WarnLevel))
}
