package logging_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentworkforce/canvasrelay/internal/logging"
	"github.com/stretchr/testify/require"
)

func TestLogWritesJSON(t *testing.T) {
	buff := bytes.NewBuffer(nil)
	log, err := logging.New().FromWriter(buff).Level("debug").Make()
	require.NoError(t, err)
	require.Equal(t, 0, buff.Len())

	log.Logger.Debug().Str("project_id", "p1").Msg("joined")
	require.Contains(t, buff.String(), `"project_id":"p1"`)
	require.Contains(t, buff.String(), `"service":"canvasrelay"`)
}

func TestLogLevelFilters(t *testing.T) {
	buff := bytes.NewBuffer(nil)
	log, err := logging.New().FromWriter(buff).Level("warn").Make()
	require.NoError(t, err)

	log.Logger.Info().Msg("quiet")
	require.Equal(t, 0, buff.Len())
	log.Logger.Warn().Msg("loud")
	require.Contains(t, buff.String(), "loud")
}

func TestLogRejectsUnknownLevel(t *testing.T) {
	_, err := logging.New().FromWriter(bytes.NewBuffer(nil)).Level("chatty").Make()
	require.Error(t, err)
}

func TestLogToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	log, err := logging.New().FromPath(path).Make()
	require.NoError(t, err)
	log.Logger.Info().Msg("to file")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "to file")
}
