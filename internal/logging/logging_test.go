package logging

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap/zapcore"
)

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, closer, err := newLogger(EnvConfig{Level: "warn"}, zapcore.AddSync(&buf))
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, logger.Sync())

	require.NotContains(t, buf.String(), "dropped")
	require.Equal(t, "kept", fastjson.GetString(buf.Bytes(), "msg"))
}

func TestRotatedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "core.log")
	var buf bytes.Buffer
	logger, closer, err := newLogger(EnvConfig{Level: "debug", Development: true, File: path, MaxSizeMB: 1}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Debug("to both sinks")
	require.NoError(t, logger.Sync())
	require.NoError(t, closer.Close())

	require.Contains(t, buf.String(), "to both sinks")
	content, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "to both sinks", fastjson.GetString(content, "msg"))
}

func TestBadLevel(t *testing.T) {
	t.Parallel()

	_, _, err := New(EnvConfig{Level: "loud"})
	require.Error(t, err)
}
