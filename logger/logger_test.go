package logger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/academy-ledger/logger"
)

func TestNew_LevelAndFormat(t *testing.T) {
	log, closer, err := logger.New(logger.Options{Level: "debug", Format: "json"})
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log, closer, err = logger.New(logger.Options{Level: "nonsense"})
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestNew_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	log, closer, err := logger.New(logger.Options{File: path})
	require.NoError(t, err)

	log.WithField("component", "test").Info("hello")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "test", line["component"])
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})

	logger.LogError(log, "jobs", "processSession", "auto attendance", map[string]string{"session": "s1"}, errors.New("boom"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "boom", line["msg"])
	assert.Equal(t, "jobs", line["module"])
	assert.Equal(t, "processSession", line["funcName"])
	assert.NotNil(t, line["data"])
}

func TestOr(t *testing.T) {
	assert.NotNil(t, logger.Or(nil))
	l := logrus.New()
	assert.Same(t, l, logger.Or(l))
}
