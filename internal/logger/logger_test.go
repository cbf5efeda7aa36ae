package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDiscardByDefault(t *testing.T) {
	require.NoError(t, Init(Options{}))
	require.False(t, L().Enabled(t.Context(), slog.LevelError))
}

func TestInitWriterText(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Init(Options{Enabled: true, Writer: &out, Level: slog.LevelDebug}))
	t.Cleanup(func() { _ = Init(Options{}) })

	Debug("region mapped", "class", "tiny", "base", "0x100000")
	require.Contains(t, out.String(), "msg=\"region mapped\"")
	require.Contains(t, out.String(), "class=tiny")
}

func TestInitWriterJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Init(Options{Enabled: true, Writer: &out, JSON: true}))
	t.Cleanup(func() { _ = Init(Options{}) })

	Debug("hidden")
	Warn("flotsam", "bytes", 1)
	require.NotContains(t, out.String(), "hidden")
	require.Contains(t, out.String(), `"msg":"flotsam"`)
}

func TestLogDirRotation(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, logPrefix+time.Now().AddDate(0, 0, -30).Format("2006-01-02")+logSuffix)
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))

	require.NoError(t, Init(Options{Enabled: true, LogDir: dir}))
	t.Cleanup(func() { _ = Init(Options{}) })
	Info("hello")

	_, err := os.Stat(old)
	require.True(t, os.IsNotExist(err), "old log should be removed")

	today := filepath.Join(dir, logPrefix+time.Now().Format("2006-01-02")+logSuffix)
	data, err := os.ReadFile(today)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}
