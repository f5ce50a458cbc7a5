package mlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(&LogConfig{Level: "info"})
	require.NoError(t, err)

	_, err = NewLogger(&LogConfig{Level: "bad_level"})
	require.Error(t, err)

	f := filepath.Join(t.TempDir(), "log.txt")
	lg, err := NewLogger(&LogConfig{Level: "debug", File: f, Production: true})
	require.NoError(t, err)
	lg.Info("hello")
	_ = lg.Sync()

	b, err := os.ReadFile(f)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"hello"`)
}
