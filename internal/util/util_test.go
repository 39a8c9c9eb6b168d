package util

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonunix/kbsync/internal/config"
)

func TestMatchAny(t *testing.T) {
	assert.True(t, MatchAny(nil, "bot-1"))
	assert.True(t, MatchAny([]string{"bot-*"}, "bot-1"))
	assert.True(t, MatchAny([]string{"x", "bot-?"}, "bot-1"))
	assert.False(t, MatchAny([]string{"bot-*"}, "tenant-1"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestNewHTTPClient_Default(t *testing.T) {
	c, err := NewHTTPClient(config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, c.Transport)
}

func TestNewHTTPClient_BadCACert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a cert"), 0644))

	_, err := NewHTTPClient(config.TLSConfig{CACert: path})
	assert.Error(t, err)
}

func TestNewHTTPClient_SkipVerify(t *testing.T) {
	c, err := NewHTTPClient(config.TLSConfig{SkipVerify: true})
	require.NoError(t, err)
	assert.NotNil(t, c.Transport)
}
