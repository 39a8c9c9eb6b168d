package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonunix/kbsync/internal/shared"
)

func TestParseTenants(t *testing.T) {
	got, err := parseTenants([]string{"u1/t1", "u2/t2"})
	require.NoError(t, err)
	assert.Equal(t, []shared.TenantRequest{{OwnerID: "u1", TenantID: "t1"}, {OwnerID: "u2", TenantID: "t2"}}, got)

	got, err = parseTenants(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, bad := range []string{"t1", "/t1", "u1/"} {
		_, err := parseTenants([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"run"},
		{"lock", "acquire"},
		{"lock", "release"},
		{"status", "get"},
		{"status", "set"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestRootCommand_MissingConfig(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"--config", "/nonexistent/kbsync.yaml", "run", "--once"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}
