package main

import (
	"path/filepath"
	"testing"

	"github.com/multisig-wizard/coordinator/repo"
	"github.com/multisig-wizard/coordinator/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func runApp(args ...string) error {
	app := newApp()
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app.Run(append([]string{"coordinator"}, args...))
}

func TestGenerateAppliesFlags(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")

	err := runApp("--repo", root, "config", "generate", "--dial-url", "http://127.0.0.1:8091", "--digest-dir", "out")
	require.Nil(t, err)

	r, err := repo.Load(root)
	require.Nil(t, err)
	assert.Equal(t, "http://127.0.0.1:8091", r.Config.Ledger.DialUrl)
	assert.True(t, r.Config.Digest.Enable)
	assert.Equal(t, filepath.Join(root, "out"), r.DigestPath())

	// a second generate leaves the existing config alone
	require.Nil(t, runApp("--repo", root, "config", "generate", "--dial-url", "http://127.0.0.1:1"))
	r, err = repo.Load(root)
	require.Nil(t, err)
	assert.Equal(t, "http://127.0.0.1:8091", r.Config.Ledger.DialUrl)
}

func TestProposalCommandsNeedFreeStore(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	require.Nil(t, runApp("--repo", root, "config", "generate"))

	r, err := repo.Load(root)
	require.Nil(t, err)
	store, err := storage.Open(r.StorePath())
	require.Nil(t, err)
	defer store.Close()

	err = runApp("--repo", root, "proposal", "list", "--source", "multi")
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "is the daemon running")
}
