package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_GeneratesAndPersists(t *testing.T) {
	t.Setenv("MIX_IDENTITY_PASSPHRASE", "correct horse battery staple")
	dir := t.TempDir()
	s := New(dir)

	id, err := s.LoadOrCreate()
	require.NoError(t, err)
	require.NotEmpty(t, id.PrivateKey)
	require.NotEmpty(t, id.PublicKey)

	again, err := s.LoadOrCreate()
	require.NoError(t, err)
	require.Equal(t, id.PublicKey, again.PublicKey)
}

func TestReload_WrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("MIX_IDENTITY_PASSPHRASE", "first-secret")
	s := New(dir)
	_, err := s.LoadOrCreate()
	require.NoError(t, err)

	t.Setenv("MIX_IDENTITY_PASSPHRASE", "wrong-secret")
	_, err = s.Reload()
	require.Error(t, err)
}
