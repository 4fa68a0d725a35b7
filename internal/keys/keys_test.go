package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/elixir-oslo/crypt4gh/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestKey(t *testing.T, passphrase string) (string, [32]byte, [32]byte) {
	t.Helper()

	public, private, err := keys.GenerateKeyPair()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "master.key")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, keys.WriteCrypt4GHX25519PrivateKey(f, private, []byte(passphrase)))
	require.NoError(t, f.Close())

	return path, public, private
}

func TestNewProvider_C4GHFileKey(t *testing.T) {
	t.Parallel()

	path, public, private := writeTestKey(t, "oaagCP1YgAZeEyl2eJAkHf9lkcWXWFgm")

	p, err := NewProvider(Conf{
		Loader:     LoaderC4GHFile,
		Filepath:   path,
		Passphrase: "oaagCP1YgAZeEyl2eJAkHf9lkcWXWFgm",
	})
	require.NoError(t, err)

	assert.Equal(t, private, p.Private())
	assert.Equal(t, public, p.Public())
}

func TestNewProvider_WrongPassphrase(t *testing.T) {
	t.Parallel()

	path, _, _ := writeTestKey(t, "correct")

	_, err := NewProvider(Conf{
		Loader:     LoaderC4GHFile,
		Filepath:   path,
		Passphrase: "incorrect",
	})
	require.Error(t, err)
}

func TestNewProvider_MissingSettings(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(Conf{Loader: LoaderC4GHFile})
	require.Error(t, err)

	_, err = NewProvider(Conf{Loader: LoaderC4GHFile, Filepath: "/some/key"})
	require.Error(t, err)
}

func TestNewProvider_DeclaredButNotImplemented(t *testing.T) {
	t.Parallel()

	for _, loader := range []string{LoaderVault, LoaderHTTPS} {
		_, err := NewProvider(Conf{Loader: loader})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not implemented")
	}
}

func TestNewProvider_UnknownLoader(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(Conf{Loader: "PKCS11Key"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown loader")
}
