// Package keys loads the service master key pair used to open submitted
// envelopes.
package keys

import (
	"errors"
	"fmt"
	"os"

	"github.com/elixir-oslo/crypt4gh/keys"
	log "github.com/sirupsen/logrus"
)

// Loader names accepted in configuration.
const (
	LoaderC4GHFile = "C4GHFileKey"
	LoaderVault    = "HashiCorpVaultKey"
	LoaderHTTPS    = "HTTPSKey"
)

// A Provider hands out the master key pair.
type Provider interface {
	Public() [32]byte
	Private() [32]byte
}

// Conf selects and configures a key loader.
type Conf struct {
	Loader     string `mapstructure:"loader" validate:"required,oneof=C4GHFileKey HashiCorpVaultKey HTTPSKey"`
	Filepath   string `mapstructure:"filepath"`
	Passphrase string `mapstructure:"passphrase"`
}

// NewProvider builds the provider named by c.Loader. Only the file backed
// loader is available; the vault and HTTPS loaders are declared but their
// backends are not deployed yet.
func NewProvider(c Conf) (Provider, error) {
	switch c.Loader {
	case LoaderC4GHFile:
		return newC4GHFileKey(c)
	case LoaderVault, LoaderHTTPS:
		return nil, fmt.Errorf("keys: loader %s is not implemented", c.Loader)
	default:
		return nil, fmt.Errorf("keys: unknown loader %q", c.Loader)
	}
}

// c4ghFileKey unlocks a Crypt4GH formatted key file with a passphrase. The
// public half is recomputed from the private scalar instead of being read
// from a companion file.
type c4ghFileKey struct {
	private [32]byte
	public  [32]byte
}

func newC4GHFileKey(c Conf) (*c4ghFileKey, error) {
	if c.Filepath == "" || c.Passphrase == "" {
		return nil, errors.New("keys: filepath and passphrase are required for C4GHFileKey")
	}

	log.Debugf("unlocking private key: %s", c.Filepath)
	f, err := os.Open(c.Filepath)
	if err != nil {
		return nil, fmt.Errorf("keys: open key file: %w", err)
	}
	defer f.Close()

	private, err := keys.ReadPrivateKey(f, []byte(c.Passphrase))
	if err != nil {
		return nil, fmt.Errorf("keys: read private key %s: %w", c.Filepath, err)
	}

	k := &c4ghFileKey{
		private: private,
		public:  keys.DerivePublicKey(private),
	}
	log.Info("successfully loaded a Crypt4GH formatted key from file")
	return k, nil
}

func (k *c4ghFileKey) Public() [32]byte { return k.public }

func (k *c4ghFileKey) Private() [32]byte { return k.private }
