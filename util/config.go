package util

import (
	"encoding/hex"
	"os"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"

	"github.com/ceyhunalp/calypso_client/byzcoin"
)

// Config is the client configuration, stored as toml.
type Config struct {
	// Roster is the path of the group toml file of the conodes.
	Roster string
	// ChainID is the hex id of the ByzCoin chain.
	ChainID string
	// LTSID is the hex instance id of the long-term secret.
	LTSID string
	// AdminKey is the hex private ed25519 key of the darc owner.
	AdminKey string
	// BlockDB is the path of the database of verified blocks.
	BlockDB string
	// Wait is the number of blocks to wait for a transaction.
	Wait int
	// Debug is the log level.
	Debug int
}

// DefaultWait is used if Wait is not set.
const DefaultWait = 10

// LoadConfig reads a configuration file.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Wait: DefaultWait}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, xerrors.Errorf("reading %s: %v: %w", path, err, byzcoin.ErrConfig)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (cfg *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// ID returns the chain id.
func (cfg *Config) ID() (byzcoin.ChainID, error) {
	id, err := hex.DecodeString(cfg.ChainID)
	if err != nil || len(id) == 0 {
		return nil, xerrors.Errorf("invalid chain id %q: %w", cfg.ChainID, byzcoin.ErrConfig)
	}
	return id, nil
}

// LTS returns the instance id of the long-term secret.
func (cfg *Config) LTS() (byzcoin.InstanceID, error) {
	buf, err := hex.DecodeString(cfg.LTSID)
	if err != nil || len(buf) != len(byzcoin.InstanceID{}) {
		return byzcoin.InstanceID{}, xerrors.Errorf("invalid lts id %q: %w", cfg.LTSID, byzcoin.ErrConfig)
	}
	return byzcoin.NewInstanceID(buf), nil
}

// Signer returns the darc signer of AdminKey.
func (cfg *Config) Signer() (darc.Signer, error) {
	priv, err := encoding.StringHexToScalar(cothority.Suite, cfg.AdminKey)
	if err != nil {
		return darc.Signer{}, xerrors.Errorf("invalid admin key: %v: %w", err, byzcoin.ErrConfig)
	}
	pub := cothority.Suite.Point().Mul(priv, nil)
	return darc.NewSignerEd25519(pub, priv), nil
}

// NewAdminKey sets a new random AdminKey and returns its signer.
func (cfg *Config) NewAdminKey() (darc.Signer, error) {
	kp := key.NewKeyPair(cothority.Suite)
	s, err := encoding.ScalarToStringHex(cothority.Suite, kp.Private)
	if err != nil {
		return darc.Signer{}, err
	}
	cfg.AdminKey = s
	return darc.NewSignerEd25519(kp.Public, kp.Private), nil
}
