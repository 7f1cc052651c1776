// Package blockdb keeps verified blocks on disk, so that a new session
// can start from the latest trusted block of a chain instead of the
// genesis block.
package blockdb

import (
	"errors"

	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"github.com/ceyhunalp/calypso_client/byzcoin"
)

var (
	bucketBlocks = []byte("blocks")
	bucketLatest = []byte("latest")
)

// ErrUnknownBlock is returned if a block is not in the database.
var ErrUnknownBlock = errors.New("unknown block")

// BlockDB stores blocks by hash and remembers the block with the highest
// index of every chain.
type BlockDB struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*BlockDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, xerrors.Errorf("opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBlocks, bucketLatest} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("creating buckets: %w", err)
	}
	return &BlockDB{db: db}, nil
}

// Close closes the database.
func (bdb *BlockDB) Close() error {
	return bdb.db.Close()
}

// StoreBlock implements byzcoin.BlockStore. The block must have been
// verified by the caller.
func (bdb *BlockDB) StoreBlock(b *byzcoin.Block) error {
	val, err := protobuf.Encode(b)
	if err != nil {
		return xerrors.Errorf("encoding block: %w", err)
	}
	chainID := b.SkipChainID()
	return bdb.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBlocks).Put(b.Hash, val); err != nil {
			return err
		}
		latest := tx.Bucket(bucketLatest)
		if cur := latest.Get(chainID); cur != nil {
			old, err := getFromTx(tx, cur)
			if err != nil {
				return err
			}
			if old.Index >= b.Index {
				return nil
			}
		}
		log.Lvl3("Storing latest block", b.Index, "of", chainID.Short())
		return latest.Put(chainID, b.Hash)
	})
}

// GetBlock returns the block with the given hash.
func (bdb *BlockDB) GetBlock(id byzcoin.BlockID) (*byzcoin.Block, error) {
	var result *byzcoin.Block
	err := bdb.db.View(func(tx *bolt.Tx) error {
		b, err := getFromTx(tx, id)
		if err != nil {
			return err
		}
		result = b
		return nil
	})
	return result, err
}

// GetLatest returns the stored block with the highest index of the chain.
func (bdb *BlockDB) GetLatest(id byzcoin.ChainID) (*byzcoin.Block, error) {
	var result *byzcoin.Block
	err := bdb.db.View(func(tx *bolt.Tx) error {
		hash := tx.Bucket(bucketLatest).Get(id)
		if hash == nil {
			return xerrors.Errorf("chain %s: %w", id.Short(), ErrUnknownBlock)
		}
		b, err := getFromTx(tx, hash)
		if err != nil {
			return err
		}
		result = b
		return nil
	})
	return result, err
}

func getFromTx(tx *bolt.Tx, id []byte) (*byzcoin.Block, error) {
	val := tx.Bucket(bucketBlocks).Get(id)
	if val == nil {
		return nil, xerrors.Errorf("block %x: %w", id, ErrUnknownBlock)
	}
	// bolt values are only valid during the transaction.
	buf := make([]byte, len(val))
	copy(buf, val)
	b := &byzcoin.Block{}
	if err := protobuf.DecodeWithConstructors(buf, b, network.DefaultConstructors(cothority.Suite)); err != nil {
		return nil, xerrors.Errorf("decoding block: %w", err)
	}
	return b, nil
}
