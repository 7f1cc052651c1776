package blockdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"

	"github.com/ceyhunalp/calypso_client/byzcoin"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func newChain(n int) []*byzcoin.Block {
	kp := key.NewKeyPair(cothority.Suite)
	si := network.NewServerIdentity(kp.Public, network.NewAddress(network.PlainTCP, "127.0.0.1:7770"))
	r := onet.NewRoster([]*network.ServerIdentity{si})
	blocks := make([]*byzcoin.Block, n)
	for i := range blocks {
		b := skipchain.NewSkipBlock()
		b.Index = i
		b.Height = 1
		b.Roster = r
		b.Data = []byte{byte(i)}
		if i > 0 {
			b.GenesisID = blocks[0].Hash
			b.BackLinkIDs = []byzcoin.BlockID{blocks[i-1].Hash}
		}
		b.Hash = b.CalculateHash()
		blocks[i] = b
	}
	return blocks
}

func newTestDB(t *testing.T) *BlockDB {
	bdb, err := Open(filepath.Join(t.TempDir(), "blocks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })
	return bdb
}

func TestBlockDB_StoreAndGet(t *testing.T) {
	bdb := newTestDB(t)
	blocks := newChain(3)
	for _, b := range blocks {
		require.NoError(t, bdb.StoreBlock(b))
	}
	for _, b := range blocks {
		got, err := bdb.GetBlock(b.Hash)
		require.NoError(t, err)
		require.Equal(t, b.Index, got.Index)
		require.True(t, b.Hash.Equal(got.Hash))
		require.True(t, got.CalculateHash().Equal(b.Hash))
		require.True(t, got.Roster.List[0].Public.Equal(b.Roster.List[0].Public))
	}

	_, err := bdb.GetBlock([]byte("unknown"))
	require.True(t, xerrors.Is(err, ErrUnknownBlock))
}

func TestBlockDB_Latest(t *testing.T) {
	bdb := newTestDB(t)
	blocks := newChain(4)
	id := blocks[0].Hash

	_, err := bdb.GetLatest(id)
	require.True(t, xerrors.Is(err, ErrUnknownBlock))

	require.NoError(t, bdb.StoreBlock(blocks[0]))
	require.NoError(t, bdb.StoreBlock(blocks[2]))
	// An older block does not replace the latest one.
	require.NoError(t, bdb.StoreBlock(blocks[1]))
	latest, err := bdb.GetLatest(id)
	require.NoError(t, err)
	require.Equal(t, 2, latest.Index)

	require.NoError(t, bdb.StoreBlock(blocks[3]))
	latest, err = bdb.GetLatest(id)
	require.NoError(t, err)
	require.Equal(t, 3, latest.Index)
}

func TestBlockDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")
	bdb, err := Open(path)
	require.NoError(t, err)
	blocks := newChain(2)
	require.NoError(t, bdb.StoreBlock(blocks[0]))
	require.NoError(t, bdb.StoreBlock(blocks[1]))
	require.NoError(t, bdb.Close())

	bdb, err = Open(path)
	require.NoError(t, err)
	defer bdb.Close()
	latest, err := bdb.GetLatest(blocks[0].Hash)
	require.NoError(t, err)
	require.True(t, latest.Hash.Equal(blocks[1].Hash))
}
