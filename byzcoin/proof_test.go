package byzcoin_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/ceyhunalp/calypso_client/byzcoin"
)

// provenValue returns a proof of a value instance on a chain of n blocks
// after the genesis block.
func provenValue(t *testing.T, env *testEnv, n int) (*byzcoin.Proof, byzcoin.InstanceID) {
	ctx := context.Background()
	tx, id := env.spawnValue(t, "value")
	_, err := env.l.Submit(ctx, tx)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		env.createBlock(t)
	}
	p, err := env.l.GetProof(ctx, id)
	require.NoError(t, err)
	return p, id
}

func TestProof_Verify(t *testing.T) {
	env := newEnv(t, 4, true)
	p, id := provenValue(t, env, 10)
	require.Equal(t, 10, p.Latest.Index)
	// The roster of the genesis block, then the highest links 0 -> 8 -> 10.
	require.Len(t, p.Links, 3)
	require.True(t, p.Links[0].From.IsNull())
	require.True(t, byzcoin.ProofInstance(p).Equal(id))

	ps, err := byzcoin.VerifyContract(p, env.l.Genesis(), id, "value")
	require.NoError(t, err)
	require.True(t, ps.Exists)
	require.Equal(t, []byte("value"), ps.Value)
	require.Equal(t, 10, ps.Block.Index)

	// Any block on the path can be trusted, as well as Latest.
	b8, err := env.l.Skipchain().GetBlock(context.Background(), p.Links[2].From)
	require.NoError(t, err)
	require.Equal(t, 8, b8.Index)
	_, err = byzcoin.VerifyProof(p, b8, id)
	require.NoError(t, err)
	_, err = byzcoin.VerifyProof(p, &p.Latest, id)
	require.NoError(t, err)

	// A block not on the path is refused.
	b11 := env.createBlock(t)
	_, err = byzcoin.VerifyProof(p, b11, id)
	require.True(t, xerrors.Is(err, byzcoin.ErrChainIntegrity))
}

func TestProof_Absent(t *testing.T) {
	env := newEnv(t, 4, true)
	id := byzcoin.NewInstanceID([]byte("no such instance"))
	p, err := env.l.GetProof(context.Background(), id)
	require.NoError(t, err)
	ps, err := byzcoin.VerifyProof(p, env.l.Genesis(), id)
	require.NoError(t, err)
	require.False(t, ps.Exists)
	_, err = byzcoin.VerifyContract(p, env.l.Genesis(), id, "value")
	require.True(t, xerrors.Is(err, byzcoin.ErrNotFound))
}

func TestProof_WrongKey(t *testing.T) {
	env := newEnv(t, 4, true)
	p, _ := provenValue(t, env, 1)
	_, err := byzcoin.VerifyContract(p, env.l.Genesis(), byzcoin.ConfigInstanceID, "value")
	require.True(t, xerrors.Is(err, byzcoin.ErrProofMismatch))
	_, err = env.l.VerifyProof(p, byzcoin.ConfigInstanceID)
	require.True(t, xerrors.Is(err, byzcoin.ErrProofMismatch))
	require.Equal(t, 0, env.l.Latest().Index)
}

func TestProof_Corrupted(t *testing.T) {
	env := newEnv(t, 4, true)
	p, id := provenValue(t, env, 5)
	genesis := env.l.Genesis()

	// Changed block content.
	cp := *p
	cp.Latest = *p.Latest.Copy()
	cp.Latest.Height++
	_, err := byzcoin.VerifyProof(&cp, genesis, id)
	require.True(t, xerrors.Is(err, byzcoin.ErrChainIntegrity))

	// Changed value in the trie path.
	cp = *p
	cp.InclusionProof.Leaf.Value = []byte("other")
	_, err = byzcoin.VerifyProof(&cp, genesis, id)
	require.True(t, xerrors.Is(err, byzcoin.ErrProofMismatch))

	// Broken signature of a link. The first link is only a roster.
	cp = *p
	cp.Links = make([]byzcoin.ForwardLink, len(p.Links))
	for i := range p.Links {
		cp.Links[i] = *p.Links[i].Copy()
	}
	cp.Links[1].Signature.Sig[0] ^= 0xff
	_, err = byzcoin.VerifyProof(&cp, genesis, id)
	require.True(t, xerrors.Is(err, byzcoin.ErrChainIntegrity))

	// Missing link.
	cp = *p
	cp.Links = p.Links[:len(p.Links)-1]
	_, err = byzcoin.VerifyProof(&cp, genesis, id)
	require.True(t, xerrors.Is(err, byzcoin.ErrChainIntegrity))

	// Proof for another chain.
	other := newEnv(t, 4, true)
	_, err = byzcoin.VerifyProof(p, other.l.Genesis(), id)
	require.True(t, xerrors.Is(err, byzcoin.ErrChainIntegrity))

	// The original still verifies, and a failed verification did not
	// move the latest block.
	require.Equal(t, 0, env.l.Latest().Index)
	_, err = env.l.VerifyProof(p, id)
	require.NoError(t, err)
	require.Equal(t, 5, env.l.Latest().Index)
}
