package calypso_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"

	"github.com/ceyhunalp/calypso_client/byzcoin"
	"github.com/ceyhunalp/calypso_client/byzcoin/localtest"
	"github.com/ceyhunalp/calypso_client/calypso"
)

const testWait = 10

var calypsoActions = []darc.Action{
	"spawn:" + calypso.ContractLongTermSecretID,
	"invoke:" + calypso.ContractLongTermSecretID + "." + calypso.CmdReshare,
	"spawn:" + calypso.ContractWriteID,
	"spawn:" + calypso.ContractReadID,
}

type testEnv struct {
	c       *localtest.Cluster
	l       *byzcoin.Ledger
	co      *calypso.Coordinator
	signers []darc.Signer
	darcID  darc.ID
}

func newEnv(t *testing.T, n int) *testEnv {
	c := localtest.NewCluster(n)
	t.Cleanup(c.Close)
	owner := darc.NewSignerEd25519(nil, nil)
	d := byzcoin.GenesisDarc(owner, calypsoActions...)
	l, err := byzcoin.Create(context.Background(), c.Transport, c.Roster, d, 50*time.Millisecond)
	require.NoError(t, err)
	return &testEnv{
		c:       c,
		l:       l,
		co:      calypso.NewCoordinator(l),
		signers: []darc.Signer{owner},
		darcID:  d.GetBaseID(),
	}
}

func (env *testEnv) authorizeAll(t *testing.T) {
	for _, si := range env.c.Roster.List {
		require.NoError(t, env.co.Authorize(context.Background(), si, env.c.Private(si)))
	}
}

// newLTS creates a long-term secret held by the nodes of the ledger.
func (env *testEnv) newLTS(t *testing.T) *calypso.LTS {
	ctx := context.Background()
	env.authorizeAll(t)
	p, err := env.co.SpawnLTS(ctx, env.darcID, env.c.Roster, env.signers, testWait)
	require.NoError(t, err)
	lts, err := env.co.CreateLTS(ctx, p)
	require.NoError(t, err)
	return lts
}

func (env *testEnv) write(t *testing.T, lts *calypso.LTS, symKey []byte) *byzcoin.Proof {
	wp, err := env.co.AddWrite(context.Background(), env.darcID, lts.LTSID(), symKey, []byte("data"), env.signers, testWait)
	require.NoError(t, err)
	return wp
}

// readKey asks the nodes for the key of the write and decrypts it.
func readKey(env *testEnv, wp, rp *byzcoin.Proof, reader *key.Pair) ([]byte, error) {
	reply, err := env.co.DecryptKey(context.Background(), wp, rp)
	if err != nil {
		return nil, err
	}
	return calypso.RecoverKey(reply.X, reply.C, reply.XhatEnc, reader.Private)
}

func TestCoordinator_DecryptKey(t *testing.T) {
	env := newEnv(t, 4)
	ctx := context.Background()
	lts := env.newLTS(t)
	require.Equal(t, 3, lts.Threshold)
	require.True(t, lts.ByzCoinID.Equal(env.l.ID()))
	require.Len(t, lts.Commits, 3)
	require.True(t, lts.Commits[0].Equal(lts.X))
	require.Equal(t, lts, env.co.LTS(lts.LTSID()))

	symKey := []byte("0123456789abcdef")
	wp := env.write(t, lts, symKey)
	ps, err := env.l.VerifyProof(wp, byzcoin.ProofInstance(wp))
	require.NoError(t, err)
	wr, err := calypso.DecodeWrite(ps.Value)
	require.NoError(t, err)
	require.Equal(t, []byte("data"), wr.Data)
	require.True(t, wr.LTSID.Equal(lts.LTSID()))

	reader := key.NewKeyPair(cothority.Suite)
	rp, err := env.co.AddRead(ctx, wp, reader.Public, env.signers, testWait)
	require.NoError(t, err)

	k, err := readKey(env, wp, rp, reader)
	require.NoError(t, err)
	require.Equal(t, symKey, k)

	// One node down still leaves enough shares.
	env.c.Transport.Stop(env.c.Roster.List[3])
	k, err = readKey(env, wp, rp, reader)
	require.NoError(t, err)
	require.Equal(t, symKey, k)

	// Two nodes down do not.
	env.c.Transport.Stop(env.c.Roster.List[2])
	_, err = readKey(env, wp, rp, reader)
	require.True(t, xerrors.Is(err, byzcoin.ErrCommunication))
}

func TestCoordinator_Decrypt(t *testing.T) {
	env := newEnv(t, 4)
	ctx := context.Background()
	lts := env.newLTS(t)
	symKey := []byte("key")
	wp := env.write(t, lts, symKey)
	reader := key.NewKeyPair(cothority.Suite)
	rp, err := env.co.AddRead(ctx, wp, reader.Public, env.signers, testWait)
	require.NoError(t, err)

	shares, err := env.co.DecryptShares(ctx, wp, rp)
	require.NoError(t, err)
	require.Len(t, shares, 4)
	k, err := env.co.Decrypt(ctx, wp, rp, reader.Private)
	require.NoError(t, err)
	require.Equal(t, symKey, k)

	// The forged share of the first node is dropped.
	env.c.Set(func(c *localtest.Cluster) { c.MaliciousShare = true })
	k, err = env.co.Decrypt(ctx, wp, rp, reader.Private)
	require.NoError(t, err)
	require.Equal(t, symKey, k)
	k, err = readKey(env, wp, rp, reader)
	require.NoError(t, err)
	require.Equal(t, symKey, k)

	// With one node down, the forged share leaves too few valid ones.
	env.c.Transport.Stop(env.c.Roster.List[3])
	shares, err = env.co.DecryptShares(ctx, wp, rp)
	require.NoError(t, err)
	require.Len(t, shares, 3)
	_, err = env.co.Decrypt(ctx, wp, rp, reader.Private)
	require.True(t, xerrors.Is(err, calypso.ErrProtocolViolation))

	// Another reader key does not give the key.
	other := key.NewKeyPair(cothority.Suite)
	env.c.Set(func(c *localtest.Cluster) { c.MaliciousShare = false })
	k, err = env.co.Decrypt(ctx, wp, rp, other.Private)
	require.True(t, err != nil || !bytes.Equal(symKey, k))
}

func TestCoordinator_WrongRead(t *testing.T) {
	env := newEnv(t, 4)
	ctx := context.Background()
	lts := env.newLTS(t)
	wp1 := env.write(t, lts, []byte("first key"))
	wp2 := env.write(t, lts, []byte("second key"))

	reader := key.NewKeyPair(cothority.Suite)
	rp1, err := env.co.AddRead(ctx, wp1, reader.Public, env.signers, testWait)
	require.NoError(t, err)

	env.c.Transport.ResetCounters()
	_, err = env.co.DecryptKey(ctx, wp2, rp1)
	require.True(t, xerrors.Is(err, byzcoin.ErrValidation))
	_, err = env.co.DecryptKey(ctx, rp1, wp1)
	require.Error(t, err)
	require.Equal(t, 0, env.c.Transport.TotalRequests())

	_, err = env.co.AddWrite(ctx, env.darcID, lts.LTSID(), make([]byte, 64), nil, env.signers, testWait)
	require.True(t, xerrors.Is(err, byzcoin.ErrValidation))
}

func TestCoordinator_Authorize(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()
	si := env.c.Roster.List[0]
	require.NoError(t, env.co.Authorize(ctx, si, env.c.Private(si)))
	require.NoError(t, env.co.Authorize(ctx, si, env.c.Private(si)))

	// The key of another node is refused.
	other := env.c.Roster.List[1]
	require.Error(t, env.co.Authorize(ctx, other, env.c.Private(si)))

	// Without authorisation no node creates the secret.
	env2 := newEnv(t, 3)
	p, err := env2.co.SpawnLTS(ctx, env2.darcID, env2.c.Roster, env2.signers, testWait)
	require.NoError(t, err)
	_, err = env2.co.CreateLTS(ctx, p)
	require.True(t, xerrors.Is(err, byzcoin.ErrCommunication))
}

func TestCoordinator_Load(t *testing.T) {
	env := newEnv(t, 4)
	ctx := context.Background()
	lts := env.newLTS(t)

	co := calypso.NewCoordinator(env.l)
	require.Nil(t, co.LTS(lts.LTSID()))
	loaded, err := co.Load(ctx, lts.LTSID())
	require.NoError(t, err)
	require.True(t, loaded.X.Equal(lts.X))
	require.Equal(t, loaded, co.LTS(lts.LTSID()))

	reply, err := co.GetLTSReply(ctx, lts.LTSID())
	require.NoError(t, err)
	require.True(t, reply.X.Equal(lts.X))

	_, err = co.GetLTSReply(ctx, byzcoin.NewInstanceID([]byte("unknown")))
	require.True(t, xerrors.Is(err, byzcoin.ErrCommunication))

	// A write needs no recorded secret, it is loaded on demand.
	wp, err := calypso.NewCoordinator(env.l).AddWrite(ctx, env.darcID, lts.LTSID(), []byte("key"), nil, env.signers, testWait)
	require.NoError(t, err)
	_, err = env.l.VerifyProof(wp, byzcoin.ProofInstance(wp))
	require.NoError(t, err)
}

func TestCoordinator_Reshare(t *testing.T) {
	env := newEnv(t, 4)
	ctx := context.Background()
	lts := env.newLTS(t)
	symKey := []byte("key")
	wp := env.write(t, lts, symKey)

	list := append([]*network.ServerIdentity{}, env.c.Roster.List...)
	list = append(list, env.c.NewNode())
	p, err := env.co.UpdateLTSRoster(ctx, lts.LTSID(), onet.NewRoster(list), env.signers, testWait)
	require.NoError(t, err)
	require.NoError(t, env.co.ReshareLTS(ctx, p))

	// The key survives the resharing.
	reader := key.NewKeyPair(cothority.Suite)
	rp, err := env.co.AddRead(ctx, wp, reader.Public, env.signers, testWait)
	require.NoError(t, err)
	require.Equal(t, 5, len(env.co.LTS(lts.LTSID()).Roster.List))
	require.Equal(t, 4, env.co.LTS(lts.LTSID()).Threshold)
	k, err := readKey(env, wp, rp, reader)
	require.NoError(t, err)
	require.Equal(t, symKey, k)
	k, err = env.co.Decrypt(ctx, wp, rp, reader.Private)
	require.NoError(t, err)
	require.Equal(t, symKey, k)

	// A resharing that changes the key is detected.
	env.c.Set(func(c *localtest.Cluster) { c.MaliciousReshare = true })
	p, err = env.co.UpdateLTSRoster(ctx, lts.LTSID(), env.c.Roster, env.signers, testWait)
	require.NoError(t, err)
	err = env.co.ReshareLTS(ctx, p)
	require.True(t, xerrors.Is(err, calypso.ErrProtocolViolation))
	require.True(t, env.co.LTS(lts.LTSID()).X.Equal(lts.X))
}
