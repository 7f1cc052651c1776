package byzcoin_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/ceyhunalp/calypso_client/byzcoin"
	"github.com/ceyhunalp/calypso_client/byzcoin/localtest"
)

func TestTracker_NoWait(t *testing.T) {
	env := newEnv(t, 3, true)
	tx, id := env.spawnValue(t, "value")
	tr := byzcoin.NewTracker(env.l, tx, nil)
	require.Equal(t, byzcoin.TxNew, tr.State())

	txID, err := tr.SubmitAndWait(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, byzcoin.TransactionID(tx), txID)
	require.Equal(t, byzcoin.TxSubmitted, tr.State())

	env.createBlock(t)
	ps, err := env.l.VerifiedContract(context.Background(), id, localtest.ContractValueID)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), ps.Value)
}

func TestTracker_Included(t *testing.T) {
	env := newEnv(t, 3, false)
	ctx := context.Background()
	tx, id := env.spawnValue(t, "first")
	tr := byzcoin.NewTracker(env.l, tx, nil)
	_, err := tr.SubmitAndWait(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, byzcoin.TxIncluded, tr.State())
	// The proof of inclusion moved the latest block.
	require.True(t, env.l.Latest().Index > 0)

	ps, err := env.l.VerifiedContract(ctx, id, localtest.ContractValueID)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), ps.Value)

	_, err = env.l.SubmitAndWait(ctx, env.updateValue(t, id, "second"), 5)
	require.NoError(t, err)
	ps, err = env.l.VerifiedContract(ctx, id, localtest.ContractValueID)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), ps.Value)
	require.Equal(t, uint64(1), ps.Version)
}

func TestTracker_Rejected(t *testing.T) {
	env := newEnv(t, 3, false)
	ctx := context.Background()
	tx, _ := env.spawnValue(t, "value")
	_, err := env.l.SubmitAndWait(ctx, tx, 5)
	require.NoError(t, err)

	// The same transaction again has an old counter.
	tr := byzcoin.NewTracker(env.l, tx, nil)
	_, err = tr.SubmitAndWait(ctx, 5)
	require.True(t, xerrors.Is(err, byzcoin.ErrRejected))
	require.Equal(t, byzcoin.TxRejected, tr.State())
}

func TestTracker_Invalid(t *testing.T) {
	env := newEnv(t, 3, true)
	env.c.Transport.ResetCounters()

	_, err := env.l.SubmitAndWait(context.Background(), byzcoin.ClientTransaction{}, 1)
	require.True(t, xerrors.Is(err, byzcoin.ErrValidation))

	tx, _ := env.spawnValue(t, "value")
	env.c.Transport.ResetCounters()
	tx.Instructions[0].Signatures[0][0] ^= 0xff
	tr := byzcoin.NewTracker(env.l, tx, nil)
	_, err = tr.SubmitAndWait(context.Background(), 1)
	require.True(t, xerrors.Is(err, byzcoin.ErrValidation))
	require.Equal(t, byzcoin.TxNew, tr.State())

	_, err = env.l.SubmitAndWait(context.Background(), tx, -1)
	require.True(t, xerrors.Is(err, byzcoin.ErrValidation))
	require.Equal(t, 0, env.c.Transport.TotalRequests())
}

func TestTracker_Expired(t *testing.T) {
	env := newEnv(t, 3, false)
	env.c.Set(func(c *localtest.Cluster) { c.DropTransactions = true })
	tx, _ := env.spawnValue(t, "value")
	tr := byzcoin.NewTracker(env.l, tx, nil)
	_, err := tr.SubmitAndWait(context.Background(), 2)
	require.True(t, xerrors.Is(err, byzcoin.ErrTimedOut))
	require.Equal(t, byzcoin.TxTimedOut, tr.State())
}

func TestTracker_Polling(t *testing.T) {
	env := newEnv(t, 3, false)
	env.c.Set(func(c *localtest.Cluster) { c.NoHold = true })
	ctx := context.Background()

	tx, id := env.spawnValue(t, "value")
	tr := byzcoin.NewTracker(env.l, tx, nil)
	_, err := tr.SubmitAndWait(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, byzcoin.TxIncluded, tr.State())
	ps, err := env.l.VerifiedContract(ctx, id, localtest.ContractValueID)
	require.NoError(t, err)
	require.True(t, ps.Exists)

	_, err = env.l.SubmitAndWait(ctx, env.updateValue(t, id, "new"), 5)
	require.NoError(t, err)
	ps, err = env.l.VerifiedContract(ctx, id, localtest.ContractValueID)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), ps.Value)

	del := byzcoin.NewTransaction(byzcoin.Instruction{
		InstanceID: id,
		Delete:     &byzcoin.Delete{ContractID: localtest.ContractValueID},
	})
	require.NoError(t, env.l.SignTransaction(ctx, &del, env.owner))
	_, err = env.l.SubmitAndWait(ctx, del, 5)
	require.NoError(t, err)
	ps, err = env.l.VerifiedState(ctx, id)
	require.NoError(t, err)
	require.False(t, ps.Exists)
}

func TestTracker_PollingTimeout(t *testing.T) {
	env := newEnv(t, 3, false)
	env.c.Set(func(c *localtest.Cluster) {
		c.NoHold = true
		c.DropTransactions = true
	})
	tx, _ := env.spawnValue(t, "value")
	tr := byzcoin.NewTracker(env.l, tx, nil)
	tr.PollInterval = 10 * time.Millisecond
	_, err := tr.SubmitAndWait(context.Background(), 2)
	require.True(t, xerrors.Is(err, byzcoin.ErrTimedOut))
	require.Equal(t, byzcoin.TxTimedOut, tr.State())
}

func TestTracker_Cancel(t *testing.T) {
	env := newEnv(t, 3, false)
	env.c.Set(func(c *localtest.Cluster) {
		c.NoHold = true
		c.DropTransactions = true
	})
	tx, _ := env.spawnValue(t, "value")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := env.l.SubmitAndWait(ctx, tx, 100)
	require.True(t, xerrors.Is(err, context.DeadlineExceeded))
	require.True(t, time.Since(start) < 5*time.Second)
}
