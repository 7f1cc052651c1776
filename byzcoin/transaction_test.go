package byzcoin

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"
)

func spawnTx(value string) ClientTransaction {
	return NewTransaction(Instruction{
		InstanceID: NewInstanceID([]byte("darc")),
		Spawn: &Spawn{
			ContractID: "value",
			Args:       Arguments{{Name: "value", Value: []byte(value)}},
		},
	})
}

func TestTransaction_Sign(t *testing.T) {
	s1 := darc.NewSignerEd25519(nil, nil)
	s2 := darc.NewSignerEd25519(nil, nil)
	tx := spawnTx("one")
	tx.Instructions = append(tx.Instructions, Instruction{
		InstanceID: NewInstanceID([]byte("other")),
		Delete:     &Delete{ContractID: "value"},
	})
	require.Error(t, ValidateTransaction(tx))

	require.True(t, xerrors.Is(SignTransaction(&tx, []uint64{0}, s1, s2), ErrValidation))
	require.NoError(t, SignTransaction(&tx, []uint64{3, 7}, s1, s2))
	require.NoError(t, ValidateTransaction(tx))
	require.Equal(t, []uint64{4, 8}, tx.Instructions[0].SignerCounter)
	require.Equal(t, []uint64{5, 9}, tx.Instructions[1].SignerCounter)

	// Signers in the wrong order.
	swapped := tx
	swapped.Instructions = append(Instructions{}, tx.Instructions...)
	for i := range swapped.Instructions {
		swapped.Instructions[i].SignerIdentities = []darc.Identity{s2.Identity(), s1.Identity()}
	}
	require.True(t, xerrors.Is(ValidateTransaction(swapped), ErrValidation))

	// Any change invalidates the signatures.
	cp := tx
	cp.Instructions = append(Instructions{}, tx.Instructions...)
	cp.Instructions[0].Spawn = &Spawn{ContractID: "value", Args: Arguments{{Name: "value", Value: []byte("two")}}}
	require.True(t, xerrors.Is(ValidateTransaction(cp), ErrValidation))
	require.NotEqual(t, TransactionID(cp), TransactionID(tx))
}

func TestTransaction_Validate(t *testing.T) {
	require.True(t, xerrors.Is(ValidateTransaction(ClientTransaction{}), ErrValidation))

	s := darc.NewSignerEd25519(nil, nil)
	tx := spawnTx("value")
	require.True(t, xerrors.Is(ValidateTransaction(tx), ErrValidation))

	require.NoError(t, SignTransaction(&tx, []uint64{0}, s))
	require.NoError(t, ValidateTransaction(tx))

	both := tx
	both.Instructions = Instructions{tx.Instructions[0]}
	both.Instructions[0].Invoke = &Invoke{ContractID: "value", Command: "update"}
	require.True(t, xerrors.Is(ValidateTransaction(both), ErrValidation))

	missing := tx
	missing.Instructions = Instructions{tx.Instructions[0]}
	missing.Instructions[0].Signatures = nil
	require.True(t, xerrors.Is(ValidateTransaction(missing), ErrValidation))
}

func TestTransaction_ID(t *testing.T) {
	s := darc.NewSignerEd25519(nil, nil)
	tx := spawnTx("value")
	unsigned := TransactionID(tx)
	require.NoError(t, SignTransaction(&tx, []uint64{0}, s))

	// The id does not cover the signatures, but the counters.
	signed := TransactionID(tx)
	require.NotEqual(t, unsigned, signed)
	tx.Instructions[0].Signatures[0][0] ^= 0xff
	require.Equal(t, signed, TransactionID(tx))

	// A copy that went through the network has no version, it hashes
	// the same.
	received := ClientTransaction{Instructions: Instructions{tx.Instructions[0]}}
	received.Instructions.SetVersion(0)
	require.Equal(t, signed, TransactionID(received))
}

func TestInstruction_SpawnedID(t *testing.T) {
	tx := spawnTx("value")
	instr := tx.Instructions[0]
	id, err := SpawnedID(instr)
	require.NoError(t, err)
	instr.SignerCounter = []uint64{1}
	other, err := SpawnedID(instr)
	require.NoError(t, err)
	require.NotEqual(t, id, other)

	owner := darc.NewSignerEd25519(nil, nil)
	d := darc.NewDarc(darc.InitRules([]darc.Identity{owner.Identity()}, nil), []byte("sub"))
	buf, err := d.ToProto()
	require.NoError(t, err)
	instr = Instruction{Spawn: &Spawn{ContractID: ContractDarcID, Args: Arguments{{Name: "darc", Value: buf}}}}
	id, err = SpawnedID(instr)
	require.NoError(t, err)
	require.Equal(t, NewInstanceID(d.GetBaseID()), id)

	_, err = SpawnedID(Instruction{Delete: &Delete{ContractID: "value"}})
	require.Error(t, err)
}

func TestThreshold(t *testing.T) {
	for n, th := range map[int]int{1: 1, 2: 2, 3: 3, 4: 3, 5: 4, 7: 5, 10: 7} {
		require.Equal(t, th, Threshold(n), fmt.Sprint(n))
	}
}

func newTestRoster(n int) *onet.Roster {
	list := make([]*network.ServerIdentity, n)
	for i := range list {
		kp := key.NewKeyPair(cothority.Suite)
		addr := network.NewAddress(network.PlainTCP, fmt.Sprintf("127.0.0.1:%d", 3000+2*i))
		list[i] = network.NewServerIdentity(kp.Public, addr)
	}
	return onet.NewRoster(list)
}

func TestRosterChange(t *testing.T) {
	r := newTestRoster(6)
	old := onet.NewRoster(r.List[:4])

	added, removed := RosterChange(old, onet.NewRoster(r.List[:5]))
	require.Equal(t, 1, added)
	require.Equal(t, 0, removed)
	require.NoError(t, checkRosterChange(old, onet.NewRoster(r.List[:5])))

	require.NoError(t, checkRosterChange(old, onet.NewRoster(r.List[1:4])))
	require.NoError(t, checkRosterChange(old, onet.NewRoster(append(r.List[1:4:4], r.List[4]))))

	// The order of the nodes does not count as a change.
	swapped := []*network.ServerIdentity{r.List[1], r.List[0], r.List[2], r.List[3]}
	added, removed = RosterChange(old, onet.NewRoster(swapped))
	require.Zero(t, added+removed)

	for _, bad := range []*onet.Roster{
		old,
		onet.NewRoster(swapped),
		onet.NewRoster(r.List[:6]),
		onet.NewRoster(r.List[2:4]),
		onet.NewRoster(r.List[2:6]),
		nil,
	} {
		require.True(t, xerrors.Is(checkRosterChange(old, bad), ErrValidation))
	}

	require.True(t, SameRoster(old, onet.NewRoster(r.List[:4])))
	require.False(t, SameRoster(old, onet.NewRoster(swapped)))
	require.True(t, SameRoster(nil, nil))
	require.False(t, SameRoster(old, nil))
}

func TestExpectation_Matches(t *testing.T) {
	ps := &ProvenState{Exists: true, ContractID: "value", Version: 2}
	require.True(t, Expectation{}.Matches(ps))
	require.True(t, Expectation{ContractID: "value", MinVersion: 2}.Matches(ps))
	require.False(t, Expectation{MinVersion: 3}.Matches(ps))
	require.False(t, Expectation{ContractID: "darc"}.Matches(ps))
	require.False(t, Expectation{Absent: true}.Matches(ps))

	gone := &ProvenState{}
	require.True(t, Expectation{Absent: true}.Matches(gone))
	require.False(t, Expectation{}.Matches(gone))
}

func TestTxState_String(t *testing.T) {
	require.Equal(t, "new", TxNew.String())
	require.Equal(t, "included", TxIncluded.String())
	require.Equal(t, "timed out", TxTimedOut.String())
	require.Equal(t, "unknown", TxState(42).String())
}
