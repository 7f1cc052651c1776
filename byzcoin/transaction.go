package byzcoin

import (
	"encoding/hex"
	"errors"

	bc "go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"golang.org/x/xerrors"
)

// TxID identifies a client transaction: it is the hash of its
// instructions without the signatures.
type TxID [32]byte

func (id TxID) String() string {
	return hex.EncodeToString(id[:])
}

// NewTransaction returns a transaction hashed with the current version.
func NewTransaction(instrs ...Instruction) ClientTransaction {
	return bc.NewClientTransaction(CurrentVersion, instrs...)
}

// versioned returns a copy of the instructions of tx that hashes like
// the nodes do.
func versioned(tx ClientTransaction) Instructions {
	instrs := append(Instructions{}, tx.Instructions...)
	instrs.SetVersion(CurrentVersion)
	return instrs
}

// TransactionID returns the id of tx.
func TransactionID(tx ClientTransaction) TxID {
	var id TxID
	copy(id[:], versioned(tx).Hash())
	return id
}

// SignTransaction sets the signer identities and counters of every
// instruction, then signs. counters holds the last counter used by each
// signer, as returned by Ledger.GetSignerCounters; instruction j of the
// transaction uses counter+1+j.
func SignTransaction(tx *ClientTransaction, counters []uint64, signers ...darc.Signer) error {
	if len(counters) != len(signers) {
		return xerrors.Errorf("%d counters for %d signers: %w", len(counters), len(signers), ErrValidation)
	}
	if len(tx.Instructions) == 0 {
		return xerrors.Errorf("empty transaction: %w", ErrValidation)
	}
	tx.Instructions.SetVersion(CurrentVersion)
	for j := range tx.Instructions {
		ctrs := make([]uint64, len(signers))
		for i := range signers {
			ctrs[i] = counters[i] + 1 + uint64(j)
		}
		tx.Instructions[j].SignerCounter = ctrs
	}
	if err := tx.FillSignersAndSignWith(signers...); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrValidation)
	}
	return nil
}

// ValidateTransaction checks the structure and the signatures of tx. It
// does not check counters or access rules, which only the nodes can do.
func ValidateTransaction(tx ClientTransaction) error {
	if len(tx.Instructions) == 0 {
		return xerrors.Errorf("empty transaction: %w", ErrValidation)
	}
	instrs := versioned(tx)
	msg := instrs.Hash()
	for i, instr := range instrs {
		if err := verifyInstruction(instr, msg); err != nil {
			return xerrors.Errorf("instruction %d: %w", i, err)
		}
	}
	return nil
}

func verifyInstruction(instr Instruction, msg []byte) error {
	if instr.GetType() == bc.InvalidInstrType {
		return xerrors.Errorf("instruction needs exactly one of spawn, invoke or delete: %w", ErrValidation)
	}
	if len(instr.SignerIdentities) == 0 {
		return xerrors.Errorf("instruction is not signed: %w", ErrValidation)
	}
	if len(instr.SignerIdentities) != len(instr.SignerCounter) ||
		len(instr.SignerIdentities) != len(instr.Signatures) {
		return xerrors.Errorf("%d signers, %d counters and %d signatures: %w",
			len(instr.SignerIdentities), len(instr.SignerCounter), len(instr.Signatures), ErrValidation)
	}
	for i, id := range instr.SignerIdentities {
		if err := id.Verify(msg, instr.Signatures[i]); err != nil {
			return xerrors.Errorf("signature of %s: %v: %w", id.String(), err, ErrValidation)
		}
	}
	return nil
}

// SpawnedID returns the id of the instance created by a spawn
// instruction. Darcs are stored under their base id, everything else
// under DeriveID(""), computed with the current version.
func SpawnedID(instr Instruction) (InstanceID, error) {
	if instr.Spawn == nil {
		return InstanceID{}, errors.New("not a spawn instruction")
	}
	if instr.Spawn.ContractID == ContractDarcID {
		d, err := darc.NewFromProtobuf(instr.Spawn.Args.Search("darc"))
		if err != nil {
			return InstanceID{}, xerrors.Errorf("decoding darc: %w", err)
		}
		return NewInstanceID(d.GetBaseID()), nil
	}
	instrs := Instructions{instr}
	instrs.SetVersion(CurrentVersion)
	return instrs[0].DeriveID(""), nil
}
