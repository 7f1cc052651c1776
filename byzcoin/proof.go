package byzcoin

import (
	bc "go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"golang.org/x/xerrors"
)

// ProvenState is what a verified proof tells about an instance.
type ProvenState struct {
	Key        InstanceID
	Exists     bool
	ContractID string
	Version    uint64
	DarcID     darc.ID
	Value      []byte
	// Block is the block the state has been proven against.
	Block *Block
}

// IsContract returns true if the instance exists and is of the given
// contract.
func (ps *ProvenState) IsContract(contractID string) bool {
	return ps.Exists && ps.ContractID == contractID
}

// ProofInstance returns the instance id of the leaf of the proof. For a
// proof of presence this is the requested key.
func ProofInstance(p *Proof) InstanceID {
	return NewInstanceID(p.InclusionProof.Key())
}

// VerifyProof checks the proof starting from the trusted block, which
// must be Latest itself or the source of one of the links, and returns
// what the proof tells about key. The links from trusted to Latest, the
// hash of Latest and the trie path against the root stored in Latest
// are all verified.
func VerifyProof(p *Proof, trusted *Block, key InstanceID) (*ProvenState, error) {
	if err := verifyChain(p, trusted); err != nil {
		return nil, err
	}

	exists, err := p.InclusionProof.Exists(key.Slice())
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrProofMismatch)
	}
	ps := &ProvenState{Key: key, Exists: exists, Block: &p.Latest}
	if !exists {
		return ps, nil
	}
	_, value := p.InclusionProof.KeyValue()
	scb, err := DecodeStateChangeBody(value)
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrProofMismatch)
	}
	ps.ContractID = scb.ContractID
	ps.Version = scb.Version
	ps.DarcID = scb.DarcID
	ps.Value = scb.Value
	return ps, nil
}

// VerifyContract verifies the proof for key and checks that key holds an
// instance of contractID. A missing instance or an instance of another
// contract returns ErrNotFound.
func VerifyContract(p *Proof, trusted *Block, key InstanceID, contractID string) (*ProvenState, error) {
	ps, err := VerifyProof(p, trusted, key)
	if err != nil {
		return nil, err
	}
	if !ps.Exists {
		return nil, xerrors.Errorf("instance %s does not exist: %w", key, ErrNotFound)
	}
	if ps.ContractID != contractID {
		return nil, xerrors.Errorf("instance %s is a %q, not a %q: %w",
			key, ps.ContractID, contractID, ErrNotFound)
	}
	return ps, nil
}

// verifyChain checks the links of p from trusted to Latest and the root
// of the trie against Latest.
func verifyChain(p *Proof, trusted *Block) error {
	if p == nil || p.Latest.SkipBlockFix == nil {
		return xerrors.Errorf("proof has no latest block: %w", ErrChainIntegrity)
	}
	if trusted == nil || trusted.SkipBlockFix == nil {
		return xerrors.Errorf("no trusted block: %w", ErrChainIntegrity)
	}
	if !p.Latest.SkipChainID().Equal(trusted.SkipChainID()) {
		return xerrors.Errorf("proof is for chain %s, not %s: %w",
			p.Latest.SkipChainID().Short(), trusted.SkipChainID().Short(), ErrChainIntegrity)
	}
	anchored, ok := anchor(p, trusted)
	if !ok {
		return xerrors.Errorf("trusted block %s is not on the path of the proof: %w",
			trusted.Hash.Short(), ErrChainIntegrity)
	}
	if err := anchored.Verify(trusted.Hash); err != nil {
		if xerrors.Is(err, bc.ErrorVerifyTrieRoot) {
			return xerrors.Errorf("%v: %w", err, ErrProofMismatch)
		}
		return xerrors.Errorf("%v: %w", err, ErrChainIntegrity)
	}
	if !p.Latest.Hash.Equal(p.Latest.CalculateHash()) {
		return xerrors.Errorf("block %d does not hash to its id: %w", p.Latest.Index, ErrChainIntegrity)
	}
	return nil
}

// anchor returns a copy of p whose links start at trusted. The first
// link of a proof only carries the roster of the block the verification
// starts from.
func anchor(p *Proof, trusted *Block) (Proof, bool) {
	cp := *p
	first := ForwardLink{From: BlockID{}, To: trusted.Hash, NewRoster: trusted.Roster}
	if trusted.Hash.Equal(p.Latest.Hash) {
		cp.Links = []ForwardLink{first}
		return cp, true
	}
	for i, l := range p.Links {
		if i > 0 && l.From.Equal(trusted.Hash) {
			cp.Links = append([]ForwardLink{first}, p.Links[i:]...)
			return cp, true
		}
	}
	return cp, false
}
