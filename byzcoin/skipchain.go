package byzcoin

import (
	"context"
	"sync"

	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"github.com/ceyhunalp/calypso_client/rpc"
)

// Skipchain fetches blocks and walks forward links. Every block it
// returns hashes to its id, and every hop it takes is covered by a
// verified forward link.
type Skipchain struct {
	tr rpc.Transport

	sync.Mutex
	roster *onet.Roster
}

// NewSkipchain returns a walker asking the nodes of roster.
func NewSkipchain(tr rpc.Transport, roster *onet.Roster) *Skipchain {
	return &Skipchain{tr: tr, roster: roster}
}

// SetRoster changes the nodes asked for blocks.
func (s *Skipchain) SetRoster(r *onet.Roster) {
	s.Lock()
	defer s.Unlock()
	s.roster = r
}

func (s *Skipchain) nodes() *onet.Roster {
	s.Lock()
	defer s.Unlock()
	return s.roster
}

// GetBlock returns the block with the given id.
func (s *Skipchain) GetBlock(ctx context.Context, id BlockID) (*Block, error) {
	b := &Block{}
	err := rpc.SendToRoster(ctx, s.tr, s.nodes(), PathGetSingleBlock, &GetSingleBlock{ID: id}, b)
	if err != nil {
		return nil, err
	}
	if b.SkipBlockFix == nil || !b.Hash.Equal(id) {
		return nil, xerrors.Errorf("asked for block %s, got %s: %w", id.Short(), b.Hash.Short(), ErrChainIntegrity)
	}
	if err := verifyHash(b); err != nil {
		return nil, err
	}
	return b, nil
}

// verifyHash checks that the block hashes to its id.
func verifyHash(b *Block) error {
	if b.SkipBlockFix == nil || !b.CalculateHash().Equal(b.Hash) {
		return xerrors.Errorf("block %s does not hash to its id: %w", b.Hash.Short(), ErrChainIntegrity)
	}
	return nil
}

// GetLatest returns the current tip of the chain, reached from its
// genesis block.
func (s *Skipchain) GetLatest(ctx context.Context, id ChainID) (*Block, error) {
	genesis, err := s.GetBlock(ctx, id)
	if err != nil {
		return nil, err
	}
	if genesis.Index != 0 {
		return nil, xerrors.Errorf("block %s is not a genesis block: %w", id.Short(), ErrChainIntegrity)
	}
	return s.GetUpdate(ctx, genesis)
}

// GetUpdate returns the current tip of the chain, reached from a block
// the caller already trusts. The nodes return the path along the highest
// forward links; every hop is verified.
func (s *Skipchain) GetUpdate(ctx context.Context, from *Block) (*Block, error) {
	reply := &GetUpdateChainReply{}
	err := rpc.SendToRoster(ctx, s.tr, s.nodes(), PathGetUpdateChain, &GetUpdateChain{LatestID: from.Hash}, reply)
	if err != nil {
		return nil, err
	}
	if len(reply.Update) == 0 || reply.Update[0] == nil {
		return nil, xerrors.Errorf("empty update chain: %w", ErrChainIntegrity)
	}
	if !reply.Update[0].Hash.Equal(from.Hash) {
		return nil, xerrors.Errorf("update chain does not start at %s: %w", from.Hash.Short(), ErrChainIntegrity)
	}
	cur := from
	for _, next := range reply.Update[1:] {
		if next == nil || next.SkipBlockFix == nil {
			return nil, xerrors.Errorf("empty block in update chain: %w", ErrChainIntegrity)
		}
		link := linkTo(reply.Update[0], cur, next.Hash)
		if link == nil {
			return nil, xerrors.Errorf("no forward link from %d to %d: %w", cur.Index, next.Index, ErrChainIntegrity)
		}
		if err := checkHop(cur, link, next); err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// linkTo returns the forward link of cur pointing to target. The first
// block of an update comes from the node and has the freshest links, so
// it is used in place of the caller's copy.
func linkTo(first, cur *Block, target BlockID) *ForwardLink {
	src := cur
	if cur.Hash.Equal(first.Hash) {
		src = first
	}
	for _, fl := range src.ForwardLink {
		if fl != nil && !fl.IsEmpty() && fl.To.Equal(target) {
			return fl
		}
	}
	return nil
}

// checkHop verifies that next can be reached from cur through link.
func checkHop(cur *Block, link *ForwardLink, next *Block) error {
	if !link.From.Equal(cur.Hash) || !link.To.Equal(next.Hash) {
		return xerrors.Errorf("link %s -> %s does not join %s and %s: %w",
			link.From.Short(), link.To.Short(), cur.Hash.Short(), next.Hash.Short(), ErrChainIntegrity)
	}
	if err := verifyHash(next); err != nil {
		return err
	}
	if next.Index <= cur.Index {
		return xerrors.Errorf("block %d follows block %d: %w", next.Index, cur.Index, ErrChainIntegrity)
	}
	if !next.SkipChainID().Equal(cur.SkipChainID()) {
		return xerrors.Errorf("block %d is on another chain: %w", next.Index, ErrChainIntegrity)
	}
	if cur.Roster == nil {
		return xerrors.Errorf("block %d has no roster: %w", cur.Index, ErrChainIntegrity)
	}
	publics := cur.Roster.ServicePublics(skipchain.ServiceName)
	if err := link.VerifyWithScheme(pairing.NewSuiteBn256(), publics, cur.SignatureScheme); err != nil {
		return xerrors.Errorf("forward link %s -> %s: %v: %w",
			link.From.Short(), link.To.Short(), err, ErrChainIntegrity)
	}
	expected := cur.Roster
	if link.NewRoster != nil {
		expected = link.NewRoster
	}
	if !SameRoster(expected, next.Roster) {
		return xerrors.Errorf("roster of block %d is not signed by link: %w", next.Index, ErrChainIntegrity)
	}
	return nil
}

// FollowForwardLinks returns an iterator over the blocks after from,
// following the first forward link of each block until a block without
// forward links is reached. The iterator fetches blocks lazily and cannot
// be restarted; a second call may end on another tip if the chain grew.
func (s *Skipchain) FollowForwardLinks(ctx context.Context, from *Block) *BlockIterator {
	return &BlockIterator{sc: s, ctx: ctx, start: from}
}

// BlockIterator walks a chain one block at a time:
//
//	it := sc.FollowForwardLinks(ctx, genesis)
//	for it.Next() {
//		b := it.Block()
//	}
//	if err := it.Err(); err != nil {
//	}
type BlockIterator struct {
	sc    *Skipchain
	ctx   context.Context
	start *Block
	cur   *Block
	err   error
	done  bool
}

// Next fetches the following block. It returns false at the tip of the
// chain or on error.
func (it *BlockIterator) Next() bool {
	if it.done {
		return false
	}
	if it.cur == nil {
		// The caller's copy of the start block may miss links that were
		// added since it was fetched.
		b, err := it.sc.GetBlock(it.ctx, it.start.Hash)
		if err != nil {
			return it.fail(err)
		}
		it.cur = b
	}
	if len(it.cur.ForwardLink) == 0 || it.cur.ForwardLink[0] == nil || it.cur.ForwardLink[0].IsEmpty() {
		it.done = true
		return false
	}
	link := it.cur.ForwardLink[0]
	next, err := it.sc.GetBlock(it.ctx, link.To)
	if err != nil {
		return it.fail(err)
	}
	if err := checkHop(it.cur, link, next); err != nil {
		return it.fail(err)
	}
	log.Lvl4("Followed link to block", next.Index)
	it.cur = next
	return true
}

// Block returns the block reached by the last call to Next.
func (it *BlockIterator) Block() *Block {
	return it.cur
}

// Err returns the error that stopped the iteration, if any.
func (it *BlockIterator) Err() error {
	return it.err
}

func (it *BlockIterator) fail(err error) bool {
	it.err = err
	it.done = true
	return false
}
