package byzcoin

/*
ledger.go holds the client side of a ByzCoin ledger: creating or
connecting to a chain, sending transactions, fetching proofs and keeping
track of the latest verified block.
*/

import (
	"context"
	"sync"
	"time"

	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"github.com/ceyhunalp/calypso_client/rpc"
)

// BlockStore persists verified blocks between sessions.
type BlockStore interface {
	StoreBlock(b *Block) error
}

// Ledger is a session with one ByzCoin chain. The latest block is the
// only mutable state shared between calls; network calls are not
// serialized.
type Ledger struct {
	tr          rpc.Transport
	id          ChainID
	genesis     *Block
	genesisDarc *darc.Darc
	skipchain   *Skipchain

	sync.RWMutex
	roster *onet.Roster
	config ChainConfig
	latest *Block
	store  BlockStore

	subscription *Subscription
}

// DefaultMaxBlockSize is used by Create.
const DefaultMaxBlockSize = 4000000

// Create asks the roster to start a new chain. The genesis darc must
// have a view_change rule, otherwise nothing is sent.
func Create(ctx context.Context, tr rpc.Transport, r *onet.Roster, d *darc.Darc, interval time.Duration) (*Ledger, error) {
	if d == nil || !d.Rules.Contains(ActionViewChange) {
		return nil, xerrors.Errorf("genesis darc needs a %q rule: %w", ActionViewChange, ErrConfig)
	}
	if r == nil || len(r.List) == 0 {
		return nil, xerrors.Errorf("empty roster: %w", ErrConfig)
	}
	if interval <= 0 {
		return nil, xerrors.Errorf("block interval %v: %w", interval, ErrConfig)
	}

	req := &CreateGenesisBlock{
		Version:         CurrentVersion,
		Roster:          *r,
		GenesisDarc:     *d,
		BlockInterval:   interval,
		MaxBlockSize:    DefaultMaxBlockSize,
		DarcContractIDs: []string{ContractDarcID},
	}
	reply := &CreateGenesisBlockResponse{}
	if err := rpc.SendToRoster(ctx, tr, r, PathCreateGenesisBlock, req, reply); err != nil {
		return nil, err
	}
	genesis := reply.Skipblock
	if genesis == nil || genesis.SkipBlockFix == nil {
		return nil, xerrors.Errorf("no genesis block in reply: %w", ErrCommunication)
	}
	if err := verifyHash(genesis); err != nil {
		return nil, err
	}
	if genesis.Index != 0 {
		return nil, xerrors.Errorf("block %d is not a genesis block: %w", genesis.Index, ErrChainIntegrity)
	}
	log.Lvl1("Created new ByzCoin ledger with ID", genesis.Hash)

	l := newLedger(tr, r, genesis, d)
	l.config = ChainConfig{
		Roster:          *r,
		BlockInterval:   interval,
		MaxBlockSize:    DefaultMaxBlockSize,
		DarcContractIDs: req.DarcContractIDs,
	}
	return l, nil
}

// Connect rebuilds a session from the roster and the chain id only. The
// configuration and the genesis darc are proven from the chain itself.
func Connect(ctx context.Context, tr rpc.Transport, r *onet.Roster, id ChainID) (*Ledger, error) {
	sc := NewSkipchain(tr, r)
	genesis, err := sc.GetBlock(ctx, id)
	if err != nil {
		return nil, err
	}
	if genesis.Index != 0 {
		return nil, xerrors.Errorf("block %s is not a genesis block: %w", id.Short(), ErrChainIntegrity)
	}

	l := newLedger(tr, r, genesis, nil)
	ps, err := l.VerifiedContract(ctx, ConfigInstanceID, ContractConfigID)
	if err != nil {
		return nil, xerrors.Errorf("couldn't verify proof for genesis configuration: %w", err)
	}
	cc, err := DecodeChainConfig(ps.Value)
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrCommunication)
	}
	l.config = *cc

	ps, err = l.VerifiedContract(ctx, NewInstanceID(ps.DarcID), ContractDarcID)
	if err != nil {
		return nil, xerrors.Errorf("couldn't verify proof for genesis darc: %w", err)
	}
	d, err := darc.NewFromProtobuf(ps.Value)
	if err != nil {
		return nil, xerrors.Errorf("couldn't get genesis darc: %v: %w", err, ErrCommunication)
	}
	l.genesisDarc = d
	return l, nil
}

func newLedger(tr rpc.Transport, r *onet.Roster, genesis *Block, d *darc.Darc) *Ledger {
	l := &Ledger{
		tr:          tr,
		id:          genesis.Hash,
		genesis:     genesis,
		genesisDarc: d,
		skipchain:   NewSkipchain(tr, r),
		roster:      r,
		latest:      genesis,
	}
	l.subscription = newSubscription(l)
	return l
}

// ID returns the chain id.
func (l *Ledger) ID() ChainID {
	return l.id
}

// Genesis returns the genesis block.
func (l *Ledger) Genesis() *Block {
	return l.genesis
}

// GenesisDarc returns the darc the chain has been created with.
func (l *Ledger) GenesisDarc() *darc.Darc {
	return l.genesisDarc
}

// Transport returns the transport used by the ledger.
func (l *Ledger) Transport() rpc.Transport {
	return l.tr
}

// Skipchain returns the block walker of the ledger.
func (l *Ledger) Skipchain() *Skipchain {
	return l.skipchain
}

// Roster returns the roster the ledger talks to.
func (l *Ledger) Roster() *onet.Roster {
	l.RLock()
	defer l.RUnlock()
	return l.roster
}

// Config returns the last known chain configuration.
func (l *Ledger) Config() ChainConfig {
	l.RLock()
	defer l.RUnlock()
	return l.config
}

// Latest returns the most recent verified block. Blocks must not be
// modified.
func (l *Ledger) Latest() *Block {
	l.RLock()
	defer l.RUnlock()
	return l.latest
}

// SetStore persists the current and every future latest block in s.
func (l *Ledger) SetStore(s BlockStore) error {
	l.Lock()
	l.store = s
	latest := l.latest
	l.Unlock()
	if err := s.StoreBlock(l.genesis); err != nil {
		return err
	}
	return s.StoreBlock(latest)
}

// updateLatest replaces the latest block if b is more recent. It returns
// the latest block after the update, which never goes backwards.
func (l *Ledger) updateLatest(b *Block) *Block {
	l.Lock()
	if b == nil || b.Index <= l.latest.Index {
		latest := l.latest
		l.Unlock()
		return latest
	}
	l.latest = b
	store := l.store
	l.Unlock()

	log.Lvl3("New latest block", b.Index, b.Hash.Short())
	if store != nil {
		if err := store.StoreBlock(b); err != nil {
			log.Error("Couldn't store block:", err)
		}
	}
	return b
}

// Submit sends a transaction without waiting for its inclusion.
func (l *Ledger) Submit(ctx context.Context, tx ClientTransaction) (TxID, error) {
	return NewTracker(l, tx, nil).SubmitAndWait(ctx, 0)
}

// SubmitAndWait sends a transaction and waits up to wait blocks for it
// to be included.
func (l *Ledger) SubmitAndWait(ctx context.Context, tx ClientTransaction, wait int) (TxID, error) {
	return NewTracker(l, tx, nil).SubmitAndWait(ctx, wait)
}

// addTransaction sends tx to the nodes in turn until one of them takes
// it. With a wait, the proof in the reply starts at from. A node that
// timed out waiting for the inclusion has the transaction in its buffer,
// so it is not sent to the next node.
func (l *Ledger) addTransaction(ctx context.Context, tx ClientTransaction, wait int, from BlockID) (*AddTxResponse, error) {
	req := &AddTxRequest{
		Version:       CurrentVersion,
		SkipchainID:   l.id,
		Transaction:   tx,
		InclusionWait: wait,
		ProofFrom:     from,
	}
	r := l.Roster()
	if r == nil || len(r.List) == 0 {
		return nil, xerrors.Errorf("empty roster: %w", ErrCommunication)
	}
	var last error
	for _, si := range r.List {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		reply := &AddTxResponse{}
		err := l.tr.Send(ctx, si, PathAddTx, req, reply)
		if err == nil {
			return reply, nil
		}
		if isInclusionTimeout(err) {
			return nil, xerrors.Errorf("%v: %w", err, ErrTimedOut)
		}
		log.Lvl2("Node", si.Address, "refused transaction:", err)
		last = err
	}
	return nil, xerrors.Errorf("%s: %v: %w", PathAddTx, last, ErrCommunication)
}

func isInclusionTimeout(err error) bool {
	return rpc.IsServiceError(err, "did not find transaction after") ||
		rpc.IsServiceError(err, "didn't get included after")
}

// GetProof returns the proof for id against the latest block the nodes
// know. The proof is not verified.
func (l *Ledger) GetProof(ctx context.Context, id InstanceID) (*Proof, error) {
	req := &GetProof{
		Version: CurrentVersion,
		Key:     id.Slice(),
		ID:      l.id,
	}
	reply := &GetProofResponse{}
	if err := rpc.SendToRoster(ctx, l.tr, l.Roster(), PathGetProof, req, reply); err != nil {
		return nil, err
	}
	return &reply.Proof, nil
}

// VerifyProof verifies p from the genesis block and returns what it
// proves about id. The latest block is advanced to the block of the
// proof.
func (l *Ledger) VerifyProof(p *Proof, id InstanceID) (*ProvenState, error) {
	ps, err := VerifyProof(p, l.genesis, id)
	if err != nil {
		return nil, err
	}
	l.updateLatest(ps.Block)
	return ps, nil
}

// VerifiedState fetches and verifies the proof for id.
func (l *Ledger) VerifiedState(ctx context.Context, id InstanceID) (*ProvenState, error) {
	p, err := l.GetProof(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.VerifyProof(p, id)
}

// VerifiedContract fetches and verifies the proof for id, and checks it
// holds an instance of contractID.
func (l *Ledger) VerifiedContract(ctx context.Context, id InstanceID, contractID string) (*ProvenState, error) {
	p, err := l.GetProof(ctx, id)
	if err != nil {
		return nil, err
	}
	ps, err := VerifyContract(p, l.genesis, id, contractID)
	if err != nil {
		return nil, err
	}
	l.updateLatest(ps.Block)
	return ps, nil
}

// Refresh fetches the current tip of the chain from the latest known
// block. On error the latest block is left untouched.
func (l *Ledger) Refresh(ctx context.Context) (*Block, error) {
	b, err := l.skipchain.GetUpdate(ctx, l.Latest())
	if err != nil {
		return nil, err
	}
	return l.updateLatest(b), nil
}

// CheckLiveness pings every node of the roster, one after the other, and
// returns false as soon as one of them does not answer.
func (l *Ledger) CheckLiveness(ctx context.Context) bool {
	for _, si := range l.Roster().List {
		log.Lvl2("Checking status of", si.Address)
		if err := l.tr.Ping(ctx, si); err != nil {
			log.Warn("Failing node", si.Address, ":", err)
			return false
		}
	}
	return true
}

// CheckAuthorization returns the actions of the darc with the given
// base id that the identities can sign for together.
func (l *Ledger) CheckAuthorization(ctx context.Context, darcID darc.ID, ids ...darc.Identity) ([]darc.Action, error) {
	req := &CheckAuthorization{
		Version:    CurrentVersion,
		ByzCoinID:  l.id,
		DarcID:     darcID,
		Identities: ids,
	}
	reply := &CheckAuthorizationResponse{}
	if err := rpc.SendToRoster(ctx, l.tr, l.Roster(), PathCheckAuthorization, req, reply); err != nil {
		return nil, err
	}
	return reply.Actions, nil
}

// GetSignerCounters returns the last counter used by each signer.
func (l *Ledger) GetSignerCounters(ctx context.Context, ids ...string) ([]uint64, error) {
	req := &GetSignerCounters{
		SignerIDs:   ids,
		SkipchainID: l.id,
	}
	reply := &GetSignerCountersResponse{}
	if err := rpc.SendToRoster(ctx, l.tr, l.Roster(), PathGetSignerCounters, req, reply); err != nil {
		return nil, err
	}
	if len(reply.Counters) != len(ids) {
		return nil, xerrors.Errorf("got %d counters for %d signers: %w", len(reply.Counters), len(ids), ErrCommunication)
	}
	return reply.Counters, nil
}

// SignTransaction fetches the counters of the signers and signs tx with
// them.
func (l *Ledger) SignTransaction(ctx context.Context, tx *ClientTransaction, signers ...darc.Signer) error {
	ids := make([]string, len(signers))
	for i, s := range signers {
		ids[i] = s.Identity().String()
	}
	ctrs, err := l.GetSignerCounters(ctx, ids...)
	if err != nil {
		return err
	}
	return SignTransaction(tx, ctrs, signers...)
}
