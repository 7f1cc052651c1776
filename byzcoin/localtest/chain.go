package localtest

import (
	"errors"
	"fmt"
	"time"

	bc "go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/byzcoin/trie"
	"go.dedis.ch/cothority/v3/byzcoinx"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/kyber/v3/sign"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"

	"github.com/ceyhunalp/calypso_client/byzcoin"
)

// Shape of the skipchain: the genesis block has maxHeight levels of
// forward links, block i has one more level for every power of base
// dividing i.
const (
	maxHeight  = 4
	baseHeight = 2

	defaultMaxBlockSize = 4000000
)

type chain struct {
	blocks   []*byzcoin.Block
	index    map[string]int
	st       *state
	pending  []byzcoin.ClientTransaction
	waiters  []*waiter
	feeds    map[chan interface{}]chan struct{}
	tampered map[int]bool
}

type waiter struct {
	id       byzcoin.TxID
	from     byzcoin.BlockID
	deadline int
	reply    chan *byzcoin.AddTxResponse
	err      chan error
}

func (ch *chain) latest() *byzcoin.Block {
	return ch.blocks[len(ch.blocks)-1]
}

// height returns the number of forward-link levels of block i.
func height(i int) int {
	if i == 0 {
		return maxHeight
	}
	h := 1
	for d := baseHeight; h < maxHeight && i%d == 0; d *= baseHeight {
		h++
	}
	return h
}

// span returns how many blocks a forward link of the given level skips.
func span(level int) int {
	s := 1
	for ; level > 0; level-- {
		s *= baseHeight
	}
	return s
}

func (c *Cluster) createGenesisBlock(req *byzcoin.CreateGenesisBlock) (*byzcoin.CreateGenesisBlockResponse, error) {
	if !req.GenesisDarc.Rules.Contains(byzcoin.ActionViewChange) {
		return nil, errors.New("genesis darc has no view_change rule")
	}
	if req.BlockInterval <= 0 || len(req.Roster.List) == 0 {
		return nil, errors.New("invalid configuration")
	}
	nonce := make([]byte, 32)
	random.Bytes(nonce, random.New())
	t, err := trie.NewTrie(trie.NewMemDB(), nonce)
	if err != nil {
		return nil, err
	}
	st := &state{
		trie:     t,
		counters: make(map[string]uint64),
		config: byzcoin.ChainConfig{
			Roster:          *copyRoster(&req.Roster),
			BlockInterval:   req.BlockInterval,
			MaxBlockSize:    req.MaxBlockSize,
			DarcContractIDs: req.DarcContractIDs,
		},
	}
	if st.config.MaxBlockSize <= 0 {
		st.config.MaxBlockSize = defaultMaxBlockSize
	}

	d := req.GenesisDarc
	darcBuf, err := d.ToProto()
	if err != nil {
		return nil, err
	}
	configBuf, err := byzcoin.EncodeChainConfig(&st.config)
	if err != nil {
		return nil, err
	}
	next := st.stage()
	err = next.apply(
		bc.NewStateChange(bc.Create, byzcoin.NewInstanceID(d.GetBaseID()), byzcoin.ContractDarcID, darcBuf, d.GetBaseID()),
		bc.NewStateChange(bc.Create, byzcoin.ConfigInstanceID, byzcoin.ContractConfigID, configBuf, d.GetBaseID()),
	)
	if err != nil {
		return nil, err
	}
	ch := &chain{
		index:    make(map[string]int),
		feeds:    make(map[chan interface{}]chan struct{}),
		tampered: make(map[int]bool),
	}
	genesis, err := c.appendBlock(ch, next, nil)
	if err != nil {
		return nil, err
	}

	c.Lock()
	c.chains[string(genesis.Hash)] = ch
	manual := c.Manual
	c.Unlock()
	if !manual {
		c.wg.Add(1)
		go c.produce(genesis.Hash)
	}
	log.Lvl2("Created chain", genesis.Hash.Short())
	return &byzcoin.CreateGenesisBlockResponse{Version: byzcoin.CurrentVersion, Skipblock: genesis.Copy()}, nil
}

// produce creates a block every block interval if there is something to
// include or somebody waiting.
func (c *Cluster) produce(id byzcoin.ChainID) {
	defer c.wg.Done()
	for {
		c.Lock()
		ch := c.chains[string(id)]
		interval := ch.st.config.BlockInterval
		c.Unlock()
		select {
		case <-c.closing:
			return
		case <-time.After(interval):
		}
		c.Lock()
		if !c.Manual && (len(ch.pending) > 0 || len(ch.waiters) > 0) {
			if _, err := c.createBlock(ch); err != nil {
				log.Error("Couldn't create block:", err)
			}
		}
		c.Unlock()
	}
}

// CreateBlock adds a block to the chain with all pending transactions,
// even if there are none.
func (c *Cluster) CreateBlock(id byzcoin.ChainID) (*byzcoin.Block, error) {
	c.Lock()
	defer c.Unlock()
	ch, err := c.chain(id)
	if err != nil {
		return nil, err
	}
	b, err := c.createBlock(ch)
	if err != nil {
		return nil, err
	}
	return b.Copy(), nil
}

// createBlock must be called with the lock held.
func (c *Cluster) createBlock(ch *chain) (*byzcoin.Block, error) {
	var results bc.TxResults
	refused := make(map[byzcoin.TxID]string)
	next := ch.st.stage()
	if !c.DropTransactions {
		for _, tx := range ch.pending {
			attempt := next.clone()
			if err := attempt.execute(tx); err != nil {
				log.Lvl2("Refusing transaction:", err)
				refused[byzcoin.TransactionID(tx)] = err.Error()
				results = append(results, bc.TxResult{ClientTransaction: tx, Accepted: false})
				continue
			}
			next = attempt
			results = append(results, bc.TxResult{ClientTransaction: tx, Accepted: true})
		}
	}
	ch.pending = nil

	b, err := c.appendBlock(ch, next, results)
	if err != nil {
		return nil, err
	}
	log.Lvlf3("New block %d (%s) with %d transactions", b.Index, b.Hash.Short(), len(results))
	ch.notify(b, results, refused)
	return b, nil
}

// appendBlock commits next as the state of a new block and links the
// previous blocks to it.
func (c *Cluster) appendBlock(ch *chain, next *state, results bc.TxResults) (*byzcoin.Block, error) {
	if err := next.sst.Commit(); err != nil {
		return nil, err
	}
	next.sst = nil
	ch.st = next

	idx := len(ch.blocks)
	body, err := protobuf.Encode(&byzcoin.DataBody{TxResults: results})
	if err != nil {
		return nil, err
	}
	header, err := protobuf.Encode(&byzcoin.DataHeader{
		TrieRoot:              next.trie.GetRoot(),
		ClientTransactionHash: results.Hash(),
		StateChangesHash:      next.changes.Hash(),
		Timestamp:             time.Now().UnixNano(),
		Version:               byzcoin.CurrentVersion,
	})
	if err != nil {
		return nil, err
	}
	next.changes = nil

	b := skipchain.NewSkipBlock()
	b.Index = idx
	b.Height = height(idx)
	b.MaximumHeight = maxHeight
	b.BaseHeight = baseHeight
	b.Roster = copyRoster(&next.config.Roster)
	b.Data = header
	b.Payload = body
	if idx > 0 {
		b.GenesisID = ch.blocks[0].Hash
		for k := 0; k < b.Height && idx-span(k) >= 0; k++ {
			b.BackLinkIDs = append(b.BackLinkIDs, ch.blocks[idx-span(k)].Hash)
		}
	}
	b.Hash = b.CalculateHash()

	for k := 0; k < maxHeight; k++ {
		j := idx - span(k)
		if j < 0 {
			break
		}
		src := ch.blocks[j]
		if k >= src.Height || (k < len(src.ForwardLink) && !src.ForwardLink[k].IsEmpty()) {
			continue
		}
		fl := skipchain.NewForwardLink(src, b)
		if err := c.sign(fl, src.Roster); err != nil {
			return nil, err
		}
		if err := src.AddForwardLink(fl, k); err != nil {
			return nil, err
		}
	}
	ch.blocks = append(ch.blocks, b)
	ch.index[string(b.Hash)] = idx
	return b, nil
}

// notify must be called with the lock held.
func (ch *chain) notify(b *byzcoin.Block, results bc.TxResults, refused map[byzcoin.TxID]string) {
	included := make(map[byzcoin.TxID]bool)
	for _, res := range results {
		if res.Accepted {
			included[byzcoin.TransactionID(res.ClientTransaction)] = true
		}
	}
	var waiting []*waiter
	for _, w := range ch.waiters {
		switch {
		case included[w.id]:
			p, err := ch.proof(byzcoin.ConfigInstanceID.Slice(), w.from)
			if err != nil {
				w.err <- err
				continue
			}
			w.reply <- &byzcoin.AddTxResponse{Version: byzcoin.CurrentVersion, Proof: p}
		case refused[w.id] != "":
			w.reply <- &byzcoin.AddTxResponse{Version: byzcoin.CurrentVersion, Error: refused[w.id]}
		case b.Index >= w.deadline:
			w.err <- fmt.Errorf("did not find transaction after %v blocks", b.Index-w.deadline+1)
		default:
			waiting = append(waiting, w)
		}
	}
	ch.waiters = waiting

	for feed := range ch.feeds {
		select {
		case feed <- &byzcoin.StreamingResponse{Block: b.Copy()}:
		default:
			log.Lvl2("Feed is full, dropping block", b.Index)
		}
	}
}

// sign adds to fl the aggregated BLS signature of every node of r.
func (c *Cluster) sign(fl *byzcoin.ForwardLink, r *onet.Roster) error {
	msg := fl.Hash()
	mask, err := sign.NewMask(pairingSuite, r.ServicePublics(skipchain.ServiceName), nil)
	if err != nil {
		return err
	}
	sigs := make([][]byte, len(r.List))
	for i, si := range r.List {
		priv := c.blsKeys[si.Public.String()]
		if priv == nil {
			return fmt.Errorf("no key for %s", si.Address)
		}
		if sigs[i], err = bls.Sign(pairingSuite, priv, msg); err != nil {
			return err
		}
		if err := mask.SetBit(i, true); err != nil {
			return err
		}
	}
	agg, err := bls.AggregateSignatures(pairingSuite, sigs...)
	if err != nil {
		return err
	}
	fl.Signature = byzcoinx.FinalSignature{Msg: msg, Sig: append(agg, mask.Mask()...)}
	return nil
}

// highestLink returns the block reached by the highest forward link of
// block i that does not go beyond last.
func (ch *chain) highestLink(i, last int) (*byzcoin.ForwardLink, int) {
	b := ch.blocks[i]
	for k := len(b.ForwardLink) - 1; k >= 0; k-- {
		fl := b.ForwardLink[k]
		if fl == nil || fl.IsEmpty() {
			continue
		}
		if to := i + span(k); to <= last {
			return fl, to
		}
	}
	return nil, -1
}

// proof returns a proof for key against the latest block. Like a node,
// the first link only carries the roster of the block the proof starts
// from, which is from if it is known, the genesis block otherwise.
func (ch *chain) proof(key []byte, from byzcoin.BlockID) (*byzcoin.Proof, error) {
	p, err := ch.st.trie.GetProof(key)
	if err != nil {
		return nil, err
	}
	start := 0
	if i, ok := ch.index[string(from)]; ok {
		start = i
	}
	last := len(ch.blocks) - 1
	proof := &byzcoin.Proof{
		InclusionProof: *p,
		Latest:         *ch.copyBlock(last),
		Links: []byzcoin.ForwardLink{{
			From:      byzcoin.BlockID{},
			To:        ch.blocks[start].Hash,
			NewRoster: ch.blocks[start].Roster,
		}},
	}
	for i := start; i < last; {
		fl, to := ch.highestLink(i, last)
		if fl == nil {
			return nil, fmt.Errorf("no link from block %d", i)
		}
		proof.Links = append(proof.Links, *fl.Copy())
		i = to
	}
	return proof, nil
}

func (c *Cluster) getProof(req *byzcoin.GetProof) (*byzcoin.GetProofResponse, error) {
	c.Lock()
	defer c.Unlock()
	ch, err := c.chain(req.ID)
	if err != nil {
		return nil, err
	}
	p, err := ch.proof(req.Key, nil)
	if err != nil {
		return nil, err
	}
	return &byzcoin.GetProofResponse{Version: byzcoin.CurrentVersion, Proof: *p}, nil
}

func (c *Cluster) getSingleBlock(req *byzcoin.GetSingleBlock) (*byzcoin.Block, error) {
	c.Lock()
	defer c.Unlock()
	for _, ch := range c.chains {
		if i, ok := ch.index[string(req.ID)]; ok {
			return ch.copyBlock(i), nil
		}
	}
	return nil, errors.New("no such block")
}

func (c *Cluster) getUpdateChain(req *byzcoin.GetUpdateChain) (*byzcoin.GetUpdateChainReply, error) {
	c.Lock()
	defer c.Unlock()
	for _, ch := range c.chains {
		i, ok := ch.index[string(req.LatestID)]
		if !ok {
			continue
		}
		last := len(ch.blocks) - 1
		reply := &byzcoin.GetUpdateChainReply{Update: []*byzcoin.Block{ch.copyBlock(i)}}
		for i < last {
			_, to := ch.highestLink(i, last)
			if to < 0 {
				break
			}
			reply.Update = append(reply.Update, ch.copyBlock(to))
			i = to
		}
		return reply, nil
	}
	return nil, errors.New("no such block")
}

// TamperBlock makes the nodes return block index of chain id with a
// changed content.
func (c *Cluster) TamperBlock(id byzcoin.ChainID, index int) {
	c.Lock()
	defer c.Unlock()
	if ch := c.chains[string(id)]; ch != nil {
		ch.tampered[index] = true
	}
}

// ForgeLink replaces the signature of forward link level of block index
// with garbage.
func (c *Cluster) ForgeLink(id byzcoin.ChainID, index, level int) error {
	c.Lock()
	defer c.Unlock()
	ch, err := c.chain(id)
	if err != nil {
		return err
	}
	if index >= len(ch.blocks) || level >= len(ch.blocks[index].ForwardLink) ||
		ch.blocks[index].ForwardLink[level].IsEmpty() {
		return errors.New("no such link")
	}
	fl := ch.blocks[index].ForwardLink[level].Copy()
	fl.Signature.Sig[0] ^= 0xff
	ch.blocks[index].ForwardLink[level] = fl
	return nil
}

// copyBlock returns a copy that can be sent while new links are added
// to the original.
func (ch *chain) copyBlock(i int) *byzcoin.Block {
	b := ch.blocks[i].Copy()
	if ch.tampered[i] {
		b.Data = append(b.Data, 0)
	}
	return b
}

func copyRoster(r *onet.Roster) *onet.Roster {
	return onet.NewRoster(append([]*network.ServerIdentity{}, r.List...))
}

// SetInstance overwrites an instance of chain id in a new block, without
// any transaction. It stands for a node serving a state no contract
// could have produced.
func (c *Cluster) SetInstance(id byzcoin.ChainID, iid byzcoin.InstanceID, contractID string, value []byte) (*byzcoin.Block, error) {
	c.Lock()
	defer c.Unlock()
	ch, err := c.chain(id)
	if err != nil {
		return nil, err
	}
	next := ch.st.stage()
	sc := bc.NewStateChange(bc.Create, iid, contractID, value, nil)
	if body, err := next.get(iid); err == nil {
		sc.StateAction = bc.Update
		sc.DarcID = body.DarcID
	}
	if err := next.apply(sc); err != nil {
		return nil, err
	}
	b, err := c.appendBlock(ch, next, nil)
	if err != nil {
		return nil, err
	}
	ch.notify(b, nil, nil)
	return b.Copy(), nil
}
