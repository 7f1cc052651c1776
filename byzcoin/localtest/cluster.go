// Package localtest simulates a cluster of conodes running ByzCoin and
// Calypso, reachable through an rpc.Local transport. Blocks are real
// skipblocks with BLS-signed forward links and the global state is a
// real ByzCoin trie, but there is no consensus and the key generation is
// done by a single party.
package localtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"

	"github.com/ceyhunalp/calypso_client/byzcoin"
	"github.com/ceyhunalp/calypso_client/calypso"
	"github.com/ceyhunalp/calypso_client/rpc"
)

var pairingSuite = pairing.NewSuiteBn256()

// Cluster is a set of simulated nodes. The exported flags change the
// behaviour of the nodes and can be set at any time with Set.
type Cluster struct {
	Roster    *onet.Roster
	Transport *rpc.Local

	sync.Mutex
	// Manual disables the automatic creation of blocks. Blocks are then
	// only created by CreateBlock.
	Manual bool
	// NoHold makes the nodes reply at once to AddTxRequest, even with an
	// inclusion wait.
	NoHold bool
	// NoStream refuses streaming requests.
	NoStream bool
	// DropTransactions accepts transactions but never includes them.
	DropTransactions bool
	// MaliciousReshare changes the secret of a long-term secret when it
	// is reshared.
	MaliciousReshare bool
	// MaliciousShare makes the first node of every long-term secret
	// return decryption shares that do not match its key.
	MaliciousShare bool

	keys       map[string]kyber.Scalar
	blsKeys    map[string]kyber.Scalar
	port       int
	chains     map[string]*chain
	lts        map[byzcoin.InstanceID]*ltsState
	authorised map[string]map[string]bool
	closing    chan struct{}
	wg         sync.WaitGroup
}

// NewCluster returns a cluster of n nodes.
func NewCluster(n int) *Cluster {
	c := &Cluster{
		keys:       make(map[string]kyber.Scalar),
		blsKeys:    make(map[string]kyber.Scalar),
		port:       7770,
		chains:     make(map[string]*chain),
		lts:        make(map[byzcoin.InstanceID]*ltsState),
		authorised: make(map[string]map[string]bool),
		closing:    make(chan struct{}),
	}
	list := make([]*network.ServerIdentity, n)
	for i := range list {
		list[i] = c.NewNode()
	}
	c.Roster = onet.NewRoster(list)
	c.Transport = rpc.NewLocal(c)
	return c
}

// NewNode creates a node that is not part of the roster yet. Like a
// conode, it has an ed25519 key and a BLS key for the skipchain service.
func (c *Cluster) NewNode() *network.ServerIdentity {
	kp := key.NewKeyPair(cothority.Suite)
	bls := key.NewKeyPair(pairingSuite)
	c.Lock()
	defer c.Unlock()
	addr := network.NewAddress(network.PlainTCP, fmt.Sprintf("127.0.0.1:%d", c.port))
	c.port += 2
	c.keys[kp.Public.String()] = kp.Private
	c.blsKeys[kp.Public.String()] = bls.Private
	si := network.NewServerIdentity(kp.Public, addr)
	si.ServiceIdentities = []network.ServiceIdentity{
		network.NewServiceIdentityFromPair(skipchain.ServiceName, pairingSuite, bls),
	}
	return si
}

// Private returns the private key of a node of the cluster.
func (c *Cluster) Private(si *network.ServerIdentity) kyber.Scalar {
	c.Lock()
	defer c.Unlock()
	return c.keys[si.Public.String()]
}

// Set changes the flags of the cluster.
func (c *Cluster) Set(f func(c *Cluster)) {
	c.Lock()
	defer c.Unlock()
	f(c)
}

// Close stops the creation of blocks and releases waiting requests.
func (c *Cluster) Close() {
	c.Lock()
	select {
	case <-c.closing:
	default:
		close(c.closing)
	}
	c.Unlock()
	c.wg.Wait()
}

// Process implements rpc.Service.
func (c *Cluster) Process(dst *network.ServerIdentity, path string, req interface{}) (interface{}, error) {
	log.Lvl4(dst.Address, "got", path)
	switch r := req.(type) {
	case *byzcoin.CreateGenesisBlock:
		return c.createGenesisBlock(r)
	case *byzcoin.AddTxRequest:
		return c.addTransaction(r)
	case *byzcoin.GetProof:
		return c.getProof(r)
	case *byzcoin.CheckAuthorization:
		return c.checkAuthorization(r)
	case *byzcoin.GetSignerCounters:
		return c.getSignerCounters(r)
	case *byzcoin.GetSingleBlock:
		return c.getSingleBlock(r)
	case *byzcoin.GetUpdateChain:
		return c.getUpdateChain(r)
	case *calypso.Authorize:
		return c.authorize(dst, r)
	case *calypso.CreateLTS:
		return c.createLTS(dst, r)
	case *calypso.ReshareLTS:
		return c.reshareLTS(r)
	case *calypso.GetLTSReply:
		return c.getLTSReply(r)
	case *calypso.GetLTSCommits:
		return c.getLTSCommits(dst, r)
	case *calypso.DecryptKey:
		return c.decryptKey(r)
	case *calypso.DecryptShareRequest:
		return c.decryptShare(dst, r)
	}
	return nil, fmt.Errorf("unknown request %s", path)
}

// Stream implements rpc.Streamer. Every new block of the chain is sent
// on the returned channel.
func (c *Cluster) Stream(ctx context.Context, dst *network.ServerIdentity, path string, req interface{}) (<-chan interface{}, error) {
	r, ok := req.(*byzcoin.StreamingRequest)
	if !ok {
		return nil, fmt.Errorf("cannot stream %s", path)
	}
	c.Lock()
	defer c.Unlock()
	if c.NoStream {
		return nil, errors.New("streaming is disabled")
	}
	ch, err := c.chain(r.ID)
	if err != nil {
		return nil, err
	}
	feed := make(chan interface{}, 16)
	stop := make(chan struct{})
	ch.feeds[feed] = stop
	go func() {
		select {
		case <-ctx.Done():
		case <-c.closing:
		case <-stop:
		}
		c.Lock()
		delete(ch.feeds, feed)
		close(feed)
		c.Unlock()
	}()
	return feed, nil
}

// CloseStreams ends all streams of chain id, as if the nodes went away.
func (c *Cluster) CloseStreams(id byzcoin.ChainID) {
	c.Lock()
	defer c.Unlock()
	if ch := c.chains[string(id)]; ch != nil {
		for feed, stop := range ch.feeds {
			delete(ch.feeds, feed)
			close(stop)
		}
	}
}

// chain must be called with the lock held.
func (c *Cluster) chain(id byzcoin.ChainID) (*chain, error) {
	ch := c.chains[string(id)]
	if ch == nil {
		return nil, fmt.Errorf("unknown chain %s", id.Short())
	}
	return ch, nil
}
