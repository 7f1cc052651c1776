package localtest

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"time"

	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"

	"github.com/ceyhunalp/calypso_client/byzcoin"
	"github.com/ceyhunalp/calypso_client/calypso"
)

// maxClockSkew is how far, in seconds, the timestamp of an Authorize
// request can be from the clock of the node.
const maxClockSkew = 60

// ltsState is a long-term secret. Node i of the roster holds shares[i].
type ltsState struct {
	id        byzcoin.InstanceID
	chain     byzcoin.ChainID
	roster    *onet.Roster
	threshold int
	poly      *share.PriPoly
	shares    []*share.PriShare
	X         kyber.Point
}

func newLtsState(id byzcoin.InstanceID, chain byzcoin.ChainID, roster *onet.Roster, secret kyber.Scalar) *ltsState {
	suite := cothority.Suite
	n := len(roster.List)
	t := byzcoin.Threshold(n)
	poly := share.NewPriPoly(suite, t, secret, suite.RandomStream())
	return &ltsState{
		id:        id,
		chain:     chain,
		roster:    roster,
		threshold: t,
		poly:      poly,
		shares:    poly.Shares(n),
		X:         suite.Point().Mul(secret, nil),
	}
}

func (lts *ltsState) reply() *calypso.CreateLTSReply {
	return &calypso.CreateLTSReply{
		ByzCoinID:  lts.chain,
		InstanceID: lts.id,
		X:          lts.X,
	}
}

// node returns the position of si in the roster of the secret, or -1.
func (lts *ltsState) node(si *network.ServerIdentity) int {
	for i, n := range lts.roster.List {
		if n.Public.Equal(si.Public) {
			return i
		}
	}
	return -1
}

func (c *Cluster) authorize(dst *network.ServerIdentity, req *calypso.Authorize) (*calypso.AuthorizeReply, error) {
	if len(req.ByzCoinID) == 0 {
		return nil, errors.New("empty ByzCoin ID")
	}
	if len(req.Signature) == 0 {
		return nil, errors.New("no signature provided")
	}
	if math.Abs(time.Since(time.Unix(req.Timestamp, 0)).Seconds()) > maxClockSkew {
		return nil, errors.New("signature is too old")
	}
	msg := calypso.AuthorizeMessage(req.ByzCoinID, req.Timestamp)
	if err := schnorr.Verify(cothority.Suite, dst.Public, msg, req.Signature); err != nil {
		return nil, errors.New("signature verification failed: " + err.Error())
	}

	c.Lock()
	defer c.Unlock()
	node := dst.Public.String()
	if c.authorised[node] == nil {
		c.authorised[node] = make(map[string]bool)
	}
	if c.authorised[node][string(req.ByzCoinID)] {
		return nil, errors.New(calypso.AlreadyAuthorized)
	}
	c.authorised[node][string(req.ByzCoinID)] = true
	log.Lvl2(dst.Address, "authorised", req.ByzCoinID.Short())
	return &calypso.AuthorizeReply{}, nil
}

// verifyContract must be called with the lock held.
func (c *Cluster) verifyContract(p *byzcoin.Proof, contractID string) (*byzcoin.ProvenState, error) {
	if p.Latest.SkipBlockFix == nil {
		return nil, errors.New("proof without latest block")
	}
	ch, err := c.chain(p.Latest.SkipChainID())
	if err != nil {
		return nil, err
	}
	return byzcoin.VerifyContract(p, ch.blocks[0], byzcoin.ProofInstance(p), contractID)
}

// verifyLTSProof must be called with the lock held.
func (c *Cluster) verifyLTSProof(p *byzcoin.Proof) (*calypso.LtsInstanceInfo, error) {
	ps, err := c.verifyContract(p, calypso.ContractLongTermSecretID)
	if err != nil {
		return nil, err
	}
	return calypso.DecodeLtsInstanceInfo(ps.Value)
}

func (c *Cluster) createLTS(dst *network.ServerIdentity, req *calypso.CreateLTS) (*calypso.CreateLTSReply, error) {
	c.Lock()
	defer c.Unlock()
	info, err := c.verifyLTSProof(&req.Proof)
	if err != nil {
		return nil, err
	}
	chainID := req.Proof.Latest.SkipChainID()
	if !c.authorised[dst.Public.String()][string(chainID)] {
		return nil, fmt.Errorf("chain %s is not authorised", chainID.Short())
	}
	id := byzcoin.ProofInstance(&req.Proof)
	if c.lts[id] != nil {
		return nil, fmt.Errorf("lts %s already exists", id)
	}
	suite := cothority.Suite
	lts := newLtsState(id, chainID, &info.Roster, suite.Scalar().Pick(suite.RandomStream()))
	c.lts[id] = lts
	log.Lvl2("Created lts", id, "with threshold", lts.threshold)
	return lts.reply(), nil
}

func (c *Cluster) reshareLTS(req *calypso.ReshareLTS) (*calypso.ReshareLTSReply, error) {
	c.Lock()
	defer c.Unlock()
	info, err := c.verifyLTSProof(&req.Proof)
	if err != nil {
		return nil, err
	}
	id := byzcoin.ProofInstance(&req.Proof)
	old := c.lts[id]
	if old == nil {
		return nil, fmt.Errorf("unknown lts %s", id)
	}
	secret := old.poly.Secret()
	if c.MaliciousReshare {
		secret = cothority.Suite.Scalar().Pick(cothority.Suite.RandomStream())
	}
	c.lts[id] = newLtsState(id, old.chain, &info.Roster, secret)
	return &calypso.ReshareLTSReply{}, nil
}

func (c *Cluster) getLTSReply(req *calypso.GetLTSReply) (*calypso.CreateLTSReply, error) {
	c.Lock()
	defer c.Unlock()
	lts := c.lts[req.LTSID]
	if lts == nil {
		return nil, fmt.Errorf("unknown lts %s", req.LTSID)
	}
	return lts.reply(), nil
}

func (c *Cluster) getLTSCommits(dst *network.ServerIdentity, req *calypso.GetLTSCommits) (*calypso.GetLTSCommitsReply, error) {
	c.Lock()
	defer c.Unlock()
	lts := c.lts[req.LTSID]
	if lts == nil || lts.node(dst) < 0 {
		return nil, fmt.Errorf("unknown lts %s", req.LTSID)
	}
	_, commits := lts.poly.Commit(nil).Info()
	return &calypso.GetLTSCommitsReply{Commits: commits}, nil
}

// readWrite must be called with the lock held. It verifies both proofs
// and returns the secret of the write.
func (c *Cluster) readWrite(readProof, writeProof *byzcoin.Proof) (*calypso.Write, *calypso.Read, *ltsState, error) {
	rps, err := c.verifyContract(readProof, calypso.ContractReadID)
	if err != nil {
		return nil, nil, nil, err
	}
	wps, err := c.verifyContract(writeProof, calypso.ContractWriteID)
	if err != nil {
		return nil, nil, nil, err
	}
	r, err := calypso.DecodeRead(rps.Value)
	if err != nil {
		return nil, nil, nil, err
	}
	if !r.Write.Equal(wps.Key) {
		return nil, nil, nil, errors.New("read is not for this write")
	}
	wr, err := calypso.DecodeWrite(wps.Value)
	if err != nil {
		return nil, nil, nil, err
	}
	lts := c.lts[wr.LTSID]
	if lts == nil {
		return nil, nil, nil, fmt.Errorf("unknown lts %s", wr.LTSID)
	}
	return wr, r, lts, nil
}

// reencrypt returns the share of node i of the key of wr for the reader
// Xc, with a proof that it uses the private share of the node.
func (c *Cluster) reencrypt(lts *ltsState, i int, wr *calypso.Write, Xc kyber.Point) *calypso.DecryptShare {
	suite := cothority.Suite
	xi := lts.shares[i]
	base := suite.Point().Add(wr.U, Xc)
	ui := suite.Point().Mul(xi.V, base)
	if c.MaliciousShare && i == 0 {
		ui = suite.Point().Pick(suite.RandomStream())
	}
	si := suite.Scalar().Pick(suite.RandomStream())
	uiHat := suite.Point().Mul(si, base)
	hiHat := suite.Point().Mul(si, nil)
	h := sha256.New()
	ui.MarshalTo(h)
	uiHat.MarshalTo(h)
	hiHat.MarshalTo(h)
	ei := suite.Scalar().SetBytes(h.Sum(nil))
	fi := suite.Scalar().Add(si, suite.Scalar().Mul(ei, xi.V))
	return &calypso.DecryptShare{Ui: &share.PubShare{I: xi.I, V: ui}, Ei: ei, Fi: fi}
}

// decryptKey combines the verified shares of the nodes of the secret
// that are up.
func (c *Cluster) decryptKey(req *calypso.DecryptKey) (*calypso.DecryptKeyReply, error) {
	c.Lock()
	defer c.Unlock()
	wr, r, lts, err := c.readWrite(&req.Read, &req.Write)
	if err != nil {
		return nil, err
	}
	pub := lts.poly.Commit(nil)
	var shares []*share.PubShare
	for i, si := range lts.roster.List {
		if !c.Transport.IsUp(si) {
			continue
		}
		ds := c.reencrypt(lts, i, wr, r.Xc)
		if !calypso.VerifyShare(ds, pub, wr.U, r.Xc) {
			continue
		}
		shares = append(shares, ds.Ui)
	}
	if len(shares) < lts.threshold {
		return nil, fmt.Errorf("got %d shares, need %d", len(shares), lts.threshold)
	}
	XhatEnc, err := share.RecoverCommit(cothority.Suite, shares, lts.threshold, len(lts.roster.List))
	if err != nil {
		return nil, err
	}
	return &calypso.DecryptKeyReply{C: wr.C, XhatEnc: XhatEnc, X: lts.X}, nil
}

// decryptShare returns the share of dst only.
func (c *Cluster) decryptShare(dst *network.ServerIdentity, req *calypso.DecryptShareRequest) (*calypso.DecryptShare, error) {
	c.Lock()
	defer c.Unlock()
	wr, r, lts, err := c.readWrite(&req.Read, &req.Write)
	if err != nil {
		return nil, err
	}
	i := lts.node(dst)
	if i < 0 {
		return nil, fmt.Errorf("%s holds no share of lts %s", dst.Address, lts.id)
	}
	return c.reencrypt(lts, i, wr, r.Xc), nil
}
