package localtest

import (
	"errors"

	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/onet/v3/log"

	"github.com/ceyhunalp/calypso_client/byzcoin"
)

// addTransaction queues the transaction. With an inclusion wait the
// reply holds a proof starting at ProofFrom once the transaction is in a
// block, or the error that refused it.
func (c *Cluster) addTransaction(req *byzcoin.AddTxRequest) (*byzcoin.AddTxResponse, error) {
	tx := req.Transaction
	if err := byzcoin.ValidateTransaction(tx); err != nil {
		log.Lvl2("Refusing invalid transaction:", err)
		return &byzcoin.AddTxResponse{Version: byzcoin.CurrentVersion, Error: err.Error()}, nil
	}

	c.Lock()
	ch, err := c.chain(req.SkipchainID)
	if err != nil {
		c.Unlock()
		return nil, err
	}
	ch.pending = append(ch.pending, tx)
	if req.InclusionWait <= 0 || c.NoHold {
		c.Unlock()
		return &byzcoin.AddTxResponse{Version: byzcoin.CurrentVersion}, nil
	}
	w := &waiter{
		id:       byzcoin.TransactionID(tx),
		from:     req.ProofFrom,
		deadline: ch.latest().Index + req.InclusionWait,
		reply:    make(chan *byzcoin.AddTxResponse, 1),
		err:      make(chan error, 1),
	}
	ch.waiters = append(ch.waiters, w)
	c.Unlock()

	select {
	case reply := <-w.reply:
		return reply, nil
	case err := <-w.err:
		return nil, err
	case <-c.closing:
		return nil, errors.New("cluster is closing")
	}
}

func (c *Cluster) checkAuthorization(req *byzcoin.CheckAuthorization) (*byzcoin.CheckAuthorizationResponse, error) {
	c.Lock()
	defer c.Unlock()
	ch, err := c.chain(req.ByzCoinID)
	if err != nil {
		return nil, err
	}
	d, err := ch.st.getDarc(req.DarcID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(req.Identities))
	for i, id := range req.Identities {
		ids[i] = id.String()
	}
	reply := &byzcoin.CheckAuthorizationResponse{}
	for _, r := range d.Rules.List {
		if darc.EvalExpr(r.Expr, ch.st.darcGetter(), ids...) == nil {
			reply.Actions = append(reply.Actions, r.Action)
		}
	}
	return reply, nil
}

func (c *Cluster) getSignerCounters(req *byzcoin.GetSignerCounters) (*byzcoin.GetSignerCountersResponse, error) {
	c.Lock()
	defer c.Unlock()
	ch, err := c.chain(req.SkipchainID)
	if err != nil {
		return nil, err
	}
	reply := &byzcoin.GetSignerCountersResponse{Counters: make([]uint64, len(req.SignerIDs))}
	for i, id := range req.SignerIDs {
		reply.Counters[i] = ch.st.counters[id]
	}
	return reply, nil
}
