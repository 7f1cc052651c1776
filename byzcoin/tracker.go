package byzcoin

import (
	"context"
	"sync"
	"time"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// TxState is the state of a tracked transaction.
type TxState int

const (
	// TxNew is a transaction that has not been sent yet.
	TxNew TxState = iota
	// TxSubmitted has been accepted by a node.
	TxSubmitted
	// TxPending is being polled for.
	TxPending
	// TxIncluded is in a block.
	TxIncluded
	// TxTimedOut was not seen in the wait budget. It might still be
	// included later.
	TxTimedOut
	// TxRejected will never be included.
	TxRejected
)

func (s TxState) String() string {
	switch s {
	case TxNew:
		return "new"
	case TxSubmitted:
		return "submitted"
	case TxPending:
		return "pending"
	case TxIncluded:
		return "included"
	case TxTimedOut:
		return "timed out"
	case TxRejected:
		return "rejected"
	}
	return "unknown"
}

// Expectation describes the state an instance is in once a transaction
// has been included.
type Expectation struct {
	InstanceID InstanceID
	// Absent is set if the instance must not exist anymore.
	Absent bool
	// ContractID is checked if it is not empty.
	ContractID string
	MinVersion uint64
}

// Matches returns true if the proven state fulfills the expectation.
func (e Expectation) Matches(ps *ProvenState) bool {
	if e.Absent {
		return !ps.Exists
	}
	if !ps.Exists {
		return false
	}
	if e.ContractID != "" && ps.ContractID != e.ContractID {
		return false
	}
	return ps.Version >= e.MinVersion
}

// Tracker sends a transaction and follows it until it is included,
// rejected or the wait budget is used up.
type Tracker struct {
	ledger *Ledger
	tx     ClientTransaction
	expect *Expectation

	// PollInterval is the time between two checks when the nodes do not
	// wait for the inclusion. It defaults to half the block interval.
	PollInterval time.Duration

	sync.Mutex
	state TxState
}

// NewTracker returns a tracker for tx. If expect is nil, it is derived
// from the last instruction of tx.
func NewTracker(l *Ledger, tx ClientTransaction, expect *Expectation) *Tracker {
	return &Tracker{ledger: l, tx: tx, expect: expect}
}

// State returns the current state of the transaction.
func (t *Tracker) State() TxState {
	t.Lock()
	defer t.Unlock()
	return t.state
}

func (t *Tracker) setState(s TxState) {
	t.Lock()
	t.state = s
	t.Unlock()
	log.Lvl3("Transaction", TransactionID(t.tx), "is", s)
}

// SubmitAndWait validates and sends the transaction. With wait == 0 it
// returns as soon as a node accepted it. Otherwise the node is asked to
// hold the reply until the transaction is in a block and to prove the
// new state from the latest known block; if no node holds the reply, the
// tracker polls for the expected instance state for up to wait new
// blocks. Nothing started by SubmitAndWait outlives the call.
func (t *Tracker) SubmitAndWait(ctx context.Context, wait int) (TxID, error) {
	if wait < 0 {
		return TxID{}, xerrors.Errorf("negative wait %d: %w", wait, ErrValidation)
	}
	if err := ValidateTransaction(t.tx); err != nil {
		return TxID{}, err
	}
	id := TransactionID(t.tx)

	var expect Expectation
	var from *Block
	if wait > 0 {
		var err error
		expect, err = t.expectation(ctx)
		if err != nil {
			return TxID{}, err
		}
		from = t.ledger.Latest()
	}

	var fromID BlockID
	if from != nil {
		fromID = from.Hash
	}
	reply, err := t.ledger.addTransaction(ctx, t.tx, wait, fromID)
	if err != nil {
		if xerrors.Is(err, ErrTimedOut) {
			t.setState(TxTimedOut)
			return id, xerrors.Errorf("transaction %s not included after %d blocks: %w", id, wait, err)
		}
		return TxID{}, err
	}
	t.setState(TxSubmitted)

	switch {
	case reply.Error != "":
		t.setState(TxRejected)
		return id, xerrors.Errorf("transaction %s: %s: %w", id, reply.Error, ErrRejected)
	case reply.Proof != nil && from != nil:
		if err := verifyChain(reply.Proof, from); err != nil {
			return id, xerrors.Errorf("proof of inclusion of %s: %w", id, err)
		}
		t.ledger.updateLatest(&reply.Proof.Latest)
		t.setState(TxIncluded)
		return id, nil
	}
	if wait == 0 {
		return id, nil
	}

	t.setState(TxPending)
	if err := t.poll(ctx, expect, wait); err != nil {
		return id, err
	}
	return id, nil
}

// expectation returns the given expectation or derives it from the last
// instruction. For an invoke, the version before the submission is
// fetched.
func (t *Tracker) expectation(ctx context.Context) (Expectation, error) {
	if t.expect != nil {
		return *t.expect, nil
	}
	instr := t.tx.Instructions[len(t.tx.Instructions)-1]
	switch {
	case instr.Spawn != nil:
		id, err := SpawnedID(instr)
		if err != nil {
			return Expectation{}, xerrors.Errorf("%v: %w", err, ErrValidation)
		}
		return Expectation{InstanceID: id, ContractID: instr.Spawn.ContractID}, nil
	case instr.Delete != nil:
		return Expectation{InstanceID: instr.InstanceID, Absent: true}, nil
	}
	ps, err := t.ledger.VerifiedState(ctx, instr.InstanceID)
	if err != nil {
		return Expectation{}, err
	}
	return Expectation{
		InstanceID: instr.InstanceID,
		ContractID: instr.Invoke.ContractID,
		MinVersion: ps.Version + 1,
	}, nil
}

// poll checks the expected instance once per new block. The block count
// starts at the first block seen after the submission. Communication
// errors are logged and the next tick is waited for; verification
// errors end the poll.
func (t *Tracker) poll(ctx context.Context, expect Expectation, wait int) error {
	interval := t.ledger.Config().BlockInterval
	pollInterval := t.PollInterval
	if pollInterval <= 0 {
		pollInterval = interval / 2
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	budget := 2 * time.Duration(wait+1) * interval
	if budget <= 0 {
		budget = 2 * time.Duration(wait+1) * pollInterval
	}
	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	startIndex, lastIndex := -1, -1
	for {
		select {
		case <-ctx.Done():
			return xerrors.Errorf("waiting for transaction %s: %w", TransactionID(t.tx), ctx.Err())
		case <-deadline.C:
			t.setState(TxTimedOut)
			return xerrors.Errorf("transaction %s not seen after %v: %w", TransactionID(t.tx), budget, ErrTimedOut)
		case <-ticker.C:
		}

		latest, err := t.ledger.Refresh(ctx)
		if err != nil {
			if xerrors.Is(err, ErrCommunication) {
				log.Lvl2("Couldn't refresh while polling:", err)
				continue
			}
			return err
		}
		if startIndex < 0 {
			startIndex = latest.Index
		}
		if latest.Index == lastIndex {
			continue
		}

		ps, err := t.ledger.VerifiedState(ctx, expect.InstanceID)
		if err != nil {
			if xerrors.Is(err, ErrCommunication) {
				log.Lvl2("Couldn't get proof while polling:", err)
				continue
			}
			return err
		}
		if expect.Matches(ps) {
			t.setState(TxIncluded)
			return nil
		}
		lastIndex = latest.Index
		if ps.Block.Index > lastIndex {
			lastIndex = ps.Block.Index
		}
		if lastIndex-startIndex >= wait {
			t.setState(TxTimedOut)
			return xerrors.Errorf("transaction %s not seen in %d blocks: %w", TransactionID(t.tx), wait, ErrTimedOut)
		}
	}
}

const defaultPollInterval = 100 * time.Millisecond
