package byzcoin

import (
	"context"
	"time"

	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// ConfigWaitBlocks is how many blocks a configuration change waits for
// its inclusion.
const ConfigWaitBlocks = 20

// SetRoster replaces the roster of the chain. The new roster must differ
// by exactly one node from the roster of the verified configuration;
// this is checked before the change is signed and sent.
func (l *Ledger) SetRoster(ctx context.Context, r *onet.Roster, admins []darc.Signer) error {
	if r == nil || len(r.List) == 0 {
		return xerrors.Errorf("new roster is empty: %w", ErrValidation)
	}
	cc, err := l.updateConfig(ctx, admins, func(cc *ChainConfig) error {
		if err := checkRosterChange(&cc.Roster, r); err != nil {
			return err
		}
		cc.Roster = *r
		return nil
	})
	if err != nil {
		return err
	}

	l.Lock()
	l.roster = &cc.Roster
	l.Unlock()
	l.skipchain.SetRoster(&cc.Roster)
	log.Lvl2("New roster with", len(cc.Roster.List), "nodes")
	return nil
}

// SetBlockInterval changes the time between two blocks.
func (l *Ledger) SetBlockInterval(ctx context.Context, interval time.Duration, admins []darc.Signer) error {
	if interval <= 0 {
		return xerrors.Errorf("block interval %v: %w", interval, ErrValidation)
	}
	_, err := l.updateConfig(ctx, admins, func(cc *ChainConfig) error {
		cc.BlockInterval = interval
		return nil
	})
	return err
}

// SetMaxBlockSize changes the maximum size of a block, in bytes.
func (l *Ledger) SetMaxBlockSize(ctx context.Context, size int, admins []darc.Signer) error {
	if size <= 0 {
		return xerrors.Errorf("block size %d: %w", size, ErrValidation)
	}
	_, err := l.updateConfig(ctx, admins, func(cc *ChainConfig) error {
		cc.MaxBlockSize = size
		return nil
	})
	return err
}

// updateConfig reads the verified configuration, applies change and sends
// an update_config instruction signed by all admins. If change fails,
// nothing is sent. The local copy of the configuration is only replaced
// once the change is included.
func (l *Ledger) updateConfig(ctx context.Context, admins []darc.Signer, change func(*ChainConfig) error) (*ChainConfig, error) {
	if len(admins) == 0 {
		return nil, xerrors.Errorf("no admin to sign the configuration change: %w", ErrValidation)
	}
	ps, err := l.VerifiedContract(ctx, ConfigInstanceID, ContractConfigID)
	if err != nil {
		return nil, err
	}
	cc, err := DecodeChainConfig(ps.Value)
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrCommunication)
	}
	l.Lock()
	l.config = *cc
	l.Unlock()
	if err := change(cc); err != nil {
		return nil, err
	}
	buf, err := EncodeChainConfig(cc)
	if err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}

	tx := ClientTransaction{
		Instructions: []Instruction{{
			InstanceID: ConfigInstanceID,
			Invoke: &Invoke{
				ContractID: ContractConfigID,
				Command:    cmdUpdateConfig,
				Args:       Arguments{{Name: argConfig, Value: buf}},
			},
		}},
	}
	if err := l.SignTransaction(ctx, &tx, admins...); err != nil {
		return nil, err
	}
	expect := &Expectation{
		InstanceID: ConfigInstanceID,
		ContractID: ContractConfigID,
		MinVersion: ps.Version + 1,
	}
	if _, err := NewTracker(l, tx, expect).SubmitAndWait(ctx, ConfigWaitBlocks); err != nil {
		return nil, xerrors.Errorf("updating config: %w", err)
	}

	l.Lock()
	l.config = *cc
	l.Unlock()
	return cc, nil
}
