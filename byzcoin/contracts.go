package byzcoin

import (
	"go.dedis.ch/cothority/v3"
	bc "go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/cothority/v3/darc/expression"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// Contracts known to every ledger.
const (
	// ContractConfigID holds the ChainConfig under ConfigInstanceID.
	ContractConfigID = bc.ContractConfigID
	// ContractDarcID holds darcs under their base id.
	ContractDarcID = bc.ContractDarcID
)

// Arguments and commands used with the built-in contracts.
const (
	cmdUpdateConfig = "update_config"
	argConfig       = "config"
)

// ActionViewChange is the rule a genesis darc needs so that the nodes
// can change the leader.
const ActionViewChange = darc.Action("invoke:" + ContractConfigID + ".view_change")

// DecodeStateChangeBody reads the value stored in the trie for an
// instance.
func DecodeStateChangeBody(buf []byte) (*StateChangeBody, error) {
	scb := &StateChangeBody{}
	if err := protobuf.Decode(buf, scb); err != nil {
		return nil, xerrors.Errorf("decoding state change body: %w", err)
	}
	return scb, nil
}

// DecodeChainConfig reads a ChainConfig from its protobuf encoding.
func DecodeChainConfig(buf []byte) (*ChainConfig, error) {
	cc := &ChainConfig{}
	err := protobuf.DecodeWithConstructors(buf, cc, network.DefaultConstructors(cothority.Suite))
	if err != nil {
		return nil, xerrors.Errorf("decoding chain config: %w", err)
	}
	return cc, nil
}

// EncodeChainConfig returns the protobuf encoding of the configuration.
func EncodeChainConfig(cc *ChainConfig) ([]byte, error) {
	return protobuf.Encode(cc)
}

// RosterChange counts how many nodes of newRoster are not in oldRoster
// (added) and how many nodes of oldRoster are not in newRoster
// (removed). Nodes are compared by public key.
func RosterChange(oldRoster, newRoster *onet.Roster) (added, removed int) {
	keys := func(r *onet.Roster) map[string]bool {
		m := make(map[string]bool)
		if r != nil {
			for _, si := range r.List {
				m[si.Public.String()] = true
			}
		}
		return m
	}
	o, n := keys(oldRoster), keys(newRoster)
	for k := range n {
		if !o[k] {
			added++
		}
	}
	for k := range o {
		if !n[k] {
			removed++
		}
	}
	return
}

// checkRosterChange accepts exactly one addition, one removal, or one
// replacement. Anything larger could leave no node able to sign the
// forward link to the new roster.
func checkRosterChange(oldRoster, newRoster *onet.Roster) error {
	if newRoster == nil || len(newRoster.List) == 0 {
		return xerrors.Errorf("new roster is empty: %w", ErrValidation)
	}
	added, removed := RosterChange(oldRoster, newRoster)
	if added > 1 || removed > 1 || added+removed == 0 {
		return xerrors.Errorf("roster change adds %d and removes %d nodes, only one node can change: %w",
			added, removed, ErrValidation)
	}
	return nil
}

// GenesisDarc returns a darc owned by owner that allows what a ledger
// needs to start and to change its configuration, plus the given
// actions.
func GenesisDarc(owner darc.Signer, actions ...darc.Action) *darc.Darc {
	ids := []darc.Identity{owner.Identity()}
	d := darc.NewDarc(darc.InitRules(ids, ids), []byte("genesis darc"))
	all := append([]darc.Action{
		ActionViewChange,
		"spawn:" + ContractDarcID,
		"invoke:" + ContractConfigID + "." + cmdUpdateConfig,
	}, actions...)
	for _, a := range all {
		if d.Rules.Contains(a) {
			continue
		}
		if err := d.Rules.AddRule(a, expression.InitOrExpr(owner.Identity().String())); err != nil {
			log.Error("Couldn't add rule", a, ":", err)
		}
	}
	return d
}
