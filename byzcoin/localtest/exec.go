package localtest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.dedis.ch/cothority/v3"
	bc "go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/byzcoin/trie"
	"go.dedis.ch/cothority/v3/darc"

	"github.com/ceyhunalp/calypso_client/byzcoin"
	"github.com/ceyhunalp/calypso_client/calypso"
)

// ContractValueID is a contract storing the "value" argument. It knows
// the "update" command.
const ContractValueID = "value"

// state is the global state of a chain. Between two blocks the changes
// go to a staging trie, committed when the block is created.
type state struct {
	trie     *trie.Trie
	sst      *trie.StagingTrie
	counters map[string]uint64
	config   byzcoin.ChainConfig
	changes  bc.StateChanges
}

// stage returns a state collecting the changes of the next block.
func (st *state) stage() *state {
	next := st.copyValues()
	next.sst = st.trie.MakeStagingTrie()
	return next
}

// clone returns a staged state that can be dropped if a transaction
// fails.
func (st *state) clone() *state {
	next := st.copyValues()
	next.sst = st.sst.Clone()
	next.changes = append(bc.StateChanges{}, st.changes...)
	return next
}

func (st *state) copyValues() *state {
	ctrs := make(map[string]uint64, len(st.counters))
	for k, v := range st.counters {
		ctrs[k] = v
	}
	return &state{trie: st.trie, counters: ctrs, config: st.config}
}

func (st *state) getRaw(key []byte) ([]byte, error) {
	if st.sst != nil {
		return st.sst.Get(key)
	}
	return st.trie.Get(key)
}

func (st *state) get(id byzcoin.InstanceID) (*byzcoin.StateChangeBody, error) {
	buf, err := st.getRaw(id.Slice())
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, fmt.Errorf("instance %s does not exist", id)
	}
	return byzcoin.DecodeStateChangeBody(buf)
}

// apply stores the state changes in the staging trie. An update gets the
// next version of the instance.
func (st *state) apply(scs ...bc.StateChange) error {
	pairs := make([]trie.KVPair, len(scs))
	for i := range scs {
		sc := &scs[i]
		if sc.StateAction == bc.Update {
			body, err := st.get(byzcoin.NewInstanceID(sc.InstanceID))
			if err != nil {
				return err
			}
			sc.Version = body.Version + 1
		}
		pairs[i] = sc
	}
	if err := st.sst.Batch(pairs); err != nil {
		return err
	}
	st.changes = append(st.changes, scs...)
	return nil
}

func (st *state) getDarc(id darc.ID) (*darc.Darc, error) {
	body, err := st.get(byzcoin.NewInstanceID(id))
	if err != nil {
		return nil, err
	}
	if body.ContractID != byzcoin.ContractDarcID {
		return nil, fmt.Errorf("instance %x is not a darc", id)
	}
	return darc.NewFromProtobuf(body.Value)
}

// authorized checks that the identities can sign for action on the darc.
func (st *state) authorized(darcID darc.ID, action darc.Action, ids []string) error {
	d, err := st.getDarc(darcID)
	if err != nil {
		return err
	}
	expr := d.Rules.Get(action)
	if expr == nil {
		return fmt.Errorf("darc has no rule for %s", action)
	}
	return darc.EvalExpr(expr, st.darcGetter(), ids...)
}

func (st *state) darcGetter() func(string, bool) *darc.Darc {
	return func(s string, latest bool) *darc.Darc {
		if !strings.HasPrefix(s, "darc:") {
			return nil
		}
		id, err := hex.DecodeString(s[5:])
		if err != nil {
			return nil
		}
		d, err := st.getDarc(id)
		if err != nil {
			return nil
		}
		return d
	}
}

// execute applies all instructions of tx or returns an error. The state
// must be a clone, as a failed transaction leaves it half updated.
func (st *state) execute(tx byzcoin.ClientTransaction) error {
	if err := byzcoin.ValidateTransaction(tx); err != nil {
		return err
	}
	tx.Instructions.SetVersion(byzcoin.CurrentVersion)
	for i, instr := range tx.Instructions {
		if err := st.executeInstruction(instr); err != nil {
			return fmt.Errorf("instruction %d: %v", i, err)
		}
	}
	return nil
}

func (st *state) executeInstruction(instr byzcoin.Instruction) error {
	ids := make([]string, len(instr.SignerIdentities))
	for i, id := range instr.SignerIdentities {
		ids[i] = id.String()
		if instr.SignerCounter[i] != st.counters[ids[i]]+1 {
			return fmt.Errorf("wrong counter %d for %s", instr.SignerCounter[i], ids[i])
		}
		st.counters[ids[i]]++
	}
	action := darc.Action(instr.Action())

	if instr.Spawn != nil {
		darcID := darc.ID(instr.InstanceID.Slice())
		if err := st.authorized(darcID, action, ids); err != nil {
			return err
		}
		return st.spawn(instr, darcID)
	}

	body, err := st.get(instr.InstanceID)
	if err != nil {
		return err
	}
	if body.ContractID != instr.ContractID() {
		return fmt.Errorf("instance is a %s, not a %s", body.ContractID, instr.ContractID())
	}
	if err := st.authorized(body.DarcID, action, ids); err != nil {
		return err
	}
	if instr.Delete != nil {
		return st.apply(bc.NewStateChange(bc.Remove, instr.InstanceID, body.ContractID, nil, body.DarcID))
	}
	return st.invoke(instr, body)
}

func (st *state) spawn(instr byzcoin.Instruction, darcID darc.ID) error {
	args := instr.Spawn.Args
	id, err := byzcoin.SpawnedID(instr)
	if err != nil {
		return err
	}
	if _, err := st.get(id); err == nil {
		return fmt.Errorf("instance %s already exists", id)
	}

	var value []byte
	switch instr.Spawn.ContractID {
	case byzcoin.ContractDarcID:
		value = args.Search("darc")
		d, err := darc.NewFromProtobuf(value)
		if err != nil {
			return err
		}
		darcID = d.GetBaseID()
	case calypso.ContractLongTermSecretID:
		value = args.Search(calypso.ArgLTSInstanceInfo)
		if err := checkLtsInfo(value); err != nil {
			return err
		}
	case calypso.ContractWriteID:
		value = args.Search(calypso.ArgWrite)
		wr, err := calypso.DecodeWrite(value)
		if err != nil {
			return err
		}
		if err := wr.CheckProof(cothority.Suite, darcID); err != nil {
			return err
		}
		lts, err := st.get(wr.LTSID)
		if err != nil || lts.ContractID != calypso.ContractLongTermSecretID {
			return errors.New("write for an unknown long-term secret")
		}
	case calypso.ContractReadID:
		value = args.Search(calypso.ArgRead)
		r, err := calypso.DecodeRead(value)
		if err != nil {
			return err
		}
		wr, err := st.get(r.Write)
		if err != nil || wr.ContractID != calypso.ContractWriteID {
			return errors.New("read of an unknown write")
		}
	case ContractValueID:
		value = args.Search("value")
	default:
		return fmt.Errorf("unknown contract %s", instr.Spawn.ContractID)
	}
	return st.apply(bc.NewStateChange(bc.Create, id, instr.Spawn.ContractID, value, darcID))
}

func (st *state) invoke(instr byzcoin.Instruction, body *byzcoin.StateChangeBody) error {
	args := instr.Invoke.Args
	var value []byte
	switch instr.Invoke.ContractID + "." + instr.Invoke.Command {
	case byzcoin.ContractConfigID + ".update_config":
		value = args.Search("config")
		cc, err := byzcoin.DecodeChainConfig(value)
		if err != nil {
			return err
		}
		if err := checkConfig(&st.config, cc); err != nil {
			return err
		}
		st.config = *cc
	case byzcoin.ContractDarcID + ".evolve":
		value = args.Search("darc")
		d, err := darc.NewFromProtobuf(value)
		if err != nil {
			return err
		}
		if !d.GetBaseID().Equal(body.DarcID) {
			return errors.New("evolved darc has another base id")
		}
	case calypso.ContractLongTermSecretID + "." + calypso.CmdReshare:
		value = args.Search(calypso.ArgLTSInstanceInfo)
		if err := checkLtsInfo(value); err != nil {
			return err
		}
	case ContractValueID + ".update":
		value = args.Search("value")
	default:
		return fmt.Errorf("unknown command %s of %s", instr.Invoke.Command, instr.Invoke.ContractID)
	}
	return st.apply(bc.NewStateChange(bc.Update, instr.InstanceID, body.ContractID, value, body.DarcID))
}

func checkConfig(old, cc *byzcoin.ChainConfig) error {
	if cc.BlockInterval <= 0 || cc.MaxBlockSize <= 0 || len(cc.Roster.List) == 0 {
		return errors.New("invalid configuration")
	}
	added, removed := byzcoin.RosterChange(&old.Roster, &cc.Roster)
	if added > 1 || removed > 1 {
		return errors.New("only one node can change at a time")
	}
	return nil
}

func checkLtsInfo(buf []byte) error {
	info, err := calypso.DecodeLtsInstanceInfo(buf)
	if err != nil {
		return err
	}
	if len(info.Roster.List) == 0 {
		return errors.New("empty lts roster")
	}
	return nil
}
