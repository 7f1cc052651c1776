package calypso

/*
The coordinator drives the long-term secrets of a ByzCoin ledger: it
spawns the instances on the ledger, asks the Calypso service to run the
distributed key generation and the resharing, and collects decryption
shares.
*/

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"go.dedis.ch/cothority/v3"
	ocs "go.dedis.ch/cothority/v3/calypso"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"

	"github.com/ceyhunalp/calypso_client/byzcoin"
	"github.com/ceyhunalp/calypso_client/rpc"
)

// Coordinator uses a ledger to manage long-term secrets. It remembers
// the public key of every secret it created or loaded.
type Coordinator struct {
	ledger *byzcoin.Ledger

	sync.Mutex
	lts map[byzcoin.InstanceID]*LTS
}

// NewCoordinator returns a coordinator working on l.
func NewCoordinator(l *byzcoin.Ledger) *Coordinator {
	return &Coordinator{
		ledger: l,
		lts:    make(map[byzcoin.InstanceID]*LTS),
	}
}

// Ledger returns the ledger of the coordinator.
func (c *Coordinator) Ledger() *byzcoin.Ledger {
	return c.ledger
}

// LTS returns the recorded long-term secret, or nil.
func (c *Coordinator) LTS(ltsID byzcoin.InstanceID) *LTS {
	c.Lock()
	defer c.Unlock()
	return c.lts[ltsID]
}

// SpawnLTS creates a longTermSecret instance for ltsRoster on the darc
// darcID and returns its verified proof, to be given to CreateLTS.
func (c *Coordinator) SpawnLTS(ctx context.Context, darcID darc.ID, ltsRoster *onet.Roster, signers []darc.Signer, wait int) (*byzcoin.Proof, error) {
	buf, err := protobuf.Encode(&LtsInstanceInfo{Roster: *ltsRoster})
	if err != nil {
		return nil, xerrors.Errorf("encoding lts info: %w", err)
	}
	instr := byzcoin.Instruction{
		InstanceID: byzcoin.NewInstanceID(darcID),
		Spawn: &byzcoin.Spawn{
			ContractID: ContractLongTermSecretID,
			Args:       byzcoin.Arguments{{Name: ArgLTSInstanceInfo, Value: buf}},
		},
	}
	return c.spawn(ctx, instr, signers, wait)
}

// spawn signs and sends a single spawn instruction and returns the proof
// of the new instance.
func (c *Coordinator) spawn(ctx context.Context, instr byzcoin.Instruction, signers []darc.Signer, wait int) (*byzcoin.Proof, error) {
	tx := byzcoin.NewTransaction(instr)
	if err := c.ledger.SignTransaction(ctx, &tx, signers...); err != nil {
		return nil, err
	}
	if _, err := c.ledger.SubmitAndWait(ctx, tx, wait); err != nil {
		return nil, err
	}
	id, err := byzcoin.SpawnedID(tx.Instructions[0])
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", err, byzcoin.ErrValidation)
	}
	return c.proofOf(ctx, id, instr.Spawn.ContractID)
}

func (c *Coordinator) proofOf(ctx context.Context, id byzcoin.InstanceID, contractID string) (*byzcoin.Proof, error) {
	p, err := c.ledger.GetProof(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := byzcoin.VerifyContract(p, c.ledger.Genesis(), id, contractID); err != nil {
		return nil, err
	}
	return p, nil
}

// ltsInfo verifies a proof of a longTermSecret instance and returns its
// id and value.
func (c *Coordinator) ltsInfo(proof *byzcoin.Proof) (byzcoin.InstanceID, *LtsInstanceInfo, error) {
	id := byzcoin.ProofInstance(proof)
	ps, err := byzcoin.VerifyContract(proof, c.ledger.Genesis(), id, ContractLongTermSecretID)
	if err != nil {
		return id, nil, err
	}
	info, err := DecodeLtsInstanceInfo(ps.Value)
	if err != nil {
		return id, nil, err
	}
	return id, info, nil
}

// CreateLTS asks the nodes of the longTermSecret instance in proof to
// generate a new secret. The returned secret is recorded.
func (c *Coordinator) CreateLTS(ctx context.Context, proof *byzcoin.Proof) (*LTS, error) {
	id, info, err := c.ltsInfo(proof)
	if err != nil {
		return nil, err
	}
	reply := &CreateLTSReply{}
	err = rpc.SendToRoster(ctx, c.ledger.Transport(), c.ledger.Roster(), PathCreateLTS, &CreateLTS{Proof: *proof}, reply)
	if err != nil {
		return nil, err
	}
	if reply.X == nil || !reply.InstanceID.Equal(id) {
		return nil, xerrors.Errorf("invalid reply for lts %s: %w", id, ErrProtocolViolation)
	}
	lts, err := c.describe(ctx, reply, &info.Roster)
	if err != nil {
		return nil, err
	}
	c.Lock()
	c.lts[id] = lts
	c.Unlock()
	log.Lvl2("Created long-term secret", id, "with threshold", lts.Threshold)
	return lts, nil
}

// describe completes a reply of the service with the roster holding the
// secret and the commits of its polynomial. A node not publishing the
// commits is not an error, but shares cannot be verified then.
func (c *Coordinator) describe(ctx context.Context, reply *CreateLTSReply, r *onet.Roster) (*LTS, error) {
	lts := &LTS{
		CreateLTSReply: reply,
		Roster:         r,
		Threshold:      byzcoin.Threshold(len(r.List)),
	}
	commits, err := c.GetLTSCommits(ctx, lts)
	if err != nil {
		if xerrors.Is(err, ErrProtocolViolation) {
			return nil, err
		}
		log.Warn("Couldn't get commits of lts", reply.InstanceID, ":", err)
		return lts, nil
	}
	lts.Commits = commits
	return lts, nil
}

// GetLTSCommits asks the nodes of the secret for the commits of its
// polynomial. The commits must match the key and the threshold.
func (c *Coordinator) GetLTSCommits(ctx context.Context, lts *LTS) ([]kyber.Point, error) {
	reply := &GetLTSCommitsReply{}
	err := rpc.SendToRoster(ctx, c.ledger.Transport(), lts.Roster, PathGetLTSCommits, &GetLTSCommits{LTSID: lts.LTSID()}, reply)
	if err != nil {
		return nil, err
	}
	if len(reply.Commits) != lts.Threshold || reply.Commits[0] == nil || !reply.Commits[0].Equal(lts.X) {
		return nil, xerrors.Errorf("commits of lts %s do not match its key: %w", lts.LTSID(), ErrProtocolViolation)
	}
	return reply.Commits, nil
}

// UpdateLTSRoster sets a new roster in the longTermSecret instance. The
// proof it returns is given to ReshareLTS.
func (c *Coordinator) UpdateLTSRoster(ctx context.Context, ltsID byzcoin.InstanceID, newRoster *onet.Roster, signers []darc.Signer, wait int) (*byzcoin.Proof, error) {
	ps, err := c.ledger.VerifiedContract(ctx, ltsID, ContractLongTermSecretID)
	if err != nil {
		return nil, err
	}
	buf, err := protobuf.Encode(&LtsInstanceInfo{Roster: *newRoster})
	if err != nil {
		return nil, xerrors.Errorf("encoding lts info: %w", err)
	}
	tx := byzcoin.NewTransaction(byzcoin.Instruction{
		InstanceID: ltsID,
		Invoke: &byzcoin.Invoke{
			ContractID: ContractLongTermSecretID,
			Command:    CmdReshare,
			Args:       byzcoin.Arguments{{Name: ArgLTSInstanceInfo, Value: buf}},
		},
	})
	if err := c.ledger.SignTransaction(ctx, &tx, signers...); err != nil {
		return nil, err
	}
	expect := &byzcoin.Expectation{
		InstanceID: ltsID,
		ContractID: ContractLongTermSecretID,
		MinVersion: ps.Version + 1,
	}
	if _, err := byzcoin.NewTracker(c.ledger, tx, expect).SubmitAndWait(ctx, wait); err != nil {
		return nil, err
	}
	return c.proofOf(ctx, ltsID, ContractLongTermSecretID)
}

// ReshareLTS asks the nodes to move the secret to the roster in proof.
// The public key must not change; if it does, ErrProtocolViolation is
// returned and the recorded secret is kept.
func (c *Coordinator) ReshareLTS(ctx context.Context, proof *byzcoin.Proof) error {
	ltsID, info, err := c.ltsInfo(proof)
	if err != nil {
		return err
	}
	known := c.LTS(ltsID)
	if known == nil {
		if known, err = c.Load(ctx, ltsID); err != nil {
			return err
		}
	}

	err = rpc.SendToRoster(ctx, c.ledger.Transport(), c.ledger.Roster(), PathReshareLTS, &ReshareLTS{Proof: *proof}, &ReshareLTSReply{})
	if err != nil {
		return err
	}
	reply, err := c.GetLTSReply(ctx, ltsID)
	if err != nil {
		return err
	}
	if !reply.X.Equal(known.X) {
		log.Error("Resharing of", ltsID, "changed the public key")
		return xerrors.Errorf("resharing of lts %s changed the public key: %w", ltsID, ErrProtocolViolation)
	}
	lts, err := c.describe(ctx, reply, &info.Roster)
	if err != nil {
		return err
	}
	c.Lock()
	c.lts[ltsID] = lts
	c.Unlock()
	log.Lvl2("Reshared", ltsID, "to", len(info.Roster.List), "nodes")
	return nil
}

// GetLTSReply asks the nodes for the description of a long-term secret.
func (c *Coordinator) GetLTSReply(ctx context.Context, ltsID byzcoin.InstanceID) (*CreateLTSReply, error) {
	reply := &CreateLTSReply{}
	err := rpc.SendToRoster(ctx, c.ledger.Transport(), c.ledger.Roster(), PathGetLTSReply, &GetLTSReply{LTSID: ltsID}, reply)
	if err != nil {
		return nil, err
	}
	if reply.X == nil || !reply.InstanceID.Equal(ltsID) {
		return nil, xerrors.Errorf("invalid reply for lts %s: %w", ltsID, ErrProtocolViolation)
	}
	return reply, nil
}

// Load fetches and records an existing long-term secret. The roster is
// read from the verified longTermSecret instance. A secret already
// recorded with another key is an ErrProtocolViolation.
func (c *Coordinator) Load(ctx context.Context, ltsID byzcoin.InstanceID) (*LTS, error) {
	reply, err := c.GetLTSReply(ctx, ltsID)
	if err != nil {
		return nil, err
	}
	ps, err := c.ledger.VerifiedContract(ctx, ltsID, ContractLongTermSecretID)
	if err != nil {
		return nil, err
	}
	info, err := DecodeLtsInstanceInfo(ps.Value)
	if err != nil {
		return nil, err
	}
	lts, err := c.describe(ctx, reply, &info.Roster)
	if err != nil {
		return nil, err
	}

	c.Lock()
	defer c.Unlock()
	if known := c.lts[ltsID]; known != nil {
		if !known.X.Equal(reply.X) {
			return nil, xerrors.Errorf("lts %s has a new public key: %w", ltsID, ErrProtocolViolation)
		}
		return known, nil
	}
	c.lts[ltsID] = lts
	return lts, nil
}

func (c *Coordinator) known(ctx context.Context, ltsID byzcoin.InstanceID) (*LTS, error) {
	if lts := c.LTS(ltsID); lts != nil {
		return lts, nil
	}
	return c.Load(ctx, ltsID)
}

// AddWrite encrypts key under the long-term secret and spawns a
// calypsoWrite instance on darcID holding it and the encrypted data.
func (c *Coordinator) AddWrite(ctx context.Context, darcID darc.ID, ltsID byzcoin.InstanceID, key, data []byte, signers []darc.Signer, wait int) (*byzcoin.Proof, error) {
	lts, err := c.known(ctx, ltsID)
	if err != nil {
		return nil, err
	}
	wr := ocs.NewWrite(cothority.Suite, ltsID, darcID, lts.X, key)
	if wr == nil {
		return nil, xerrors.Errorf("key of %d bytes is too long: %w", len(key), byzcoin.ErrValidation)
	}
	wr.Data = data
	buf, err := protobuf.Encode(wr)
	if err != nil {
		return nil, xerrors.Errorf("encoding write: %w", err)
	}
	instr := byzcoin.Instruction{
		InstanceID: byzcoin.NewInstanceID(darcID),
		Spawn: &byzcoin.Spawn{
			ContractID: ContractWriteID,
			Args:       byzcoin.Arguments{{Name: ArgWrite, Value: buf}},
		},
	}
	return c.spawn(ctx, instr, signers, wait)
}

// AddRead spawns a calypsoRead instance asking for the key of the write
// in writeProof to be re-encrypted under xc.
func (c *Coordinator) AddRead(ctx context.Context, writeProof *byzcoin.Proof, xc kyber.Point, signers []darc.Signer, wait int) (*byzcoin.Proof, error) {
	writeID := byzcoin.ProofInstance(writeProof)
	ps, err := byzcoin.VerifyContract(writeProof, c.ledger.Genesis(), writeID, ContractWriteID)
	if err != nil {
		return nil, err
	}
	buf, err := protobuf.Encode(&Read{Write: writeID, Xc: xc})
	if err != nil {
		return nil, xerrors.Errorf("encoding read: %w", err)
	}
	instr := byzcoin.Instruction{
		InstanceID: byzcoin.NewInstanceID(ps.DarcID),
		Spawn: &byzcoin.Spawn{
			ContractID: ContractReadID,
			Args:       byzcoin.Arguments{{Name: ArgRead, Value: buf}},
		},
	}
	return c.spawn(ctx, instr, signers, wait)
}

// readWrite verifies both proofs and checks that the read points to the
// write.
func (c *Coordinator) readWrite(writeProof, readProof *byzcoin.Proof) (*Write, *Read, error) {
	genesis := c.ledger.Genesis()
	writeID := byzcoin.ProofInstance(writeProof)
	wps, err := byzcoin.VerifyContract(writeProof, genesis, writeID, ContractWriteID)
	if err != nil {
		return nil, nil, xerrors.Errorf("write proof: %w", err)
	}
	readID := byzcoin.ProofInstance(readProof)
	rps, err := byzcoin.VerifyContract(readProof, genesis, readID, ContractReadID)
	if err != nil {
		return nil, nil, xerrors.Errorf("read proof: %w", err)
	}
	r, err := DecodeRead(rps.Value)
	if err != nil {
		return nil, nil, err
	}
	if !r.Write.Equal(writeID) {
		return nil, nil, xerrors.Errorf("read %s is for write %s, not %s: %w",
			readID, r.Write, writeID, byzcoin.ErrValidation)
	}
	wr, err := DecodeWrite(wps.Value)
	if err != nil {
		return nil, nil, err
	}
	return wr, r, nil
}

// DecryptKey asks the nodes to re-encrypt the key of the write for the
// reader of the read. One node collects the shares of the others and
// combines them. Both proofs are verified first, and the read must point
// to the write.
func (c *Coordinator) DecryptKey(ctx context.Context, writeProof, readProof *byzcoin.Proof) (*DecryptKeyReply, error) {
	if _, _, err := c.readWrite(writeProof, readProof); err != nil {
		return nil, err
	}
	reply := &DecryptKeyReply{}
	req := &DecryptKey{Read: *readProof, Write: *writeProof}
	if err := rpc.SendToRoster(ctx, c.ledger.Transport(), c.ledger.Roster(), PathDecryptKey, req, reply); err != nil {
		return nil, err
	}
	if reply.X == nil || reply.C == nil || reply.XhatEnc == nil {
		return nil, xerrors.Errorf("incomplete decryption reply: %w", ErrProtocolViolation)
	}
	return reply, nil
}

// DecryptShares asks every node of the secret of the write for its share
// of the key, re-encrypted for the reader of the read. Nodes that fail
// are skipped; the shares are not verified.
func (c *Coordinator) DecryptShares(ctx context.Context, writeProof, readProof *byzcoin.Proof) ([]*DecryptShare, error) {
	wr, _, err := c.readWrite(writeProof, readProof)
	if err != nil {
		return nil, err
	}
	lts, err := c.known(ctx, wr.LTSID)
	if err != nil {
		return nil, err
	}
	req := &DecryptShareRequest{Read: *readProof, Write: *writeProof}
	var shares []*DecryptShare
	for _, si := range lts.Roster.List {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ds := &DecryptShare{}
		if err := c.ledger.Transport().Send(ctx, si, PathDecryptShareRequest, req, ds); err != nil {
			log.Lvl2("No share from", si.Address, ":", err)
			continue
		}
		shares = append(shares, ds)
	}
	log.Lvl3("Got", len(shares), "decryption shares")
	return shares, nil
}

// Decrypt collects the shares of the key of the write, drops the invalid
// ones and recovers the key with xc, the private key of the reader.
func (c *Coordinator) Decrypt(ctx context.Context, writeProof, readProof *byzcoin.Proof, xc kyber.Scalar) ([]byte, error) {
	shares, err := c.DecryptShares(ctx, writeProof, readProof)
	if err != nil {
		return nil, err
	}
	wr, r, err := c.readWrite(writeProof, readProof)
	if err != nil {
		return nil, err
	}
	lts, err := c.known(ctx, wr.LTSID)
	if err != nil {
		return nil, err
	}
	XhatEnc, err := Combine(shares, lts.PubPoly(), wr.U, r.Xc)
	if err != nil {
		return nil, err
	}
	return RecoverKey(lts.X, wr.C, XhatEnc, xc)
}

// Authorize lets the ledger of the coordinator use the Calypso service
// of si. The request must be signed with the private key of the node. A
// node that already authorised the ledger is not an error.
func (c *Coordinator) Authorize(ctx context.Context, si *network.ServerIdentity, nodeKey kyber.Scalar) error {
	return Authorize(ctx, c.ledger.Transport(), si, nodeKey, c.ledger.ID())
}

// Authorize sends an Authorize request for chain id to si.
func Authorize(ctx context.Context, tr rpc.Transport, si *network.ServerIdentity, nodeKey kyber.Scalar, id byzcoin.ChainID) error {
	ts := time.Now().Unix()
	sig, err := schnorr.Sign(cothority.Suite, nodeKey, AuthorizeMessage(id, ts))
	if err != nil {
		return xerrors.Errorf("signing: %w", err)
	}
	req := &Authorize{ByzCoinID: id, Timestamp: ts, Signature: sig}
	err = tr.Send(ctx, si, PathAuthorize, req, &AuthorizeReply{})
	if err != nil {
		if rpc.IsServiceError(err, AlreadyAuthorized) {
			log.Lvl2(si.Address, "already authorized", id.Short())
			return nil
		}
		return err
	}
	return nil
}

// AlreadyAuthorized is the error message of a node asked twice for the
// same chain.
const AlreadyAuthorized = "ByzCoinID already authorised"

// AuthorizeMessage returns what the node key signs to authorize a chain:
// the chain id followed by the timestamp in little endian.
func AuthorizeMessage(id byzcoin.ChainID, ts int64) []byte {
	msg := make([]byte, len(id)+8)
	copy(msg, id)
	binary.LittleEndian.PutUint64(msg[len(id):], uint64(ts))
	return msg
}
