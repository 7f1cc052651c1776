package calypso

/*
The messages of the Calypso service and the values of the Calypso
instances are the ones of the cothority calypso package. Two requests are
added on top of them: DecryptShareRequest asks a single node for its
share of a key, with a proof that the share is correct, and
GetLTSCommits returns the public commits of a long-term secret, which
are needed to check such a proof.
*/

import (
	"errors"

	"go.dedis.ch/cothority/v3"
	ocs "go.dedis.ch/cothority/v3/calypso"
	"go.dedis.ch/cothority/v3/calypso/protocol"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"

	"github.com/ceyhunalp/calypso_client/byzcoin"
)

func init() {
	network.RegisterMessages(
		&DecryptShareRequest{}, &GetLTSCommits{}, &GetLTSCommitsReply{},
	)
}

// Values and messages of the Calypso service.
type (
	Write           = ocs.Write
	Read            = ocs.Read
	LtsInstanceInfo = ocs.LtsInstanceInfo
	CreateLTS       = ocs.CreateLTS
	CreateLTSReply  = ocs.CreateLTSReply
	ReshareLTS      = ocs.ReshareLTS
	ReshareLTSReply = ocs.ReshareLTSReply
	GetLTSReply     = ocs.GetLTSReply
	DecryptKey      = ocs.DecryptKey
	DecryptKeyReply = ocs.DecryptKeyReply
	Authorize       = ocs.Authorize
	AuthorizeReply  = ocs.AuthorizeReply
)

// DecryptShare is the share of one node: Ui = xi·(U + Xc), with a proof
// (Ei, Fi) that the same xi is behind the public share of the node.
type DecryptShare = protocol.ReencryptReply

// DecryptShareRequest asks a node for its share of the key of Write,
// re-encrypted for the reader of Read.
type DecryptShareRequest struct {
	Read  byzcoin.Proof
	Write byzcoin.Proof
}

// GetLTSCommits asks for the public commits of the polynomial sharing a
// long-term secret.
type GetLTSCommits struct {
	LTSID byzcoin.InstanceID
}

// GetLTSCommitsReply holds the commits, the first one being X.
type GetLTSCommitsReply struct {
	Commits []kyber.Point
}

// Request paths of the Calypso service.
const (
	PathCreateLTS           = "Calypso/CreateLTS"
	PathReshareLTS          = "Calypso/ReshareLTS"
	PathGetLTSReply         = "Calypso/GetLTSReply"
	PathDecryptKey          = "Calypso/DecryptKey"
	PathAuthorize           = "Calypso/Authorize"
	PathDecryptShareRequest = "Calypso/DecryptShareRequest"
	PathGetLTSCommits       = "Calypso/GetLTSCommits"
)

// Contracts of the Calypso instances.
var (
	ContractLongTermSecretID = ocs.ContractLongTermSecretID
	ContractWriteID          = ocs.ContractWriteID
	ContractReadID           = ocs.ContractReadID
)

// Arguments and commands of the Calypso contracts.
const (
	ArgLTSInstanceInfo = "lts_instance_info"
	ArgWrite           = "write"
	ArgRead            = "read"
	CmdReshare         = "reshare"
)

// ErrInsufficientShares is returned if not enough distinct shares are
// available to recover a key.
var ErrInsufficientShares = errors.New("insufficient decryption shares")

// ErrProtocolViolation is returned if the nodes answer something the
// protocol does not allow, like a changed key after a resharing or
// shares that do not verify.
var ErrProtocolViolation = errors.New("protocol violation")

// LTS is what a coordinator knows about a long-term secret.
type LTS struct {
	*CreateLTSReply
	Roster *onet.Roster
	// Threshold is the number of shares needed to use the secret.
	Threshold int
	// Commits are the public commits of the sharing polynomial. They
	// are empty if the nodes do not publish them.
	Commits []kyber.Point
}

// LTSID returns the instance id of the long-term secret.
func (lts *LTS) LTSID() byzcoin.InstanceID {
	return lts.InstanceID
}

// PubPoly returns the public polynomial of the secret, or nil if the
// commits are unknown.
func (lts *LTS) PubPoly() *share.PubPoly {
	if len(lts.Commits) == 0 {
		return nil
	}
	return share.NewPubPoly(cothority.Suite, nil, lts.Commits)
}

func decode(buf []byte, msg interface{}) error {
	err := protobuf.DecodeWithConstructors(buf, msg, network.DefaultConstructors(cothority.Suite))
	if err != nil {
		return xerrors.Errorf("decoding %T: %v: %w", msg, err, byzcoin.ErrNotFound)
	}
	return nil
}

// DecodeLtsInstanceInfo reads the value of a longTermSecret instance.
func DecodeLtsInstanceInfo(buf []byte) (*LtsInstanceInfo, error) {
	info := &LtsInstanceInfo{}
	if err := decode(buf, info); err != nil {
		return nil, err
	}
	return info, nil
}

// DecodeWrite reads the value of a calypsoWrite instance.
func DecodeWrite(buf []byte) (*Write, error) {
	wr := &Write{}
	if err := decode(buf, wr); err != nil {
		return nil, err
	}
	return wr, nil
}

// DecodeRead reads the value of a calypsoRead instance.
func DecodeRead(buf []byte) (*Read, error) {
	r := &Read{}
	if err := decode(buf, r); err != nil {
		return nil, err
	}
	return r, nil
}
