package byzcoin

/*
The messages and values exchanged with the conodes are the ones of the
cothority ByzCoin and Skipchain services. They are aliased here so that
users of this package never need both imports.
*/

import (
	"go.dedis.ch/cothority/v3"
	bc "go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// Chain and block types.
type (
	// Block is one element of the ledger.
	Block = skipchain.SkipBlock
	// BlockID is the hash of a block.
	BlockID = skipchain.SkipBlockID
	// ChainID identifies a ledger: it is the id of its genesis block.
	ChainID = skipchain.SkipBlockID
	// ForwardLink points from an earlier block to a later one and is
	// signed by the roster of the earlier block.
	ForwardLink = skipchain.ForwardLink
	// DataHeader is stored in Block.Data and covered by the block hash.
	DataHeader = bc.DataHeader
	// DataBody is stored in Block.Payload.
	DataBody = bc.DataBody
	// Proof shows that a key is present, or absent, in the global state
	// of its Latest block.
	Proof = bc.Proof
)

// Transaction types.
type (
	InstanceID        = bc.InstanceID
	Argument          = bc.Argument
	Arguments         = bc.Arguments
	Spawn             = bc.Spawn
	Invoke            = bc.Invoke
	Delete            = bc.Delete
	Instruction       = bc.Instruction
	Instructions      = bc.Instructions
	ClientTransaction = bc.ClientTransaction
	TxResult          = bc.TxResult
	StateChange       = bc.StateChange
	StateChangeBody   = bc.StateChangeBody
	ChainConfig       = bc.ChainConfig
)

// Requests and replies.
type (
	CreateGenesisBlock         = bc.CreateGenesisBlock
	CreateGenesisBlockResponse = bc.CreateGenesisBlockResponse
	AddTxRequest               = bc.AddTxRequest
	AddTxResponse              = bc.AddTxResponse
	GetProof                   = bc.GetProof
	GetProofResponse           = bc.GetProofResponse
	CheckAuthorization         = bc.CheckAuthorization
	CheckAuthorizationResponse = bc.CheckAuthorizationResponse
	GetSignerCounters          = bc.GetSignerCounters
	GetSignerCountersResponse  = bc.GetSignerCountersResponse
	StreamingRequest           = bc.StreamingRequest
	StreamingResponse          = bc.StreamingResponse
	GetSingleBlock             = skipchain.GetSingleBlock
	GetUpdateChain             = skipchain.GetUpdateChain
	GetUpdateChainReply        = skipchain.GetUpdateChainReply
)

// CurrentVersion is sent with every request and used to hash
// instructions.
const CurrentVersion = bc.CurrentVersion

// Request paths. The method part equals the request type name.
const (
	PathCreateGenesisBlock = "ByzCoin/CreateGenesisBlock"
	PathAddTx              = "ByzCoin/AddTxRequest"
	PathGetProof           = "ByzCoin/GetProof"
	PathCheckAuthorization = "ByzCoin/CheckAuthorization"
	PathGetSignerCounters  = "ByzCoin/GetSignerCounters"
	PathStreaming          = "ByzCoin/StreamingRequest"
	PathGetSingleBlock     = "Skipchain/GetSingleBlock"
	PathGetUpdateChain     = "Skipchain/GetUpdateChain"
)

// ConfigInstanceID is the id of the chain configuration instance.
var ConfigInstanceID = bc.ConfigInstanceID

// NewInstanceID copies the first 32 bytes of buf into an InstanceID.
func NewInstanceID(buf []byte) InstanceID {
	return bc.NewInstanceID(buf)
}

// Threshold returns the number of nodes needed out of n so that at most
// (n-1)/3 faulty nodes can be tolerated.
func Threshold(n int) int {
	return n - (n-1)/3
}

// SameRoster returns true if both rosters have the same id and the same
// nodes in the same order, with the same keys.
func SameRoster(a, b *onet.Roster) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !a.ID.Equal(b.ID) || len(a.List) != len(b.List) {
		return false
	}
	for i, si := range a.List {
		other := b.List[i]
		if !si.Public.Equal(other.Public) {
			return false
		}
		if !si.ServicePublic(skipchain.ServiceName).Equal(other.ServicePublic(skipchain.ServiceName)) {
			return false
		}
	}
	return true
}

// DecodeDataHeader reads the header of a block. It holds the trie root
// the proofs of the block are checked against.
func DecodeDataHeader(b *Block) (*DataHeader, error) {
	h := &DataHeader{}
	if err := protobuf.Decode(b.Data, h); err != nil {
		return nil, xerrors.Errorf("decoding header of block %d: %v: %w", b.Index, err, ErrChainIntegrity)
	}
	return h, nil
}

// DecodeDataBody reads the transactions of a block. The body is not
// covered by the hash of the block.
func DecodeDataBody(b *Block) (*DataBody, error) {
	body := &DataBody{}
	err := protobuf.DecodeWithConstructors(b.Payload, body, network.DefaultConstructors(cothority.Suite))
	if err != nil {
		return nil, xerrors.Errorf("decoding body of block %d: %v: %w", b.Index, err, ErrChainIntegrity)
	}
	return body, nil
}
