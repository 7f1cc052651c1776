package byzcoin

import (
	"errors"

	"github.com/ceyhunalp/calypso_client/rpc"
)

// Errors returned by this package. They are wrapped with more context,
// so use xerrors.Is to test for them.
var (
	// ErrCommunication means that no node answered or that the reply
	// could not be decoded.
	ErrCommunication = rpc.ErrCommunication
	// ErrNotFound means the instance is missing or of another contract.
	ErrNotFound = errors.New("instance not found")
	// ErrProofMismatch means a proof does not authenticate against the
	// root it claims.
	ErrProofMismatch = errors.New("proof mismatch")
	// ErrChainIntegrity means a block or a forward link failed
	// verification.
	ErrChainIntegrity = errors.New("chain integrity violated")
	// ErrConfig means a configuration precondition failed before any
	// request was sent.
	ErrConfig = errors.New("invalid configuration")
	// ErrValidation means a request failed local validation before it
	// was sent.
	ErrValidation = errors.New("validation failed")
	// ErrTimedOut means a transaction has not been seen within the wait
	// budget. It may still be included later.
	ErrTimedOut = errors.New("timed out waiting for inclusion")
	// ErrRejected means the nodes refused the transaction.
	ErrRejected = errors.New("transaction rejected")
)
