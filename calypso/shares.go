package calypso

import (
	"crypto/sha256"
	"sort"

	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// VerifyShare checks the proof of a decryption share against the public
// share of its node, taken from pub. U is the point of the write and Xc
// the public key of the reader.
func VerifyShare(s *DecryptShare, pub *share.PubPoly, U, Xc kyber.Point) bool {
	if s == nil || s.Ui == nil || s.Ui.V == nil || s.Ei == nil || s.Fi == nil || s.Ui.I < 0 {
		return false
	}
	suite := cothority.Suite
	ufi := suite.Point().Mul(s.Fi, suite.Point().Add(U, Xc))
	uiei := suite.Point().Mul(suite.Scalar().Neg(s.Ei), s.Ui.V)
	uiHat := suite.Point().Add(ufi, uiei)

	gfi := suite.Point().Mul(s.Fi, nil)
	hiei := suite.Point().Mul(suite.Scalar().Neg(s.Ei), pub.Eval(s.Ui.I).V)
	hiHat := suite.Point().Add(gfi, hiei)

	h := sha256.New()
	s.Ui.V.MarshalTo(h)
	uiHat.MarshalTo(h)
	hiHat.MarshalTo(h)
	return suite.Scalar().SetBytes(h.Sum(nil)).Equal(s.Ei)
}

// Combine returns XhatEnc, the key of the write re-encrypted for the
// reader, from the decryption shares. Shares that do not verify against
// pub are dropped, and only the first valid share of every node index
// counts. The threshold of pub decides how many shares are needed; the
// verified shares with the lowest indexes are interpolated, so the same
// set of shares always gives the same result.
func Combine(shares []*DecryptShare, pub *share.PubPoly, U, Xc kyber.Point) (kyber.Point, error) {
	if pub == nil {
		return nil, xerrors.Errorf("no public commits to verify the shares: %w", ErrInsufficientShares)
	}
	threshold := pub.Threshold()
	seen := make(map[int]bool)
	accepted := make(map[int]bool)
	invalid := 0
	var valid []*share.PubShare
	for _, s := range shares {
		if s == nil || s.Ui == nil || s.Ui.I < 0 {
			continue
		}
		seen[s.Ui.I] = true
		if accepted[s.Ui.I] {
			continue
		}
		if !VerifyShare(s, pub, U, Xc) {
			log.Lvl1("Dropping invalid share of node", s.Ui.I)
			invalid++
			continue
		}
		accepted[s.Ui.I] = true
		valid = append(valid, s.Ui)
	}
	if len(valid) < threshold {
		if len(seen) < threshold {
			return nil, xerrors.Errorf("got %d distinct shares, need %d: %w",
				len(seen), threshold, ErrInsufficientShares)
		}
		return nil, xerrors.Errorf("%d shares are invalid, only %d of %d nodes answered correctly, need %d: %w",
			invalid, len(valid), len(seen), threshold, ErrProtocolViolation)
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].I < valid[j].I })
	valid = valid[:threshold]

	n := valid[threshold-1].I + 1
	XhatEnc, err := share.RecoverCommit(cothority.Suite, valid, threshold, n)
	if err != nil {
		return nil, xerrors.Errorf("recovering commit: %v: %w", err, ErrProtocolViolation)
	}
	return XhatEnc, nil
}

// RecoverKey decrypts C with the re-encrypted key XhatEnc and the
// private key xc of the reader.
func RecoverKey(X, C, XhatEnc kyber.Point, xc kyber.Scalar) ([]byte, error) {
	reply := &DecryptKeyReply{X: X, C: C, XhatEnc: XhatEnc}
	key, err := reply.RecoverKey(xc)
	if err != nil {
		return nil, xerrors.Errorf("decoding key: %v: %w", err, ErrProtocolViolation)
	}
	return key, nil
}
