package oracle

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// OutcomePoint returns the point s*G the oracle signature(s) for outcomes
// will have, given the oracle key and the nonces committed for them:
//
//	S = sum(R_i + e_i*P)
//
// where e_i is the BIP340 challenge for nonce R_i and outcome i. Only as many
// nonces as outcomes are used, which lets a digit prefix be encrypted against
// a partial attestation.
func OutcomePoint(oraclePub *btcec.PublicKey, nonces []*btcec.PublicKey,
	outcomes []string) (*btcec.PublicKey, error) {

	if len(outcomes) == 0 {
		return nil, errors.New("no outcomes")
	}
	if len(outcomes) > len(nonces) {
		return nil, fmt.Errorf("%d outcomes for %d nonces",
			len(outcomes), len(nonces))
	}

	p, err := liftX(oraclePub)
	if err != nil {
		return nil, err
	}
	var pj btcec.JacobianPoint
	p.AsJacobian(&pj)

	points := make([]*btcec.PublicKey, 0, len(outcomes))
	for i, outcome := range outcomes {
		r, err := liftX(nonces[i])
		if err != nil {
			return nil, err
		}

		e := challenge(r, p, HashOutcome(outcome))

		var rj, ep, sum btcec.JacobianPoint
		r.AsJacobian(&rj)
		btcec.ScalarMultNonConst(&e, &pj, &ep)
		btcec.AddNonConst(&rj, &ep, &sum)

		point, err := fromJacobian(&sum)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}

	return AddPoints(points...)
}

// AddPoints returns the sum of the given points.
func AddPoints(points ...*btcec.PublicKey) (*btcec.PublicKey, error) {
	if len(points) == 0 {
		return nil, errors.New("no points to add")
	}

	var acc btcec.JacobianPoint
	points[0].AsJacobian(&acc)
	for _, p := range points[1:] {
		var pj, res btcec.JacobianPoint
		p.AsJacobian(&pj)
		btcec.AddNonConst(&acc, &pj, &res)
		acc = res
	}

	return fromJacobian(&acc)
}

// SignOutcome signs outcome with the oracle key and the pre-committed
// nonce secret. The nonce point must have been published in an announcement
// beforehand for the signature to be of any use.
func SignOutcome(priv, nonce *btcec.PrivateKey,
	outcome string) (*schnorr.Signature, error) {

	d := priv.Key
	pub := priv.PubKey()
	if pub.SerializeCompressed()[0] == 0x03 {
		d.Negate()
	}

	k := nonce.Key
	r := nonce.PubKey()
	if r.SerializeCompressed()[0] == 0x03 {
		k.Negate()
	}

	p, err := liftX(pub)
	if err != nil {
		return nil, err
	}
	rEven, err := liftX(r)
	if err != nil {
		return nil, err
	}

	e := challenge(rEven, p, HashOutcome(outcome))

	var s btcec.ModNScalar
	s.Mul2(&e, &d).Add(&k)

	var rx btcec.FieldVal
	rx.SetByteSlice(schnorr.SerializePubKey(rEven))

	return schnorr.NewSignature(&rx, &s), nil
}

func challenge(r, p *btcec.PublicKey, msg []byte) btcec.ModNScalar {
	h := chainhash.TaggedHash(
		chainhash.TagBIP0340Challenge, schnorr.SerializePubKey(r),
		schnorr.SerializePubKey(p), msg,
	)

	var e btcec.ModNScalar
	e.SetByteSlice(h[:])

	return e
}

// liftX returns the point with the same x coordinate and an even y.
func liftX(p *btcec.PublicKey) (*btcec.PublicKey, error) {
	return schnorr.ParsePubKey(schnorr.SerializePubKey(p))
}

func fromJacobian(j *btcec.JacobianPoint) (*btcec.PublicKey, error) {
	if (j.X.IsZero() && j.Y.IsZero()) || j.Z.IsZero() {
		return nil, errors.New("point at infinity")
	}
	j.ToAffine()

	return btcec.NewPublicKey(&j.X, &j.Y), nil
}
